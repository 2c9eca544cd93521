package fusion

import "fmt"

// ConfigurationError reports a malformed policy. Surfaced before any
// scoring starts; a run never proceeds on a policy that fails
// validation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("fusion policy: %s: %s", e.Field, e.Reason)
}
