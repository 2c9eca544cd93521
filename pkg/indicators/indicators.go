// Package indicators evaluates contextual facts that the numeric
// feature vector cannot capture: employment status, threat-intel hits,
// deny windows, impossible travel. Rules are a configuration table, not
// code branches; each rule is evaluated independently and contributes
// one named indicator.
package indicators

import (
	"sort"

	"riskwatch/pkg/telemetry"
)

// Indicator is one named contextual signal for a (subject, window).
type Indicator struct {
	Name      string  `json:"name"`
	Triggered bool    `json:"triggered"`
	Weight    float64 `json:"weight"`
	// HardOverride marks ground-truth facts that outrank statistical
	// inference: the fusion engine escalates to CRITICAL when any
	// triggered indicator carries it.
	HardOverride bool `json:"hard_override"`
}

// Set holds the indicators for one (subject, window). Order-irrelevant
// set semantics; accessors return deterministic orderings.
type Set struct {
	Subject    string               `json:"subject"`
	Window     telemetry.Window     `json:"window"`
	Indicators map[string]Indicator `json:"indicators"`
}

// TriggeredNames returns the names of triggered indicators in
// alphabetical order, the order the fusion engine reports them in.
func (s Set) TriggeredNames() []string {
	names := make([]string, 0, len(s.Indicators))
	for name, ind := range s.Indicators {
		if ind.Triggered {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasHardOverride reports whether any triggered indicator demands the
// hard tier escalation.
func (s Set) HasHardOverride() bool {
	for _, ind := range s.Indicators {
		if ind.Triggered && ind.HardOverride {
			return true
		}
	}
	return false
}
