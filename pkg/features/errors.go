package features

import "fmt"

// InsufficientDataError reports a statistic that needs a larger sample
// than the window provided. Callers recover locally by treating the
// statistic as undefined; it never aborts a run.
type InsufficientDataError struct {
	Stat string
	Need int
	Have int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d samples, have %d", e.Stat, e.Need, e.Have)
}
