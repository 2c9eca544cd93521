// Package detectors implements the three independent anomaly detectors
// that score a behavioral feature vector: a time-series forecast of the
// subject's own activity volume, a population-level isolation forest,
// and a persona cluster profiler. Detectors never log and never share
// state; each returns at most one Output per (subject, window).
package detectors

import (
	"riskwatch/pkg/telemetry"
)

// ID is the tagged detector identity carried on every output.
type ID string

const (
	TimeSeries ID = "time_series"
	Outlier    ID = "outlier"
	Cluster    ID = "cluster"
)

// Output is one detector's verdict for a (subject, window). A nil
// *Output from a detector is an abstention: a deliberate non-answer due
// to insufficient data, distinct from Flag=false. Abstentions must
// never be replaced with a zero-valued Output.
type Output struct {
	Detector   ID               `json:"detector"`
	Subject    string           `json:"subject"`
	Window     telemetry.Window `json:"window"`
	Score      float64          `json:"score"`
	Flag       bool             `json:"flag"`
	Confidence float64          `json:"confidence"`

	// Persona is set by the cluster profiler only.
	Persona string `json:"persona,omitempty"`
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
