// Package features turns raw telemetry events into fixed-schema
// behavioral feature vectors, one per (subject, window). Extraction is
// deterministic and pure: the same events and window always produce a
// byte-identical vector.
package features

import (
	"riskwatch/pkg/telemetry"
)

// Dim is the fixed dimensionality of every feature vector. Detector
// models are trained against this exact layout; changing it requires
// retraining every artifact.
const Dim = 9

// Feature indexes into the ordered value slice.
const (
	FeatEventCount = iota
	FeatDistinctSources
	FeatDistinctLocations
	FeatDistinctResources
	FeatFailureRatio
	FeatWeekendRatio
	FeatOffHoursRatio
	FeatHourMean
	FeatHourStd
)

// Names lists feature names in vector order, for explainability and
// model audit output.
var Names = [Dim]string{
	"event_count",
	"distinct_sources",
	"distinct_locations",
	"distinct_resources",
	"failure_ratio",
	"weekend_ratio",
	"off_hours_ratio",
	"hour_mean",
	"hour_std",
}

// Moment is a statistical moment that may be undefined when the sample
// is too small. Undefined moments are encoded as Valid=false, never as
// zero, so "no data" stays distinct from "value is zero".
type Moment struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Vector is one behavioral feature vector. Read-only to detectors.
type Vector struct {
	Subject string           `json:"subject"`
	Window  telemetry.Window `json:"window"`

	EventCount        float64 `json:"event_count"`
	DistinctSources   float64 `json:"distinct_sources"`
	DistinctLocations float64 `json:"distinct_locations"`
	DistinctResources float64 `json:"distinct_resources"`
	FailureRatio      float64 `json:"failure_ratio"`
	WeekendRatio      float64 `json:"weekend_ratio"`
	OffHoursRatio     float64 `json:"off_hours_ratio"`

	HourMean Moment `json:"hour_mean"`
	HourStd  Moment `json:"hour_std"`
}

// Values returns the ordered numeric representation used by the
// multivariate detectors. Undefined moments contribute 0 so that the
// layout stays fixed; detectors that care about the distinction must
// inspect the Moment fields directly.
func (v *Vector) Values() []float64 {
	out := make([]float64, Dim)
	out[FeatEventCount] = v.EventCount
	out[FeatDistinctSources] = v.DistinctSources
	out[FeatDistinctLocations] = v.DistinctLocations
	out[FeatDistinctResources] = v.DistinctResources
	out[FeatFailureRatio] = v.FailureRatio
	out[FeatWeekendRatio] = v.WeekendRatio
	out[FeatOffHoursRatio] = v.OffHoursRatio
	if v.HourMean.Valid {
		out[FeatHourMean] = v.HourMean.Value
	}
	if v.HourStd.Valid {
		out[FeatHourStd] = v.HourStd.Value
	}
	return out
}

// StdHour returns the activity-hour standard deviation, or an
// InsufficientDataError when fewer than two events were observed.
func (v *Vector) StdHour() (float64, error) {
	if !v.HourStd.Valid {
		return 0, &InsufficientDataError{Stat: "hour_std", Need: 2, Have: int(v.EventCount)}
	}
	return v.HourStd.Value, nil
}
