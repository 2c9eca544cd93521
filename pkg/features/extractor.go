package features

import (
	"fmt"
	"math"
	"time"

	"riskwatch/pkg/telemetry"
)

// Business hours used for the off-hours ratio. Events at or after
// BusinessStart and before BusinessEnd count as in-hours.
const (
	BusinessStart = 9
	BusinessEnd   = 17
)

// Extract derives the feature vector for one (subject, window) from the
// events inside it. All events must share one subject and fall within
// [window.Start, window.End); anything else is a caller bug and returns
// an error. An empty slice yields zero counts and undefined moments.
func Extract(events []telemetry.Event, window telemetry.Window) (*Vector, error) {
	v := &Vector{Window: window}

	if len(events) == 0 {
		return v, nil
	}

	v.Subject = events[0].Subject
	for _, e := range events {
		if e.Subject != v.Subject {
			return nil, fmt.Errorf("mixed subjects in window: %q and %q", v.Subject, e.Subject)
		}
		if !window.Contains(e.Timestamp) {
			return nil, fmt.Errorf("event at %s outside window %s", e.Timestamp.Format(time.RFC3339), window)
		}
	}

	sources := make(map[string]struct{})
	locations := make(map[string]struct{})
	resources := make(map[string]struct{})
	var failures, weekend, offHours int
	hours := make([]float64, 0, len(events))

	for _, e := range events {
		if e.SourceAddr != "" {
			sources[e.SourceAddr] = struct{}{}
		}
		if loc := locationKey(e.Location); loc != "" {
			locations[loc] = struct{}{}
		}
		if e.Resource != "" {
			resources[e.Resource] = struct{}{}
		}
		if e.Outcome == telemetry.OutcomeFailure {
			failures++
		}
		ts := e.Timestamp.UTC()
		if day := ts.Weekday(); day == time.Saturday || day == time.Sunday {
			weekend++
		}
		if h := ts.Hour(); h < BusinessStart || h >= BusinessEnd {
			offHours++
		}
		hours = append(hours, float64(ts.Hour()))
	}

	n := float64(len(events))
	v.EventCount = n
	v.DistinctSources = float64(len(sources))
	v.DistinctLocations = float64(len(locations))
	v.DistinctResources = float64(len(resources))
	v.FailureRatio = float64(failures) / n
	v.WeekendRatio = float64(weekend) / n
	v.OffHoursRatio = float64(offHours) / n

	v.HourMean = Moment{Value: mean(hours), Valid: true}
	if len(hours) >= 2 {
		v.HourStd = Moment{Value: stddev(hours), Valid: true}
	}

	return v, nil
}

func locationKey(g telemetry.Geo) string {
	if g.Country == "" && g.City == "" {
		return ""
	}
	return g.Country + "/" + g.City
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, x := range values {
		sum += x
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	m := mean(values)
	sumSq := 0.0
	for _, x := range values {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
