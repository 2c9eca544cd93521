package detectors

import (
	"fmt"
	"math"
	"sort"

	"riskwatch/pkg/features"
)

// z multipliers for the supported symmetric prediction intervals.
var zMultipliers = map[float64]float64{
	0.90: 1.645,
	0.95: 1.960,
	0.99: 2.576,
}

// ForecastConfig tunes the time-series detector.
type ForecastConfig struct {
	// HistoryWindow is the number of most recent prior windows the
	// forecast is fitted on.
	HistoryWindow int `koanf:"history_window"`
	// MinHistory is the abstention floor: fewer prior windows than this
	// and the detector emits no output at all.
	MinHistory int `koanf:"min_history"`
	// ConfidenceLevel selects the prediction interval width. Must be
	// one of 0.90, 0.95, 0.99.
	ConfidenceLevel float64 `koanf:"confidence_level"`
}

// DefaultForecastConfig mirrors common operating practice.
func DefaultForecastConfig() ForecastConfig {
	return ForecastConfig{HistoryWindow: 20, MinHistory: 10, ConfidenceLevel: 0.95}
}

func (c ForecastConfig) Validate() error {
	if c.MinHistory < 2 {
		return fmt.Errorf("min_history must be >= 2, got %d", c.MinHistory)
	}
	if c.HistoryWindow < c.MinHistory {
		return fmt.Errorf("history_window (%d) must be >= min_history (%d)", c.HistoryWindow, c.MinHistory)
	}
	if _, ok := zMultipliers[c.ConfidenceLevel]; !ok {
		return fmt.Errorf("unsupported confidence_level %v (want 0.90, 0.95 or 0.99)", c.ConfidenceLevel)
	}
	return nil
}

// ForecastDetector flags windows whose activity volume falls outside a
// prediction interval fitted on the subject's own recent history.
type ForecastDetector struct {
	cfg ForecastConfig
}

// NewForecastDetector validates the config up front so a bad threshold
// fails the run before any scoring happens.
func NewForecastDetector(cfg ForecastConfig) (*ForecastDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ForecastDetector{cfg: cfg}, nil
}

// Score forecasts the event-count feature from history and compares the
// current window against the prediction interval. History vectors may
// arrive in any order; only windows strictly before the current one
// count. Returns nil (abstention) when history is too short.
func (d *ForecastDetector) Score(history []*features.Vector, current *features.Vector) (*Output, error) {
	prior := make([]*features.Vector, 0, len(history))
	for _, h := range history {
		if h.Window.Start.Before(current.Window.Start) {
			prior = append(prior, h)
		}
	}
	if len(prior) < d.cfg.MinHistory {
		return nil, nil
	}

	sort.Slice(prior, func(i, j int) bool {
		return prior[i].Window.Start.Before(prior[j].Window.Start)
	})
	if len(prior) > d.cfg.HistoryWindow {
		prior = prior[len(prior)-d.cfg.HistoryWindow:]
	}

	counts := make([]float64, len(prior))
	for i, h := range prior {
		counts[i] = h.EventCount
	}
	m := meanOf(counts)
	sd := stddevOf(counts, m)

	x := current.EventCount
	zCrit := zMultipliers[d.cfg.ConfidenceLevel]

	var z float64
	switch {
	case sd > 0:
		z = math.Abs(x-m) / sd
	case x == m:
		z = 0
	default:
		// Perfectly flat history and a different current value: any
		// deviation is maximally surprising.
		z = 2 * zCrit
	}

	return &Output{
		Detector:   TimeSeries,
		Subject:    current.Subject,
		Window:     current.Window,
		Score:      z,
		Flag:       z > zCrit,
		// Confidence grows linearly with deviation and reaches 1.0 at
		// twice the critical z.
		Confidence: clamp01(z / (2 * zCrit)),
	}, nil
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
