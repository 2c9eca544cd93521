package detectors

import (
	"fmt"

	"riskwatch/pkg/features"
)

// OutlierConfig tunes the population outlier detector.
type OutlierConfig struct {
	// Cutoff on the normalized [-1, 1] anomaly score; scores below it
	// set the flag. More negative means more anomalous.
	Cutoff float64 `koanf:"cutoff"`
	// MinReference is the smallest reference population the fitted
	// model may have been trained on; below it the detector abstains.
	MinReference int `koanf:"min_reference"`
}

// DefaultOutlierConfig mirrors common operating practice.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{Cutoff: -0.4, MinReference: 50}
}

func (c OutlierConfig) Validate() error {
	if c.Cutoff < -1 || c.Cutoff > 0 {
		return fmt.Errorf("cutoff must be in [-1, 0], got %v", c.Cutoff)
	}
	if c.MinReference < 1 {
		return fmt.Errorf("min_reference must be >= 1, got %d", c.MinReference)
	}
	return nil
}

// OutlierDetector scores a vector's isolation from the cross-subject
// reference population using a forest fitted by the training pipeline.
// The forest snapshot is shared read-only across scoring goroutines.
type OutlierDetector struct {
	cfg    OutlierConfig
	forest *Forest
}

// NewOutlierDetector wraps a fitted forest. A nil or unfitted forest is
// allowed; the detector then abstains on every call.
func NewOutlierDetector(cfg OutlierConfig, forest *Forest) (*OutlierDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OutlierDetector{cfg: cfg, forest: forest}, nil
}

// Score normalizes the raw isolation score s in (0, 1) to the contract
// scale a = 1 - 2s in [-1, 1], where more negative is more anomalous.
// Abstains (nil) when no usable model or too small a reference
// population is available.
func (d *OutlierDetector) Score(v *features.Vector) (*Output, error) {
	if d.forest == nil || !d.forest.Fitted() || d.forest.RefCount < d.cfg.MinReference {
		return nil, nil
	}

	raw := d.forest.RawScore(v.Values())
	a := 1 - 2*raw

	return &Output{
		Detector:   Outlier,
		Subject:    v.Subject,
		Window:     v.Window,
		Score:      a,
		Flag:       a < d.cfg.Cutoff,
		Confidence: clamp01(absFloat(a)),
	}, nil
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
