package detectors

import (
	"fmt"
	"math"

	"riskwatch/pkg/features"
)

// Centroid is one behavioral persona in standardized feature space.
type Centroid struct {
	Label  string    `json:"label"`
	Values []float64 `json:"values"`
}

// Scaler standardizes raw feature values with per-dimension mean and
// standard deviation learned alongside the centroids.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Apply returns the standardized copy of x.
func (s *Scaler) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		sd := 1.0
		if i < len(s.Std) && s.Std[i] > 0 {
			sd = s.Std[i]
		}
		m := 0.0
		if i < len(s.Mean) {
			m = s.Mean[i]
		}
		out[i] = (v - m) / sd
	}
	return out
}

// ClusterConfig tunes the persona profiler.
type ClusterConfig struct {
	// DistanceThreshold flags vectors whose distance to the assigned
	// centroid indicates weak persona membership.
	DistanceThreshold float64 `koanf:"distance_threshold"`
}

// DefaultClusterConfig mirrors common operating practice.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{DistanceThreshold: 3.0}
}

func (c ClusterConfig) Validate() error {
	if c.DistanceThreshold <= 0 {
		return fmt.Errorf("distance_threshold must be positive, got %v", c.DistanceThreshold)
	}
	return nil
}

// ClusterProfiler assigns each vector to its nearest persona centroid.
// It never abstains while centroids exist: a vector near a boundary
// still gets the nearest assignment, with ties broken by lowest
// centroid index so assignment is deterministic.
type ClusterProfiler struct {
	cfg       ClusterConfig
	scaler    *Scaler
	centroids []Centroid
}

// NewClusterProfiler wraps a centroid snapshot loaded from the model
// registry. Centroids and scaler are shared read-only across scorers.
func NewClusterProfiler(cfg ClusterConfig, scaler *Scaler, centroids []Centroid) (*ClusterProfiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, c := range centroids {
		if len(c.Values) != features.Dim {
			return nil, fmt.Errorf("centroid %d (%s) has %d dims, want %d", i, c.Label, len(c.Values), features.Dim)
		}
	}
	return &ClusterProfiler{cfg: cfg, scaler: scaler, centroids: centroids}, nil
}

// Assign finds the nearest centroid by Euclidean distance in
// standardized space. Abstains only when the centroid set is empty.
func (p *ClusterProfiler) Assign(v *features.Vector) (*Output, error) {
	if len(p.centroids) == 0 {
		return nil, nil
	}

	x := v.Values()
	if p.scaler != nil {
		x = p.scaler.Apply(x)
	}

	best := 0
	bestDist := euclidean(x, p.centroids[0].Values)
	for i := 1; i < len(p.centroids); i++ {
		if d := euclidean(x, p.centroids[i].Values); d < bestDist {
			best = i
			bestDist = d
		}
	}

	return &Output{
		Detector: Cluster,
		Subject:  v.Subject,
		Window:   v.Window,
		Score:    bestDist,
		Flag:     bestDist > p.cfg.DistanceThreshold,
		// Saturates toward 1 as the vector drifts away from every
		// persona; 0.5 exactly at the threshold.
		Confidence: clamp01(bestDist / (bestDist + p.cfg.DistanceThreshold)),
		Persona:    p.centroids[best].Label,
	}, nil
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
