package detectors

import (
	"testing"
	"time"

	"riskwatch/pkg/features"
	"riskwatch/pkg/telemetry"
)

func vectorAt(t *testing.T, daysAgo int, count float64) *features.Vector {
	t.Helper()
	start := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -daysAgo)
	return &features.Vector{
		Subject:    "alice",
		Window:     telemetry.Window{Start: start, End: start.Add(24 * time.Hour)},
		EventCount: count,
	}
}

func steadyHistory(t *testing.T, days int, count float64) []*features.Vector {
	t.Helper()
	history := make([]*features.Vector, 0, days)
	for i := days; i >= 1; i-- {
		history = append(history, vectorAt(t, i, count))
	}
	return history
}

func TestForecastAbstainsOnShortHistory(t *testing.T) {
	d, err := NewForecastDetector(DefaultForecastConfig())
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Score(steadyHistory(t, 5, 40), vectorAt(t, 0, 500))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if out != nil {
		t.Errorf("expected abstention with 5 prior windows, got %+v", out)
	}
}

func TestForecastIgnoresFutureWindows(t *testing.T) {
	d, err := NewForecastDetector(DefaultForecastConfig())
	if err != nil {
		t.Fatal(err)
	}

	// 5 prior + 6 "future" windows must still abstain: only windows
	// strictly before the current one count as history.
	history := steadyHistory(t, 5, 40)
	for i := 1; i <= 6; i++ {
		history = append(history, vectorAt(t, -i, 40))
	}
	out, err := d.Score(history, vectorAt(t, 0, 40))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if out != nil {
		t.Errorf("expected abstention, got %+v", out)
	}
}

func TestForecastFlagsSpike(t *testing.T) {
	cfg := ForecastConfig{HistoryWindow: 20, MinHistory: 10, ConfidenceLevel: 0.95}
	d, err := NewForecastDetector(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Noisy but stable baseline around 40 events/day.
	history := make([]*features.Vector, 0, 14)
	counts := []float64{38, 41, 40, 39, 42, 40, 37, 43, 40, 41, 39, 40, 42, 38}
	for i, c := range counts {
		history = append(history, vectorAt(t, len(counts)-i, c))
	}

	out, err := d.Score(history, vectorAt(t, 0, 400))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if out == nil {
		t.Fatal("expected output, got abstention")
	}
	if out.Detector != TimeSeries {
		t.Errorf("detector id = %s, want %s", out.Detector, TimeSeries)
	}
	if !out.Flag {
		t.Error("10x spike should fall outside the prediction interval")
	}
	if out.Confidence <= 0.9 {
		t.Errorf("confidence = %v, want near 1 for an extreme spike", out.Confidence)
	}

	within, err := d.Score(history, vectorAt(t, 0, 40))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if within == nil || within.Flag {
		t.Errorf("typical volume should not flag, got %+v", within)
	}
}

func TestForecastFlatHistory(t *testing.T) {
	d, err := NewForecastDetector(DefaultForecastConfig())
	if err != nil {
		t.Fatal(err)
	}
	history := steadyHistory(t, 12, 40)

	same, err := d.Score(history, vectorAt(t, 0, 40))
	if err != nil {
		t.Fatal(err)
	}
	if same == nil || same.Flag || same.Score != 0 {
		t.Errorf("identical volume over flat history: %+v", same)
	}

	diff, err := d.Score(history, vectorAt(t, 0, 41))
	if err != nil {
		t.Fatal(err)
	}
	if diff == nil || !diff.Flag {
		t.Errorf("any deviation from a perfectly flat history should flag: %+v", diff)
	}
}

func TestForecastConfidenceMonotone(t *testing.T) {
	d, err := NewForecastDetector(DefaultForecastConfig())
	if err != nil {
		t.Fatal(err)
	}
	history := make([]*features.Vector, 0, 12)
	counts := []float64{38, 41, 40, 39, 42, 40, 37, 43, 40, 41, 39, 40}
	for i, c := range counts {
		history = append(history, vectorAt(t, len(counts)-i, c))
	}

	prevConf := -1.0
	for _, x := range []float64{40, 50, 80, 160, 400} {
		out, err := d.Score(history, vectorAt(t, 0, x))
		if err != nil {
			t.Fatal(err)
		}
		if out.Confidence < prevConf {
			t.Fatalf("confidence decreased from %v to %v at volume %v", prevConf, out.Confidence, x)
		}
		prevConf = out.Confidence
	}
}

func TestForecastConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ForecastConfig
	}{
		{"tiny min history", ForecastConfig{HistoryWindow: 20, MinHistory: 1, ConfidenceLevel: 0.95}},
		{"window below floor", ForecastConfig{HistoryWindow: 5, MinHistory: 10, ConfidenceLevel: 0.95}},
		{"unsupported level", ForecastConfig{HistoryWindow: 20, MinHistory: 10, ConfidenceLevel: 0.9999}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewForecastDetector(tt.cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}
