package mlmodel

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riskwatch/pkg/detectors"
)

func newTestRegistry(t *testing.T, freshness time.Duration) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir(), nil, freshness)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRegistrySaveLoadRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 0)
	ctx := context.Background()

	params := ForecasterParams{HistoryWindow: 30, MinHistory: 12, ConfidenceLevel: 0.99}
	saved, err := reg.Save(ctx, KindForecaster, "v1", time.Now(), params)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Hash == "" {
		t.Fatal("save must stamp a payload hash")
	}

	art, err := reg.Load(ctx, KindForecaster)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeForecaster(art)
	if err != nil {
		t.Fatal(err)
	}
	if *got != params {
		t.Errorf("decoded %+v, want %+v", *got, params)
	}
}

func TestRegistryLoadReturnsLatestVersion(t *testing.T) {
	reg := newTestRegistry(t, 0)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2", "v3"} {
		if _, err := reg.Save(ctx, KindCentroids, v, time.Now(), CentroidSet{}); err != nil {
			t.Fatal(err)
		}
	}

	art, err := reg.Load(ctx, KindCentroids)
	if err != nil {
		t.Fatal(err)
	}
	if art.Version != "v3" {
		t.Errorf("current version = %s, want v3", art.Version)
	}
}

func TestRegistryLoadMissingKind(t *testing.T) {
	reg := newTestRegistry(t, 0)

	_, err := reg.Load(context.Background(), KindOutlierForest)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRegistryDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := reg.Save(ctx, KindForecaster, "v1", time.Now(), ForecasterParams{MinHistory: 10}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, string(KindForecaster), "v1.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"min_history":10`, `"min_history":1`, 1)
	if tampered == string(data) {
		t.Fatal("test did not alter the payload")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Load(ctx, KindForecaster); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("tampered payload must fail integrity, got %v", err)
	}
}

func TestRegistryStaleArtifact(t *testing.T) {
	reg := newTestRegistry(t, time.Hour)
	ctx := context.Background()

	if _, err := reg.Save(ctx, KindForecaster, "v1", time.Now().Add(-48*time.Hour), ForecasterParams{}); err != nil {
		t.Fatal(err)
	}

	art, err := reg.Load(ctx, KindForecaster)
	var stale *ModelArtifactStaleError
	if !errors.As(err, &stale) {
		t.Fatalf("want ModelArtifactStaleError, got %v", err)
	}
	if stale.Kind != KindForecaster || stale.Version != "v1" {
		t.Errorf("stale error names %s %s", stale.Kind, stale.Version)
	}
	if art == nil {
		t.Error("stale load still returns the artifact so callers may proceed with a warning")
	}
}

func TestRegistryFreshnessDisabled(t *testing.T) {
	reg := newTestRegistry(t, 0)
	ctx := context.Background()

	if _, err := reg.Save(ctx, KindForecaster, "v1", time.Now().Add(-365*24*time.Hour), ForecasterParams{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(ctx, KindForecaster); err != nil {
		t.Errorf("zero freshness disables the staleness check, got %v", err)
	}
}

func TestDecodeKindMismatch(t *testing.T) {
	raw, _ := json.Marshal(ForecasterParams{})
	art := &Artifact{Kind: KindForecaster, Payload: raw}

	if _, err := DecodeForest(art); err == nil {
		t.Error("forest decoder must refuse a forecaster artifact")
	}
	if _, err := DecodeCentroids(art); err == nil {
		t.Error("centroid decoder must refuse a forecaster artifact")
	}
}

func TestDecodeForestRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 0)
	ctx := context.Background()

	forest := detectors.NewForest(10, 64, 7)
	rows := make([][]float64, 80)
	for i := range rows {
		rows[i] = []float64{float64(i % 9), 1, 2}
	}
	if err := forest.Fit(rows); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Save(ctx, KindOutlierForest, "v1", time.Now(), forest); err != nil {
		t.Fatal(err)
	}
	art, err := reg.Load(ctx, KindOutlierForest)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeForest(art)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Fitted() || got.RefCount != forest.RefCount {
		t.Errorf("decoded forest lost state: fitted=%v ref=%d", got.Fitted(), got.RefCount)
	}
}
