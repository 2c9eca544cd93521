// Package mlmodel manages versioned, immutable model artifacts: the
// forecaster parameters, the fitted outlier forest, and the persona
// centroid set. A run loads one snapshot of each and shares it
// read-only across all scoring goroutines; nothing mutates an artifact
// after it is stored.
package mlmodel

import (
	"encoding/json"
	"fmt"
	"time"

	"riskwatch/pkg/detectors"
)

// Kind identifies an artifact family. Exactly one version of each kind
// is current at any time.
type Kind string

const (
	KindForecaster    Kind = "forecaster"
	KindOutlierForest Kind = "outlier_forest"
	KindCentroids     Kind = "centroids"
)

// Artifact is one stored model version. Payload is the kind-specific
// JSON document; Hash is the SHA-256 of the payload, verified on load.
type Artifact struct {
	Kind      Kind            `json:"kind"`
	Version   string          `json:"version"`
	TrainedAt time.Time       `json:"trained_at"`
	Hash      string          `json:"hash"`
	Payload   json.RawMessage `json:"payload"`
}

// ForecasterParams is the payload for KindForecaster: the trained
// operating point of the time-series detector.
type ForecasterParams struct {
	HistoryWindow   int     `json:"history_window"`
	MinHistory      int     `json:"min_history"`
	ConfidenceLevel float64 `json:"confidence_level"`
}

// CentroidSet is the payload for KindCentroids.
type CentroidSet struct {
	Scaler    detectors.Scaler     `json:"scaler"`
	Centroids []detectors.Centroid `json:"centroids"`
}

// DecodeForecaster unpacks a forecaster artifact.
func DecodeForecaster(a *Artifact) (*ForecasterParams, error) {
	if a.Kind != KindForecaster {
		return nil, fmt.Errorf("artifact %s is %s, want %s", a.Version, a.Kind, KindForecaster)
	}
	var p ForecasterParams
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode forecaster %s: %w", a.Version, err)
	}
	return &p, nil
}

// DecodeForest unpacks a fitted isolation forest artifact.
func DecodeForest(a *Artifact) (*detectors.Forest, error) {
	if a.Kind != KindOutlierForest {
		return nil, fmt.Errorf("artifact %s is %s, want %s", a.Version, a.Kind, KindOutlierForest)
	}
	var f detectors.Forest
	if err := json.Unmarshal(a.Payload, &f); err != nil {
		return nil, fmt.Errorf("decode forest %s: %w", a.Version, err)
	}
	return &f, nil
}

// DecodeCentroids unpacks a centroid set artifact.
func DecodeCentroids(a *Artifact) (*CentroidSet, error) {
	if a.Kind != KindCentroids {
		return nil, fmt.Errorf("artifact %s is %s, want %s", a.Version, a.Kind, KindCentroids)
	}
	var c CentroidSet
	if err := json.Unmarshal(a.Payload, &c); err != nil {
		return nil, fmt.Errorf("decode centroids %s: %w", a.Version, err)
	}
	return &c, nil
}
