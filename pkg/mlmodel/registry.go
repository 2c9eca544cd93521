package mlmodel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound marks a kind with no stored version at all. Callers may
// treat it as "detector abstains" rather than a run failure.
var ErrNotFound = errors.New("model artifact not found")

// ModelArtifactStaleError reports an artifact trained longer ago than
// the configured freshness bound. Whether to proceed with a warning or
// block the run is the caller's policy decision.
type ModelArtifactStaleError struct {
	Kind      Kind
	Version   string
	TrainedAt time.Time
	Bound     time.Duration
}

func (e *ModelArtifactStaleError) Error() string {
	return fmt.Sprintf("model %s version %s trained at %s exceeds freshness bound %s",
		e.Kind, e.Version, e.TrainedAt.Format(time.RFC3339), e.Bound)
}

// Registry stores artifacts as JSON files under a directory, with the
// current version of each kind cached in Redis for fast lookup by
// other services. Redis is optional; without it the registry falls back
// to the CURRENT marker file alone.
type Registry struct {
	dir       string
	rdb       *redis.Client
	freshness time.Duration
}

// NewRegistry creates the storage directory if needed. freshness of
// zero disables staleness checks.
func NewRegistry(dir string, rdb *redis.Client, freshness time.Duration) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &Registry{dir: dir, rdb: rdb, freshness: freshness}, nil
}

func (r *Registry) artifactPath(kind Kind, version string) string {
	return filepath.Join(r.dir, string(kind), version+".json")
}

func (r *Registry) currentPath(kind Kind) string {
	return filepath.Join(r.dir, string(kind), "CURRENT")
}

func redisKey(kind Kind) string { return "riskwatch:model:" + string(kind) + ":current" }

// Save stores a new artifact version and marks it current. The payload
// hash is computed here; callers never set it.
func (r *Registry) Save(ctx context.Context, kind Kind, version string, trainedAt time.Time, payload any) (*Artifact, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	sum := sha256.Sum256(raw)
	art := &Artifact{
		Kind:      kind,
		Version:   version,
		TrainedAt: trainedAt.UTC(),
		Hash:      hex.EncodeToString(sum[:]),
		Payload:   raw,
	}

	data, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("marshal %s artifact: %w", kind, err)
	}
	path := r.artifactPath(kind, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", kind, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s %s: %w", kind, version, err)
	}
	if err := os.WriteFile(r.currentPath(kind), []byte(version), 0o644); err != nil {
		return nil, fmt.Errorf("mark %s current: %w", kind, err)
	}

	if r.rdb != nil {
		if err := r.rdb.Set(ctx, redisKey(kind), version, 0).Err(); err != nil {
			return nil, fmt.Errorf("cache %s current version: %w", kind, err)
		}
	}
	return art, nil
}

// Load returns the current artifact of the given kind, verifying the
// payload hash and the freshness bound. Integrity failures are hard
// errors; staleness is the typed ModelArtifactStaleError so the caller
// can decide whether to proceed.
func (r *Registry) Load(ctx context.Context, kind Kind) (*Artifact, error) {
	version, err := r.currentVersion(ctx, kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.artifactPath(kind, version))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, version, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse %s %s: %w", kind, version, err)
	}

	sum := sha256.Sum256(art.Payload)
	if got := hex.EncodeToString(sum[:]); got != art.Hash {
		return nil, fmt.Errorf("artifact %s %s hash mismatch: stored %s, computed %s", kind, version, art.Hash, got)
	}

	if r.freshness > 0 && time.Since(art.TrainedAt) > r.freshness {
		return &art, &ModelArtifactStaleError{Kind: kind, Version: version, TrainedAt: art.TrainedAt, Bound: r.freshness}
	}
	return &art, nil
}

func (r *Registry) currentVersion(ctx context.Context, kind Kind) (string, error) {
	if r.rdb != nil {
		version, err := r.rdb.Get(ctx, redisKey(kind)).Result()
		if err == nil && version != "" {
			return version, nil
		}
		if err != nil && err != redis.Nil {
			return "", fmt.Errorf("lookup %s current version: %w", kind, err)
		}
	}
	data, err := os.ReadFile(r.currentPath(kind))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	if err != nil {
		return "", fmt.Errorf("resolve current version for %s: %w", kind, err)
	}
	return strings.TrimSpace(string(data)), nil
}
