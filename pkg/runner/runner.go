// Package runner orchestrates one batch scoring run: for every subject
// active in a window it fans the three detectors and the indicator
// correlator out in parallel, joins at the fusion barrier, and upserts
// at most one assessment per (subject, window). Per-subject failures
// degrade to abstention or deferral; only configuration and model
// artifact problems fail a run, and they do so before any scoring.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"riskwatch/pkg/config"
	"riskwatch/pkg/detectors"
	"riskwatch/pkg/features"
	"riskwatch/pkg/fusion"
	"riskwatch/pkg/indicators"
	"riskwatch/pkg/mlmodel"
	"riskwatch/pkg/telemetry"
)

// EventSource is the read contract against the ingestion store.
type EventSource interface {
	ActiveSubjects(ctx context.Context, w telemetry.Window) ([]string, error)
	EventsFor(ctx context.Context, subject string, w telemetry.Window) ([]telemetry.Event, error)
	SubjectStatus(ctx context.Context, subject string) (telemetry.SubjectStatus, error)
	KnownBadSources(ctx context.Context) (map[string]struct{}, error)
}

// AssessmentSink receives fused assessments.
type AssessmentSink interface {
	Upsert(ctx context.Context, a fusion.Assessment) error
}

// ArtifactLoader resolves current model artifacts.
type ArtifactLoader interface {
	Load(ctx context.Context, kind mlmodel.Kind) (*mlmodel.Artifact, error)
}

// Report summarizes one run for the caller and the logs.
type Report struct {
	RunID         string
	Window        telemetry.Window
	Subjects      int
	Assessed      int
	Failed        int
	Abstentions   map[detectors.ID]int
	ModelVersions map[string]string
	Started       time.Time
	Finished      time.Time
}

// Runner executes scoring runs against one policy snapshot.
type Runner struct {
	log         zerolog.Logger
	events      EventSource
	sink        AssessmentSink
	artifacts   ArtifactLoader
	policy      config.Policy
	parallelism int
}

// New validates the policy immediately; a Runner cannot exist with a
// policy that would corrupt assessments.
func New(log zerolog.Logger, events EventSource, sink AssessmentSink, artifacts ArtifactLoader, policy config.Policy, parallelism int) (*Runner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Runner{
		log:         log,
		events:      events,
		sink:        sink,
		artifacts:   artifacts,
		policy:      policy,
		parallelism: parallelism,
	}, nil
}

// scorers is the per-run immutable snapshot shared read-only by every
// scoring goroutine.
type scorers struct {
	forecast   *detectors.ForecastDetector
	outlier    *detectors.OutlierDetector
	cluster    *detectors.ClusterProfiler
	correlator *indicators.Correlator
	badSources map[string]struct{}
	versions   map[string]string
	historyLen int
}

// Run scores every active subject for the window. It fails outright
// before any scoring on configuration or artifact problems; afterwards
// it isolates per-subject failures and always returns a report.
func (r *Runner) Run(ctx context.Context, window telemetry.Window) (*Report, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := r.log.With().Str("run_id", runID).Str("window", window.String()).Logger()

	sc, err := r.prepare(ctx)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	subjects, err := r.events.ActiveSubjects(ctx, window)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("resolve subjects: %w", err)
	}
	log.Info().Int("subjects", len(subjects)).Msg("run started")

	report := &Report{
		RunID:         runID,
		Window:        window,
		Subjects:      len(subjects),
		Abstentions:   make(map[detectors.ID]int),
		ModelVersions: sc.versions,
		Started:       started,
	}

	var mu sync.Mutex
	assessed := make([]fusion.Assessment, 0, len(subjects))

	engine, err := fusion.NewEngine(r.policy.Fusion)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, subject := range subjects {
		g.Go(func() error {
			a, abstained, err := r.scoreSubject(gctx, engine, sc, subject, window)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Isolated: this key is retried on the next run.
				report.Failed++
				subjectFailures.Inc()
				log.Warn().Err(err).Str("subject", subject).Msg("subject deferred")
				return nil
			}
			for _, id := range abstained {
				report.Abstentions[id]++
				detectorAbstentions.WithLabelValues(string(id)).Inc()
			}
			a.RunID = runID
			a.ModelVersions = sc.versions
			a.CreatedAt = started.UTC()
			assessed = append(assessed, *a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// Persist only after the fusion barrier; a cancelled run leaves no
	// partial assessments behind.
	for _, a := range assessed {
		if err := ctx.Err(); err != nil {
			runsTotal.WithLabelValues("cancelled").Inc()
			return report, fmt.Errorf("run aborted: %w", err)
		}
		if err := r.sink.Upsert(ctx, a); err != nil {
			report.Failed++
			subjectFailures.Inc()
			log.Warn().Err(err).Str("subject", a.Subject).Msg("assessment write deferred")
			continue
		}
		report.Assessed++
		subjectsScored.Inc()
		assessmentsByTier.WithLabelValues(string(a.Tier)).Inc()
	}

	report.Finished = time.Now()
	runDuration.Observe(report.Finished.Sub(started).Seconds())
	runsTotal.WithLabelValues("ok").Inc()
	log.Info().
		Int("assessed", report.Assessed).
		Int("failed", report.Failed).
		Dur("took", report.Finished.Sub(started)).
		Msg("run finished")
	return report, nil
}

// prepare loads and validates the model artifact snapshot. Every error
// here fails the run before scoring starts.
func (r *Runner) prepare(ctx context.Context) (*scorers, error) {
	sc := &scorers{versions: make(map[string]string)}
	var err error

	forecastCfg := r.policy.Forecast
	if art, err := r.loadArtifact(ctx, mlmodel.KindForecaster); err != nil {
		return nil, err
	} else if art != nil {
		params, err := mlmodel.DecodeForecaster(art)
		if err != nil {
			return nil, err
		}
		forecastCfg = detectors.ForecastConfig{
			HistoryWindow:   params.HistoryWindow,
			MinHistory:      params.MinHistory,
			ConfidenceLevel: params.ConfidenceLevel,
		}
		sc.versions[string(mlmodel.KindForecaster)] = art.Version
	}
	sc.forecast, err = detectors.NewForecastDetector(forecastCfg)
	if err != nil {
		return nil, err
	}
	sc.historyLen = forecastCfg.HistoryWindow

	var forest *detectors.Forest
	if art, err := r.loadArtifact(ctx, mlmodel.KindOutlierForest); err != nil {
		return nil, err
	} else if art != nil {
		if forest, err = mlmodel.DecodeForest(art); err != nil {
			return nil, err
		}
		sc.versions[string(mlmodel.KindOutlierForest)] = art.Version
	}
	sc.outlier, err = detectors.NewOutlierDetector(r.policy.Outlier, forest)
	if err != nil {
		return nil, err
	}

	var scaler *detectors.Scaler
	var centroids []detectors.Centroid
	if art, err := r.loadArtifact(ctx, mlmodel.KindCentroids); err != nil {
		return nil, err
	} else if art != nil {
		set, err := mlmodel.DecodeCentroids(art)
		if err != nil {
			return nil, err
		}
		scaler = &set.Scaler
		centroids = set.Centroids
		sc.versions[string(mlmodel.KindCentroids)] = art.Version
	}
	sc.cluster, err = detectors.NewClusterProfiler(r.policy.Cluster, scaler, centroids)
	if err != nil {
		return nil, err
	}

	sc.correlator, err = indicators.NewCorrelator(r.policy.Rules)
	if err != nil {
		return nil, err
	}

	sc.badSources, err = r.events.KnownBadSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load threat intel: %w", err)
	}
	return sc, nil
}

// loadArtifact resolves one artifact. Staleness either blocks the run
// or downgrades to a warning, per policy; a missing kind is tolerated
// and leaves the corresponding detector abstaining.
func (r *Runner) loadArtifact(ctx context.Context, kind mlmodel.Kind) (*mlmodel.Artifact, error) {
	art, err := r.artifacts.Load(ctx, kind)
	if err == nil {
		return art, nil
	}
	var stale *mlmodel.ModelArtifactStaleError
	if errors.As(err, &stale) {
		if r.policy.BlockOnStaleModel {
			return nil, err
		}
		r.log.Warn().Str("kind", string(kind)).Str("version", stale.Version).
			Msg("model artifact stale, proceeding per policy")
		return art, nil
	}
	if errors.Is(err, mlmodel.ErrNotFound) {
		r.log.Warn().Str("kind", string(kind)).Msg("no model artifact, detector will abstain")
		return nil, nil
	}
	return nil, fmt.Errorf("load %s artifact: %w", kind, err)
}

// scoreSubject runs the four producers for one key and fuses at the
// barrier. Detector errors degrade to abstention; only event-store
// errors defer the subject.
func (r *Runner) scoreSubject(ctx context.Context, engine *fusion.Engine, sc *scorers, subject string, window telemetry.Window) (*fusion.Assessment, []detectors.ID, error) {
	events, err := r.events.EventsFor(ctx, subject, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load events: %w", err)
	}
	current, err := features.Extract(events, window)
	if err != nil {
		return nil, nil, fmt.Errorf("extract features: %w", err)
	}
	if current.Subject == "" {
		current.Subject = subject
	}

	history, err := r.history(ctx, subject, window, sc.historyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}

	status, err := r.events.SubjectStatus(ctx, subject)
	if err != nil {
		return nil, nil, fmt.Errorf("load status: %w", err)
	}

	outputs := make(map[detectors.ID]*detectors.Output, 3)
	var abstained []detectors.ID
	var indSet indicators.Set

	var mu sync.Mutex
	var wg sync.WaitGroup
	record := func(id detectors.ID, out *detectors.Output, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil || out == nil {
			// A failed detector is an abstention for this key, never a
			// failed run.
			abstained = append(abstained, id)
			return
		}
		outputs[id] = out
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		out, err := sc.forecast.Score(history, current)
		record(detectors.TimeSeries, out, err)
	}()
	go func() {
		defer wg.Done()
		out, err := sc.outlier.Score(current)
		record(detectors.Outlier, out, err)
	}()
	go func() {
		defer wg.Done()
		out, err := sc.cluster.Assign(current)
		record(detectors.Cluster, out, err)
	}()
	go func() {
		defer wg.Done()
		set := sc.correlator.Correlate(indicators.Context{
			Subject:    subject,
			Window:     window,
			Events:     events,
			Status:     status,
			BadSources: sc.badSources,
		})
		mu.Lock()
		indSet = set
		mu.Unlock()
	}()
	// Fusion barrier: every producer has reported or abstained.
	wg.Wait()

	a := engine.Fuse(outputs, indSet)
	return &a, abstained, nil
}

// history extracts feature vectors for the n windows preceding w.
// Windows without any activity contribute no vector, so a brand-new
// subject correctly falls below the forecast detector's history floor
// and earns an abstention instead of a spurious flag.
func (r *Runner) history(ctx context.Context, subject string, w telemetry.Window, n int) ([]*features.Vector, error) {
	history := make([]*features.Vector, 0, n)
	prev := w
	for i := 0; i < n; i++ {
		prev = prev.Prev()
		events, err := r.events.EventsFor(ctx, subject, prev)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}
		v, err := features.Extract(events, prev)
		if err != nil {
			return nil, err
		}
		history = append(history, v)
	}
	return history, nil
}
