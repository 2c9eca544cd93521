// Command risk-fusion is the batch scoring service: on a fixed interval
// (and on demand over HTTP) it scores the most recent completed window
// across all active subjects and publishes fused assessments for
// downstream consumers.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"riskwatch/pkg/config"
	"riskwatch/pkg/fusion"
	"riskwatch/pkg/mlmodel"
	otelobs "riskwatch/pkg/observability/otel"
	"riskwatch/pkg/runner"
	"riskwatch/pkg/store"
	"riskwatch/pkg/telemetry"
)

type service struct {
	log        zerolog.Logger
	runner     *runner.Runner
	store      *store.AssessmentStore
	windowSize time.Duration

	mu      sync.Mutex
	running bool
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "risk-fusion").Logger()

	policy, err := config.Load(os.Getenv("RISK_FUSION_POLICY"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy")
	}

	events, err := telemetry.OpenEventStore(mustEnv(log, "DATABASE_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("event store")
	}
	defer events.Close()

	assessments, err := store.Open(mustEnv(log, "DATABASE_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("assessment store")
	}
	defer assessments.Close()

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
	}

	freshness, _ := policy.Freshness()
	registry, err := mlmodel.NewRegistry(envOr("MODEL_DIR", "/var/lib/riskwatch/models"), rdb, freshness)
	if err != nil {
		log.Fatal().Err(err).Msg("model registry")
	}

	run, err := runner.New(log, events, assessments, registry, *policy, envInt("RUN_PARALLELISM", 8))
	if err != nil {
		log.Fatal().Err(err).Msg("runner")
	}

	svc := &service{
		log:        log,
		runner:     run,
		store:      assessments,
		windowSize: envDuration(log, "WINDOW_SIZE", 24*time.Hour),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", svc.handleRun)
	mux.HandleFunc("GET /assessments", svc.handleAssessments)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := events.Ping(r.Context()); err != nil {
			http.Error(w, "event store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := otelobs.InitTracer("risk-fusion")
	defer shutdown(context.Background())

	go svc.schedule(ctx, envDuration(log, "RUN_INTERVAL", time.Hour))

	srv := &http.Server{
		Addr:              ":" + envOr("RISK_FUSION_PORT", "8094"),
		Handler:           otelobs.WrapHTTPHandler("risk-fusion", mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serve")
	}
}

// schedule scores the most recent completed window on every tick.
func (s *service) schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w := telemetry.NewWindow(time.Now().Add(-s.windowSize), s.windowSize)
			if _, err := s.runOnce(ctx, w); err != nil {
				s.log.Error().Err(err).Str("window", w.String()).Msg("scheduled run failed")
			}
		}
	}
}

// runOnce serializes runs; overlapping triggers are rejected rather
// than queued so a slow run cannot pile up behind itself.
func (s *service) runOnce(ctx context.Context, w telemetry.Window) (*runner.Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return s.runner.Run(ctx, w)
}

var errRunInProgress = &runBusyError{}

type runBusyError struct{}

func (*runBusyError) Error() string { return "a run is already in progress" }

func (s *service) handleRun(w http.ResponseWriter, r *http.Request) {
	size := s.windowSize
	window := telemetry.NewWindow(time.Now().Add(-size), size)
	if raw := r.URL.Query().Get("window_start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid window_start", http.StatusBadRequest)
			return
		}
		window = telemetry.NewWindow(start, size)
	}

	report, err := s.runOnce(r.Context(), window)
	if err == errRunInProgress {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("run failed")
		http.Error(w, "run failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

func (s *service) handleAssessments(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("window_start")
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		http.Error(w, "window_start is required (RFC3339)", http.StatusBadRequest)
		return
	}
	minTier := fusion.Tier(r.URL.Query().Get("min_tier"))
	if minTier == "" {
		minTier = fusion.TierNormal
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	window := telemetry.NewWindow(start, s.windowSize)
	out, err := s.store.ListByRisk(r.Context(), window, minTier, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list assessments")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func mustEnv(log zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal().Str("var", key).Msg("required environment variable missing")
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(log zerolog.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatal().Str("var", key).Str("value", v).Msg("invalid duration")
	}
	return d
}
