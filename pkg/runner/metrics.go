package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_runs_total",
		Help: "Completed scoring runs by outcome.",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskwatch_run_duration_seconds",
		Help:    "Wall-clock duration of a scoring run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	subjectsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_subjects_scored_total",
		Help: "Subjects fused across all runs.",
	})

	subjectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_subject_failures_total",
		Help: "Subjects whose scoring failed and was deferred to the next run.",
	})

	detectorAbstentions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_detector_abstentions_total",
		Help: "Abstentions per detector.",
	}, []string{"detector"})

	assessmentsByTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskwatch_assessments_total",
		Help: "Assessments written, by risk tier.",
	}, []string{"tier"})
)
