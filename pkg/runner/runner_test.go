package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/pkg/config"
	"riskwatch/pkg/detectors"
	"riskwatch/pkg/fusion"
	"riskwatch/pkg/mlmodel"
	"riskwatch/pkg/telemetry"
)

// fakeEvents serves canned telemetry keyed by subject and window start.
type fakeEvents struct {
	subjects []string
	events   map[string]map[time.Time][]telemetry.Event
	statuses map[string]telemetry.SubjectStatus
	bad      map[string]struct{}
	failFor  string
}

func (f *fakeEvents) ActiveSubjects(_ context.Context, _ telemetry.Window) ([]string, error) {
	return f.subjects, nil
}

func (f *fakeEvents) EventsFor(_ context.Context, subject string, w telemetry.Window) ([]telemetry.Event, error) {
	if subject == f.failFor {
		return nil, errors.New("store unavailable")
	}
	return f.events[subject][w.Start], nil
}

func (f *fakeEvents) SubjectStatus(_ context.Context, subject string) (telemetry.SubjectStatus, error) {
	if s, ok := f.statuses[subject]; ok {
		return s, nil
	}
	return telemetry.StatusActive, nil
}

func (f *fakeEvents) KnownBadSources(_ context.Context) (map[string]struct{}, error) {
	if f.bad == nil {
		return map[string]struct{}{}, nil
	}
	return f.bad, nil
}

// addWindow records n login events for the subject inside the window.
func (f *fakeEvents) addWindow(subject string, w telemetry.Window, n int) {
	if f.events == nil {
		f.events = map[string]map[time.Time][]telemetry.Event{}
	}
	if f.events[subject] == nil {
		f.events[subject] = map[time.Time][]telemetry.Event{}
	}
	evs := make([]telemetry.Event, n)
	for i := range evs {
		evs[i] = telemetry.Event{
			Subject:    subject,
			Timestamp:  w.Start.Add(10*time.Hour + time.Duration(i)*time.Minute),
			Kind:       telemetry.KindLogin,
			SourceAddr: "10.0.0.1",
			Outcome:    telemetry.OutcomeSuccess,
		}
	}
	f.events[subject][w.Start] = evs
}

type fakeSink struct {
	mu      sync.Mutex
	upserts []fusion.Assessment
}

func (f *fakeSink) Upsert(_ context.Context, a fusion.Assessment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, a)
	return nil
}

func (f *fakeSink) byKey() map[string]fusion.Assessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]fusion.Assessment, len(f.upserts))
	for _, a := range f.upserts {
		out[a.Subject+"/"+a.Window.Key()] = a
	}
	return out
}

// fakeArtifacts returns one canned response per kind; unlisted kinds
// report ErrNotFound.
type fakeArtifacts struct {
	arts map[mlmodel.Kind]*mlmodel.Artifact
	errs map[mlmodel.Kind]error
}

func (f *fakeArtifacts) Load(_ context.Context, kind mlmodel.Kind) (*mlmodel.Artifact, error) {
	if err, ok := f.errs[kind]; ok {
		return f.arts[kind], err
	}
	if art, ok := f.arts[kind]; ok {
		return art, nil
	}
	return nil, fmt.Errorf("%w: %s", mlmodel.ErrNotFound, kind)
}

func scoringWindow() telemetry.Window {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return telemetry.Window{Start: start, End: start.Add(24 * time.Hour)}
}

// seedHistory fills the n windows before w with steady activity.
func seedHistory(f *fakeEvents, subject string, w telemetry.Window, n, perWindow int) {
	prev := w
	for i := 0; i < n; i++ {
		prev = prev.Prev()
		f.addWindow(subject, prev, perWindow)
	}
}

func newTestRunner(t *testing.T, events *fakeEvents, sink *fakeSink, arts *fakeArtifacts, policy config.Policy) *Runner {
	t.Helper()
	if arts == nil {
		arts = &fakeArtifacts{}
	}
	r, err := New(zerolog.Nop(), events, sink, arts, policy, 4)
	require.NoError(t, err)
	return r
}

func TestRunScoresEverySubjectOnce(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{subjects: []string{"spiky", "steady"}}
	for _, s := range events.subjects {
		seedHistory(events, s, w, 15, 5)
	}
	events.addWindow("spiky", w, 200)
	events.addWindow("steady", w, 5)
	sink := &fakeSink{}

	r := newTestRunner(t, events, sink, nil, config.Default())
	report, err := r.Run(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Subjects)
	assert.Equal(t, 2, report.Assessed)
	assert.Zero(t, report.Failed)

	byKey := sink.byKey()
	require.Len(t, byKey, 2, "exactly one assessment per (subject, window)")
	require.Len(t, sink.upserts, 2, "no duplicate upserts")

	spiky := byKey["spiky/"+w.Key()]
	assert.True(t, spiky.Tier.Rank() > fusion.TierNormal.Rank(),
		"a 40x activity spike against steady history must raise the tier")
	assert.Contains(t, spiky.Contributing, string(detectors.TimeSeries))

	steady := byKey["steady/"+w.Key()]
	assert.Equal(t, fusion.TierNormal, steady.Tier)
	assert.Equal(t, fusion.AllAgreeNormal, steady.Agreement)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, report.RunID, spiky.RunID)
}

func TestRunNewSubjectAbstains(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{subjects: []string{"newhire"}}
	events.addWindow("newhire", w, 8)
	sink := &fakeSink{}

	r := newTestRunner(t, events, sink, nil, config.Default())
	report, err := r.Run(context.Background(), w)
	require.NoError(t, err)

	// No history and no fitted models: every detector abstains, and the
	// verdict records that instead of guessing.
	assert.Equal(t, 1, report.Abstentions[detectors.TimeSeries])
	assert.Equal(t, 1, report.Abstentions[detectors.Outlier])
	assert.Equal(t, 1, report.Abstentions[detectors.Cluster])

	byKey := sink.byKey()
	a := byKey["newhire/"+w.Key()]
	assert.Equal(t, fusion.InsufficientData, a.Agreement)
	assert.Equal(t, fusion.TierNormal, a.Tier)
}

func TestRunDefersFailingSubject(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{
		subjects: []string{"broken", "steady"},
		failFor:  "broken",
	}
	seedHistory(events, "steady", w, 15, 5)
	events.addWindow("steady", w, 5)
	sink := &fakeSink{}

	r := newTestRunner(t, events, sink, nil, config.Default())
	report, err := r.Run(context.Background(), w)
	require.NoError(t, err, "one bad subject must not fail the run")

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Assessed)
	byKey := sink.byKey()
	assert.NotContains(t, byKey, "broken/"+w.Key())
	assert.Contains(t, byKey, "steady/"+w.Key())
}

func TestRunCancelledPersistsNothing(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{subjects: []string{"steady"}}
	seedHistory(events, "steady", w, 15, 5)
	events.addWindow("steady", w, 5)
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(t, events, sink, nil, config.Default())
	_, err := r.Run(ctx, w)
	require.Error(t, err)
	assert.Empty(t, sink.upserts, "a cancelled run leaves no partial assessments")
}

func TestRunHardOverrideOutranksQuietDetectors(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{
		subjects: []string{"departed"},
		statuses: map[string]telemetry.SubjectStatus{"departed": telemetry.StatusTerminated},
	}
	seedHistory(events, "departed", w, 15, 5)
	events.addWindow("departed", w, 5)
	sink := &fakeSink{}

	r := newTestRunner(t, events, sink, nil, config.Default())
	_, err := r.Run(context.Background(), w)
	require.NoError(t, err)

	a := sink.byKey()["departed/"+w.Key()]
	assert.Equal(t, fusion.TierCritical, a.Tier)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Contains(t, a.Contributing, "terminated-subject")
}

func forecasterArtifact(t *testing.T, version string) *mlmodel.Artifact {
	t.Helper()
	raw, err := json.Marshal(mlmodel.ForecasterParams{
		HistoryWindow: 20, MinHistory: 10, ConfidenceLevel: 0.95,
	})
	require.NoError(t, err)
	return &mlmodel.Artifact{Kind: mlmodel.KindForecaster, Version: version, Payload: raw}
}

func TestRunStaleModelBlocksWhenConfigured(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{subjects: []string{"steady"}}
	events.addWindow("steady", w, 5)
	sink := &fakeSink{}

	art := forecasterArtifact(t, "v7")
	staleErr := &mlmodel.ModelArtifactStaleError{
		Kind: mlmodel.KindForecaster, Version: "v7",
		TrainedAt: time.Now().Add(-90 * 24 * time.Hour), Bound: 720 * time.Hour,
	}
	arts := &fakeArtifacts{
		arts: map[mlmodel.Kind]*mlmodel.Artifact{mlmodel.KindForecaster: art},
		errs: map[mlmodel.Kind]error{mlmodel.KindForecaster: staleErr},
	}

	blocking := config.Default()
	blocking.BlockOnStaleModel = true
	r := newTestRunner(t, events, sink, arts, blocking)
	_, err := r.Run(context.Background(), w)
	var stale *mlmodel.ModelArtifactStaleError
	require.ErrorAs(t, err, &stale)
	assert.Empty(t, sink.upserts)

	// The same staleness downgrades to a warning when not blocking.
	r = newTestRunner(t, events, sink, arts, config.Default())
	report, err := r.Run(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "v7", report.ModelVersions[string(mlmodel.KindForecaster)])
}

func TestRunRecordsModelVersions(t *testing.T) {
	w := scoringWindow()
	events := &fakeEvents{subjects: []string{"steady"}}
	seedHistory(events, "steady", w, 15, 5)
	events.addWindow("steady", w, 5)
	sink := &fakeSink{}

	arts := &fakeArtifacts{arts: map[mlmodel.Kind]*mlmodel.Artifact{
		mlmodel.KindForecaster: forecasterArtifact(t, "v3"),
	}}

	r := newTestRunner(t, events, sink, arts, config.Default())
	report, err := r.Run(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, "v3", report.ModelVersions[string(mlmodel.KindForecaster)])
	a := sink.byKey()["steady/"+w.Key()]
	assert.Equal(t, "v3", a.ModelVersions[string(mlmodel.KindForecaster)])
	assert.False(t, a.CreatedAt.IsZero())
}
