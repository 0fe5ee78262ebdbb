package orchestrator

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/jobstore"
	"github.com/JakeFAU/curp-search-engine/internal/metrics"
	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type memCheckpoints struct {
	mu      sync.Mutex
	cps     map[string]search.Checkpoint
	matches map[string][]search.Match
	saveErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{
		cps:     make(map[string]search.Checkpoint),
		matches: make(map[string][]search.Match),
	}
}

// Save rejects done contexts the way database/sql's ExecContext does.
func (s *memCheckpoints) Save(ctx context.Context, cp search.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.cps[cp.JobID] = cp
	return nil
}

func (s *memCheckpoints) Load(_ context.Context, jobID string) (search.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[jobID]
	if !ok {
		return search.Checkpoint{}, search.ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *memCheckpoints) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, jobID)
	return nil
}

func (s *memCheckpoints) RecordMatch(_ context.Context, jobID string, m search.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[jobID] = append(s.matches[jobID], m)
	return nil
}

func (s *memCheckpoints) ListMatches(_ context.Context, jobID string) ([]search.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]search.Match(nil), s.matches[jobID]...), nil
}

// scriptedSession routes every Execute through a shared classifier func so
// tests can drive outcomes per combination.
type scriptedSession struct {
	classify func(person search.Person, combo search.Combination) search.Outcome
	execs    *atomic.Int64
	recovers *atomic.Int64
}

func (s *scriptedSession) Start(context.Context) error { return nil }

func (s *scriptedSession) Execute(ctx context.Context, person search.Person, combo search.Combination) (search.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return search.Outcome{}, err
	}
	s.execs.Add(1)
	return s.classify(person, combo), nil
}

func (s *scriptedSession) Recover(context.Context) error {
	s.recovers.Add(1)
	return nil
}

func (s *scriptedSession) Close() {}

type fixture struct {
	orch        *Orchestrator
	jobs        *jobstore.Store
	checkpoints *memCheckpoints
	events      *captureEmitter
	execs       atomic.Int64
	recovers    atomic.Int64
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) byKind(kind progress.Kind) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, evt := range e.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func newFixture(t *testing.T, cfg Config, classify func(search.Person, search.Combination) search.Outcome) *fixture {
	t.Helper()
	f := &fixture{
		checkpoints: newMemCheckpoints(),
		events:      &captureEmitter{},
	}
	clk := &stubClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	f.jobs = jobstore.New(clk)
	factory := func(context.Context) (search.Session, error) {
		return &scriptedSession{classify: classify, execs: &f.execs, recovers: &f.recovers}, nil
	}
	orch, err := New(cfg, Deps{
		Sessions:    factory,
		Checkpoints: f.checkpoints,
		Jobs:        f.jobs,
		Emitter:     f.events,
		Clock:       clk,
	}, zap.NewNop())
	require.NoError(t, err)
	f.orch = orch
	return f
}

func testConfig() Config {
	return Config{
		Workers:          3,
		DelayMin:         time.Microsecond,
		DelayMax:         2 * time.Microsecond,
		CheckpointEveryN: 50,
		MaxRetries:       2,
	}
}

// smallJob covers one person over a single February: 28 days x 33 states.
func smallJob(id string, resume bool) (search.Job, []search.Person, int64) {
	job := search.Job{
		ID:     id,
		Status: search.JobStatusPending,
		Parameters: search.JobParameters{
			Filename:   "people.xlsx",
			YearStart:  1990,
			YearEnd:    1990,
			MonthStart: 2,
			MonthEnd:   2,
			Resume:     resume,
		},
	}
	persons := []search.Person{{ID: 1, FirstName: "JUAN", LastName1: "PEREZ", LastName2: "GOMEZ", Gender: "H"}}
	return job, persons, 28 * 33
}

func notFoundAll(search.Person, search.Combination) search.Outcome {
	return search.Outcome{Kind: search.OutcomeNotFound}
}

func startAndWait(t *testing.T, f *fixture, job search.Job, persons []search.Person) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, job))
	require.NoError(t, f.orch.StartJob(ctx, job, persons))
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, job.ID))
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), notFoundAll)
	job, persons, total := smallJob("job-complete", false)
	startAndWait(t, f, job, persons)

	got, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusCompleted, got.Status)
	require.Equal(t, total, f.execs.Load())

	cp, err := f.checkpoints.Load(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cp.PersonIndex)
	require.Equal(t, int64(0), cp.CombinationIndex)

	require.Len(t, f.events.byKind(progress.KindComplete), 1)
	require.NotEmpty(t, f.events.byKind(progress.KindProgress))
}

func TestPoolRecordsMatches(t *testing.T) {
	t.Parallel()
	classify := func(_ search.Person, combo search.Combination) search.Outcome {
		if combo.Day == 5 && combo.StateCode == "DF" {
			return search.Outcome{
				Kind:      search.OutcomeFound,
				CURP:      "PEGJ900205HDFRMN01",
				BirthDate: combo.BirthDate(),
				State:     "DF",
			}
		}
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	f := newFixture(t, testConfig(), classify)
	job, persons, _ := smallJob("job-match", false)
	startAndWait(t, f, job, persons)

	matches, err := f.checkpoints.ListMatches(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "PEGJ900205HDFRMN01", matches[0].CURP)
	require.Equal(t, "1990-02-05", matches[0].BirthDate)

	got, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusCompleted, got.Status)
	require.Len(t, got.Matches, 1)
}

func TestPoolMatchNumbersPerPerson(t *testing.T) {
	t.Parallel()
	classify := func(_ search.Person, combo search.Combination) search.Outcome {
		if combo.Day == 5 && combo.StateCode == "DF" {
			return search.Outcome{Kind: search.OutcomeFound, CURP: "PEGJ900205HDFRMN01"}
		}
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	f := newFixture(t, testConfig(), classify)
	job := search.Job{
		ID:     "job-match-seq",
		Status: search.JobStatusPending,
		Parameters: search.JobParameters{
			Filename:   "people.xlsx",
			YearStart:  1990,
			YearEnd:    1990,
			MonthStart: 2,
			MonthEnd:   2,
		},
	}
	persons := []search.Person{
		{ID: 1, FirstName: "JUAN", LastName1: "PEREZ", LastName2: "GOMEZ", Gender: "H"},
		{ID: 2, FirstName: "MARIA", LastName1: "LOPEZ", LastName2: "RIOS", Gender: "M"},
	}
	startAndWait(t, f, job, persons)

	matches, err := f.checkpoints.ListMatches(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	byPerson := make(map[int]int)
	for _, m := range matches {
		require.Equal(t, 1, m.MatchNumber, "first match for person %d", m.PersonID)
		byPerson[m.PersonID]++
	}
	require.Len(t, byPerson, 2)
}

func TestPoolResumeContinuesMatchNumbering(t *testing.T) {
	t.Parallel()
	classify := func(_ search.Person, combo search.Combination) search.Outcome {
		if combo.Day == 5 && combo.StateCode == "DF" {
			return search.Outcome{Kind: search.OutcomeFound, CURP: "PEGJ900205HDFRMN01"}
		}
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	f := newFixture(t, testConfig(), classify)
	job, persons, _ := smallJob("job-resume-seq", true)

	ctx := context.Background()
	require.NoError(t, f.checkpoints.RecordMatch(ctx, job.ID, search.Match{
		PersonID: 1, CURP: "PEGJ900204HDFRMN00", BirthDate: "1990-02-04", State: "DF", MatchNumber: 1,
	}))
	require.NoError(t, f.checkpoints.Save(ctx, search.Checkpoint{
		JobID:       job.ID,
		PersonIndex: 0,
		UpdatedAt:   time.Now(),
	}))
	startAndWait(t, f, job, persons)

	matches, err := f.checkpoints.ListMatches(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, 2, matches[1].MatchNumber, "numbering continues after the recorded match")
}

func TestPoolResumeSkipsClassifiedPrefix(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), notFoundAll)
	job, persons, total := smallJob("job-resume", true)

	require.NoError(t, f.checkpoints.Save(context.Background(), search.Checkpoint{
		JobID:            job.ID,
		PersonIndex:      0,
		CombinationIndex: 900,
		UpdatedAt:        time.Now(),
	}))
	startAndWait(t, f, job, persons)

	require.Equal(t, total-900, f.execs.Load())
	got, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusCompleted, got.Status)
}

func TestPoolResumeWithoutCheckpointFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), notFoundAll)
	job, persons, _ := smallJob("job-resume-missing", true)
	startAndWait(t, f, job, persons)

	got, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "checkpoint")
	require.Len(t, f.events.byKind(progress.KindError), 1)
}

func TestPoolFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	classify := func(search.Person, search.Combination) search.Outcome {
		return search.Outcome{Kind: search.OutcomeError, Reason: "page did not load"}
	}
	f := newFixture(t, testConfig(), classify)
	job, persons, _ := smallJob("job-fatal", false)
	startAndWait(t, f, job, persons)

	got, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "unresolved")
	// Each failing worker recovers once per retry.
	require.GreaterOrEqual(t, f.recovers.Load(), int64(2))
}

func TestPoolCancelStopsBetweenCombinations(t *testing.T) {
	t.Parallel()
	var slow atomic.Bool
	slow.Store(true)
	classify := func(search.Person, search.Combination) search.Outcome {
		if slow.Load() {
			time.Sleep(5 * time.Millisecond)
		}
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	f := newFixture(t, testConfig(), classify)
	job, persons, total := smallJob("job-cancel", false)

	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, job))
	require.NoError(t, f.orch.StartJob(ctx, job, persons))
	require.Eventually(t, func() bool { return f.execs.Load() > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, f.orch.Cancel(job.ID))
	slow.Store(false)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, job.ID))

	got, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusCancelled, got.Status)
	require.Less(t, f.execs.Load(), total)
	require.False(t, f.orch.IsRunning(job.ID))

	// The final checkpoint survives for a later resume even though the job
	// context is already cancelled when it is flushed.
	cp, err := f.checkpoints.Load(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, cp.PersonIndex)
	require.Greater(t, cp.CombinationIndex, int64(0))
}

func TestPoolCaptchaPausesUntilResume(t *testing.T) {
	t.Parallel()
	var tripped atomic.Bool
	classify := func(search.Person, search.Combination) search.Outcome {
		if tripped.CompareAndSwap(false, true) {
			return search.Outcome{Kind: search.OutcomeCaptcha, Reason: "challenge shown"}
		}
		return search.Outcome{Kind: search.OutcomeNotFound}
	}
	f := newFixture(t, testConfig(), classify)
	job, persons, total := smallJob("job-captcha", false)

	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, job))
	require.NoError(t, f.orch.StartJob(ctx, job, persons))

	require.Eventually(t, func() bool {
		got, err := f.jobs.GetJob(ctx, job.ID)
		return err == nil && got.Status == search.JobStatusPaused
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, f.orch.Resume(ctx, job.ID))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(waitCtx, job.ID))

	got, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusCompleted, got.Status)
	// The captcha combination is retried, never skipped.
	require.Equal(t, total+1, f.execs.Load())
}

func TestTrackerAdvancesContiguously(t *testing.T) {
	t.Parallel()
	tr := newTracker(0)
	require.Equal(t, int64(1), tr.resolve(0))
	require.Equal(t, int64(1), tr.resolve(2))
	require.Equal(t, int64(1), tr.resolve(3))
	require.Equal(t, int64(4), tr.resolve(1))
	require.Equal(t, int64(4), tr.watermark())
}

func TestGate(t *testing.T) {
	t.Parallel()
	g := newGate()
	require.False(t, g.paused())
	require.NoError(t, g.wait(context.Background()))

	require.True(t, g.pause())
	require.False(t, g.pause())
	require.True(t, g.paused())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, g.wait(ctx))

	require.True(t, g.resume())
	require.False(t, g.resume())
	require.NoError(t, g.wait(context.Background()))
}
