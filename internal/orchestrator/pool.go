package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/curp-search-engine/internal/generator"
	"github.com/JakeFAU/curp-search-engine/internal/metrics"
	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// checkpointFailureLimit is how many consecutive save failures are tolerated
// before the job is failed to avoid silently losing hours of progress.
const checkpointFailureLimit = 5

// pool runs one job: a bounded worker set sharing a single cursor over the
// current person's combination space. Persons are processed strictly in
// order; only combinations are parallelized.
type pool struct {
	cfg     Config
	deps    Deps
	job     search.Job
	persons []search.Person
	logger  *zap.Logger

	gate    *gate
	limiter *rate.Limiter

	// attempts counts classified combinations across the whole job, driving
	// the scheduled stealth pause.
	attempts atomic.Int64

	// doneBefore is the combination count of fully completed persons,
	// folded into progress snapshots so the node reports assignment-wide
	// position.
	doneBefore atomic.Int64
	nodeTotal  int64

	// cancel aborts the job's context; set by the manager before run.
	cancel   context.CancelFunc
	cpBroken atomic.Bool

	cpMu        sync.Mutex
	cpFailures  int
	lastSavedAt int64

	// matchSeq numbers confirmed matches per person, 1-based; matchesTotal
	// feeds progress snapshots.
	matchMu      sync.Mutex
	matchSeq     map[int]int
	matchesTotal int
}

func newPool(cfg Config, deps Deps, job search.Job, persons []search.Person, logger *zap.Logger) *pool {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &pool{
		cfg:     cfg,
		deps:    deps,
		job:     job,
		persons: persons,
		logger:  logger,
		gate:     newGate(),
		limiter:  rate.NewLimiter(limit, cfg.Workers),
		matchSeq: make(map[int]int),
	}
}

// run drives the job to a terminal status. It always returns after persisting
// a final checkpoint, so a later resume request picks up where it stopped.
func (p *pool) run(ctx context.Context) {
	params := p.job.Parameters

	gens := make([]*generator.Generator, len(p.persons))
	for i := range p.persons {
		gen, err := generator.FromRowRange(params, i == len(p.persons)-1)
		if err != nil {
			p.fail(fmt.Errorf("build combination space: %w", err))
			return
		}
		gens[i] = gen
		p.nodeTotal += gen.Count()
	}

	startPerson, startCombo, err := p.startPosition(ctx)
	if err != nil {
		p.fail(err)
		return
	}
	if params.Resume {
		// Seed per-person match numbering from the durable record so the
		// sequence continues across restarts instead of starting over at 1.
		prior, err := p.deps.Checkpoints.ListMatches(ctx, p.job.ID)
		if err != nil {
			p.fail(&search.FatalError{Reason: "load recorded matches for resume", Err: err})
			return
		}
		p.matchesTotal = len(prior)
		for _, m := range prior {
			p.matchSeq[m.PersonID]++
		}
	}
	for i := 0; i < startPerson && i < len(p.persons); i++ {
		p.doneBefore.Add(gens[i].Count())
	}

	if err := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusRunning, ""); err != nil {
		p.logger.Warn("mark job running failed", zap.Error(err))
	}

	for i := startPerson; i < len(p.persons); i++ {
		person := p.persons[i]
		from := int64(0)
		if i == startPerson {
			from = startCombo
		}
		p.logger.Info("searching person",
			zap.Int("person_id", person.ID),
			zap.String("name", person.FullName()),
			zap.Int64("from_index", from),
			zap.Int64("combinations", gens[i].Count()))

		if err := p.runPerson(ctx, i, person, gens[i], from); err != nil {
			p.finishWithError(ctx, err)
			return
		}
		p.doneBefore.Add(gens[i].Count())
		p.saveCheckpoint(context.WithoutCancel(ctx), i+1, 0)
	}

	p.finishCompleted(ctx)
}

// startPosition resolves the resume checkpoint, or (0,0) for a fresh job.
// A claimed resume with no loadable checkpoint is fatal rather than silently
// restarting from scratch.
func (p *pool) startPosition(ctx context.Context) (int, int64, error) {
	if !p.job.Parameters.Resume {
		return 0, 0, nil
	}
	cp, err := p.deps.Checkpoints.Load(ctx, p.job.ID)
	if err != nil {
		return 0, 0, &search.FatalError{Reason: "resume requested but checkpoint unavailable", Err: err}
	}
	if cp.PersonIndex < 0 || cp.PersonIndex > len(p.persons) {
		return 0, 0, &search.FatalError{Reason: fmt.Sprintf("checkpoint person index %d outside assignment", cp.PersonIndex)}
	}
	p.logger.Info("resuming from checkpoint",
		zap.Int("person_index", cp.PersonIndex),
		zap.Int64("combination_index", cp.CombinationIndex))
	return cp.PersonIndex, cp.CombinationIndex, nil
}

// runPerson exhausts one person's combination space with the worker set.
func (p *pool) runPerson(ctx context.Context, personIdx int, person search.Person, gen *generator.Generator, from int64) error {
	total := gen.Count()
	if from >= total {
		return nil
	}
	track := newTracker(from)
	var next atomic.Int64
	next.Store(from)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.cfg.Workers; w++ {
		g.Go(func() error {
			return p.worker(gctx, personIdx, person, gen, total, track, &next)
		})
	}
	err := g.Wait()
	// Final save for this person regardless of how the workers exited. The
	// job context is already done on cancel and shutdown, so the flush needs
	// a detached one or the store rejects the write.
	p.saveCheckpoint(context.WithoutCancel(ctx), personIdx, track.watermark())
	return err
}

func (p *pool) worker(ctx context.Context, personIdx int, person search.Person, gen *generator.Generator, total int64, track *tracker, next *atomic.Int64) error {
	sess, err := p.deps.Sessions(ctx)
	if err != nil {
		return &search.FatalError{Reason: "start browser session", Err: err}
	}
	defer sess.Close()
	if err := sess.Start(ctx); err != nil {
		return &search.FatalError{Reason: "open search form", Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.gate.wait(ctx); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		idx := next.Add(1) - 1
		if idx >= total {
			return nil
		}
		combo, err := gen.At(idx)
		if err != nil {
			return &search.FatalError{Reason: "seek combination", Err: err}
		}

		metrics.IncActiveWorkers()
		outcome, err := p.attempt(ctx, sess, person, combo)
		metrics.DecActiveWorkers()
		if err != nil {
			return err
		}

		if outcome.Kind == search.OutcomeFound {
			p.recordMatch(ctx, person, combo, outcome)
		}

		wm := track.resolve(idx)
		p.afterResolve(ctx, personIdx, person, combo, wm, total)

		if err := p.maybeScheduledPause(ctx); err != nil {
			return err
		}
		if err := p.jitterSleep(ctx); err != nil {
			return err
		}
	}
}

// attempt submits one combination, retrying recoverable failures in place.
// A CAPTCHA parks the whole pool until an external resume signal and does not
// count against the retry budget.
func (p *pool) attempt(ctx context.Context, sess search.Session, person search.Person, combo search.Combination) (search.Outcome, error) {
	retries := 0
	for {
		started := p.deps.Clock.Now()
		outcome, err := sess.Execute(ctx, person, combo)
		if err != nil {
			return outcome, err
		}
		metrics.ObserveAttempt(string(outcome.Kind), p.deps.Clock.Now().Sub(started))

		switch outcome.Kind {
		case search.OutcomeFound, search.OutcomeNotFound:
			return outcome, nil
		case search.OutcomeCaptcha:
			if err := p.captchaPause(ctx); err != nil {
				return outcome, err
			}
			if err := sess.Recover(ctx); err != nil {
				return outcome, &search.FatalError{Reason: "recover after captcha", Err: err}
			}
		case search.OutcomeError, search.OutcomeTimeout:
			if retries >= p.cfg.MaxRetries {
				return outcome, &search.FatalError{
					Reason: fmt.Sprintf("combination %s unresolved after %d retries: %s", combo, retries, outcome.Reason),
				}
			}
			retries++
			metrics.ObserveRetry()
			p.logger.Debug("retrying combination",
				zap.String("combination", combo.String()),
				zap.String("reason", outcome.Reason),
				zap.Int("retry", retries))
			if err := sess.Recover(ctx); err != nil {
				return outcome, &search.FatalError{Reason: "recover session", Err: err}
			}
		default:
			return outcome, &search.FatalError{Reason: fmt.Sprintf("unknown outcome %q", outcome.Kind)}
		}
	}
}

func (p *pool) recordMatch(ctx context.Context, person search.Person, combo search.Combination, outcome search.Outcome) {
	p.matchMu.Lock()
	p.matchesTotal++
	p.matchSeq[person.ID]++
	seq := p.matchSeq[person.ID]
	p.matchMu.Unlock()

	m := search.Match{
		PersonID:    person.ID,
		CURP:        outcome.CURP,
		BirthDate:   outcome.BirthDate,
		State:       outcome.State,
		MatchNumber: seq,
		FoundAt:     p.deps.Clock.Now(),
	}
	if m.BirthDate == "" {
		m.BirthDate = combo.BirthDate()
	}
	if m.State == "" {
		m.State = combo.StateCode
	}
	metrics.ObserveMatch()
	p.logger.Info("match found",
		zap.Int("person_id", person.ID),
		zap.String("curp", m.CURP),
		zap.String("birth_date", m.BirthDate),
		zap.String("state", m.State))

	// Persist immediately so a crash cannot lose a confirmed result.
	if err := p.deps.Checkpoints.RecordMatch(ctx, p.job.ID, m); err != nil {
		p.logger.Warn("record match failed", zap.Error(err))
	}
	if err := p.deps.Jobs.AppendMatch(ctx, p.job.ID, m); err != nil {
		p.logger.Warn("append match to job failed", zap.Error(err))
	}
}

// afterResolve emits progress, mirrors position into the job store, and saves
// the checkpoint on its cadence.
func (p *pool) afterResolve(ctx context.Context, personIdx int, person search.Person, combo search.Combination, wm, total int64) {
	p.matchMu.Lock()
	matches := p.matchesTotal
	p.matchMu.Unlock()

	nodeIndex := p.doneBefore.Load() + wm
	now := p.deps.Clock.Now()
	snap := progress.NewSnapshot(p.cfg.NodeID, person, nodeIndex, p.nodeTotal, matches, &combo, now)
	p.deps.Emitter.Emit(progress.Event{
		Kind:     progress.KindProgress,
		JobID:    p.job.ID,
		NodeID:   p.cfg.NodeID,
		TS:       now,
		Snapshot: &snap,
	})
	if err := p.deps.Jobs.UpdateJobProgress(ctx, p.job.ID, personIdx, wm, p.nodeTotal); err != nil {
		p.logger.Warn("update job progress failed", zap.Error(err))
	}

	every := int64(p.cfg.CheckpointEveryN)
	if every > 0 {
		p.cpMu.Lock()
		due := wm/every > p.lastSavedAt/every
		p.cpMu.Unlock()
		if due {
			p.saveCheckpoint(ctx, personIdx, wm)
		}
	}
}

// saveCheckpoint persists the watermark. Failures are logged warnings;
// repeated consecutive failures fail the job through the context-free fatal
// path on the next attempt cycle.
func (p *pool) saveCheckpoint(ctx context.Context, personIdx int, combinationIdx int64) {
	cp := search.Checkpoint{
		JobID:            p.job.ID,
		PersonIndex:      personIdx,
		CombinationIndex: combinationIdx,
		UpdatedAt:        p.deps.Clock.Now(),
	}
	err := p.deps.Checkpoints.Save(ctx, cp)
	metrics.ObserveCheckpointWrite(err == nil)
	p.cpMu.Lock()
	defer p.cpMu.Unlock()
	if err != nil {
		p.cpFailures++
		p.logger.Warn("checkpoint save failed",
			zap.Error(err),
			zap.Int("consecutive_failures", p.cpFailures))
		if p.cpFailures >= checkpointFailureLimit && !p.cpBroken.Swap(true) {
			p.logger.Error("checkpoint store unusable, aborting job")
			if p.cancel != nil {
				p.cancel()
			}
		}
		return
	}
	p.cpFailures = 0
	p.lastSavedAt = combinationIdx
}

// maybeScheduledPause parks the whole pool for PauseDuration once every
// PauseEveryN classified combinations. One worker owns the pause; the rest
// block on the gate.
func (p *pool) maybeScheduledPause(ctx context.Context) error {
	n := p.attempts.Add(1)
	if p.cfg.PauseEveryN <= 0 || n%int64(p.cfg.PauseEveryN) != 0 {
		return nil
	}
	if !p.gate.pause() {
		return nil
	}
	metrics.ObservePause("scheduled")
	p.logger.Info("scheduled pool pause",
		zap.Int64("combinations", n),
		zap.Duration("duration", p.cfg.PauseDuration))
	timer := time.NewTimer(p.cfg.PauseDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		p.gate.resume()
		return ctx.Err()
	}
	p.gate.resume()
	return nil
}

// captchaPause suspends the pool until an external resume signal arrives.
func (p *pool) captchaPause(ctx context.Context) error {
	if p.gate.pause() {
		metrics.ObservePause("captcha")
		p.logger.Warn("captcha detected, pausing until resume signal", zap.String("job_id", p.job.ID))
		if err := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusPaused, "captcha detected"); err != nil {
			p.logger.Warn("mark job paused failed", zap.Error(err))
		}
	}
	if err := p.gate.wait(ctx); err != nil {
		return err
	}
	return nil
}

// pauseByOperator closes the gate on explicit request.
func (p *pool) pauseByOperator(ctx context.Context) bool {
	if !p.gate.pause() {
		return false
	}
	metrics.ObservePause("operator")
	if err := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusPaused, ""); err != nil {
		p.logger.Warn("mark job paused failed", zap.Error(err))
	}
	return true
}

// resumeSignal reopens the gate after a captcha or operator pause.
func (p *pool) resumeSignal(ctx context.Context) bool {
	if !p.gate.resume() {
		return false
	}
	if err := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusRunning, ""); err != nil {
		p.logger.Warn("mark job running failed", zap.Error(err))
	}
	return true
}

func (p *pool) jitterSleep(ctx context.Context) error {
	d := randDuration(p.cfg.DelayMin, p.cfg.DelayMax)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) finishCompleted(ctx context.Context) {
	now := p.deps.Clock.Now()
	if err := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusCompleted, ""); err != nil {
		p.logger.Warn("mark job completed failed", zap.Error(err))
	}
	metrics.ObserveJob(string(search.JobStatusCompleted))
	p.deps.Emitter.Emit(progress.Event{
		Kind:   progress.KindComplete,
		JobID:  p.job.ID,
		NodeID: p.cfg.NodeID,
		TS:     now,
	})
	p.logger.Info("job completed", zap.String("job_id", p.job.ID))
}

func (p *pool) finishWithError(ctx context.Context, err error) {
	// Status updates after cancellation need a fresh context.
	base := context.WithoutCancel(ctx)
	if p.cpBroken.Load() {
		p.failCtx(base, errors.New("checkpoint store unusable"))
		return
	}
	if errors.Is(err, context.Canceled) {
		if uerr := p.deps.Jobs.UpdateJobStatus(base, p.job.ID, search.JobStatusCancelled, ""); uerr != nil {
			p.logger.Warn("mark job cancelled failed", zap.Error(uerr))
		}
		metrics.ObserveJob(string(search.JobStatusCancelled))
		p.logger.Info("job cancelled", zap.String("job_id", p.job.ID))
		return
	}
	p.failCtx(base, err)
}

func (p *pool) fail(err error) {
	p.failCtx(context.Background(), err)
}

func (p *pool) failCtx(ctx context.Context, err error) {
	if uerr := p.deps.Jobs.UpdateJobStatus(ctx, p.job.ID, search.JobStatusFailed, err.Error()); uerr != nil {
		p.logger.Warn("mark job failed failed", zap.Error(uerr))
	}
	metrics.ObserveJob(string(search.JobStatusFailed))
	p.deps.Emitter.Emit(progress.Event{
		Kind:         progress.KindError,
		JobID:        p.job.ID,
		NodeID:       p.cfg.NodeID,
		TS:           p.deps.Clock.Now(),
		ErrorMessage: err.Error(),
	})
	p.logger.Error("job failed", zap.String("job_id", p.job.ID), zap.Error(err))
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}
