// Package orchestrator runs search jobs: a bounded worker pool per job over
// a single owned combination cursor, with pool-wide pacing, stealth pauses,
// checkpointing, and captcha suspension.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// Config carries the tunables for job execution.
type Config struct {
	// Workers is the number of concurrent browser sessions per job.
	Workers int
	// DelayMin/DelayMax bound the randomized sleep between combinations.
	DelayMin time.Duration
	DelayMax time.Duration
	// PauseEveryN pauses the whole pool after that many classified
	// combinations; zero disables the stealth pause.
	PauseEveryN   int
	PauseDuration time.Duration
	// CheckpointEveryN saves the watermark on that cadence (default 100).
	CheckpointEveryN int
	// MaxRetries bounds in-place retries of a single combination after
	// recoverable failures.
	MaxRetries int
	// RequestsPerSecond is a pool-wide pacing floor; zero means unlimited.
	RequestsPerSecond float64
	// NodeID tags progress events in multi-node deployments.
	NodeID int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 6
	}
	if c.DelayMin <= 0 {
		c.DelayMin = 500 * time.Millisecond
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin + 2*time.Second
	}
	if c.PauseEveryN < 0 {
		c.PauseEveryN = 0
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = 15 * time.Second
	}
	if c.CheckpointEveryN <= 0 {
		c.CheckpointEveryN = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Sessions    search.SessionFactory
	Checkpoints search.CheckpointStore
	Jobs        search.JobStore
	Emitter     progress.Emitter
	Clock       search.Clock
}

// Orchestrator tracks running jobs and exposes their lifecycle controls.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*runningJob
}

type runningJob struct {
	pool   *pool
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the dependency set and returns an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: session factory is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("orchestrator: checkpoint store is required")
	}
	if deps.Jobs == nil {
		return nil, fmt.Errorf("orchestrator: job store is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("orchestrator: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger.Named("orchestrator"),
		running: make(map[string]*runningJob),
	}, nil
}

// StartJob launches the job in the background. The persons slice is the
// node's assignment in row order; the final entry is the shared boundary
// person when the job parameters carry a sub-range.
func (o *Orchestrator) StartJob(ctx context.Context, job search.Job, persons []search.Person) error {
	if len(persons) == 0 {
		return fmt.Errorf("start job %s: no persons in assignment", job.ID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[job.ID]; ok {
		return fmt.Errorf("job %s is already running", job.ID)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := newPool(o.cfg, o.deps, job, persons, o.logger.With(zap.String("job_id", job.ID)))
	p.cancel = cancel
	rj := &runningJob{pool: p, cancel: cancel, done: make(chan struct{})}
	o.running[job.ID] = rj

	go func() {
		defer close(rj.done)
		defer cancel()
		p.run(jobCtx)
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()
	return nil
}

// Cancel requests cooperative cancellation; workers stop between
// combinations and the final checkpoint is saved before the job is marked
// cancelled.
func (o *Orchestrator) Cancel(jobID string) error {
	rj, err := o.get(jobID)
	if err != nil {
		return err
	}
	// A paused pool would otherwise park workers on the gate forever.
	rj.pool.gate.resume()
	rj.cancel()
	return nil
}

// Pause parks the job's workers at the gate. Reports an error when the job
// is not running or already paused.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	rj, err := o.get(jobID)
	if err != nil {
		return err
	}
	if !rj.pool.pauseByOperator(ctx) {
		return fmt.Errorf("job %s is already paused", jobID)
	}
	return nil
}

// Resume reopens the gate after an operator pause or a captcha suspension.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	rj, err := o.get(jobID)
	if err != nil {
		return err
	}
	if !rj.pool.resumeSignal(ctx) {
		return fmt.Errorf("job %s is not paused", jobID)
	}
	return nil
}

// IsRunning reports whether the job currently has a live pool.
func (o *Orchestrator) IsRunning(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// Wait blocks until the job's pool exits or ctx is done. Unknown jobs return
// immediately.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) error {
	o.mu.Lock()
	rj, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running job and waits for the pools to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	jobs := make([]*runningJob, 0, len(o.running))
	for _, rj := range o.running {
		rj.pool.gate.resume()
		rj.cancel()
		jobs = append(jobs, rj)
	}
	o.mu.Unlock()
	for _, rj := range jobs {
		select {
		case <-rj.done:
		case <-ctx.Done():
			return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (o *Orchestrator) get(jobID string) (*runningJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj, ok := o.running[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	return rj, nil
}
