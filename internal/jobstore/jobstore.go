// Package jobstore provides the in-memory job registry backing the API
// surface. Durable state (checkpoints, matches) lives in the checkpoint
// store; this registry only has to outlive a job within one process.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// Store is an in-memory search.JobStore. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]search.Job
	clock search.Clock
}

// New constructs a Store.
func New(clock search.Clock) *Store {
	return &Store{
		jobs:  make(map[string]search.Job),
		clock: clock,
	}
}

// CreateJob registers a new job. The id must be unused.
func (s *Store) CreateJob(_ context.Context, job search.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = search.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// ResetJob replaces a terminal job record so its checkpoint can be resumed
// in-process under the same id. The id may also be unused, which covers a
// resume after a process restart. A non-terminal record is rejected.
func (s *Store) ResetJob(_ context.Context, job search.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok && !existing.Status.Terminal() {
		return fmt.Errorf("job %s is %s, stop it before resuming", job.ID, existing.Status)
	}
	if job.Status == "" {
		job.Status = search.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (search.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return search.Job{}, fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns every job ordered by creation time.
func (s *Store) ListJobs(_ context.Context) ([]search.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]search.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateJobStatus applies a status transition. Transitions out of terminal
// statuses are rejected with ErrTerminalStatus.
func (s *Store) UpdateJobStatus(_ context.Context, jobID string, status search.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, search.ErrTerminalStatus)
	}
	job.Status = status
	job.ErrorText = errText
	now := s.clock.Now()
	if status == search.JobStatusRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if status.Terminal() {
		completed := now
		job.CompletedAt = &completed
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateJobProgress mirrors the latest checkpointed position for status
// queries.
func (s *Store) UpdateJobProgress(_ context.Context, jobID string, personIndex int, comboIndex, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	job.CurrentPersonIndex = personIndex
	job.CurrentCombinationIndex = comboIndex
	job.TotalCombinations = total
	s.jobs[jobID] = job
	return nil
}

// AppendMatch adds a confirmed match to the job record.
func (s *Store) AppendMatch(_ context.Context, jobID string, m search.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	job.Matches = append(job.Matches, m)
	s.jobs[jobID] = job
	return nil
}

// SetResultFile records the exported spreadsheet path.
func (s *Store) SetResultFile(_ context.Context, jobID string, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	job.ResultFile = path
	s.jobs[jobID] = job
	return nil
}

// CountByStatus tallies jobs per status for the health endpoint.
func (s *Store) CountByStatus(_ context.Context) map[search.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[search.JobStatus]int)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out
}

func cloneJob(job search.Job) search.Job {
	out := job
	out.Matches = append([]search.Match(nil), job.Matches...)
	if job.StartedAt != nil {
		started := *job.StartedAt
		out.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
