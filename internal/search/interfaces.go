package search

import (
	"context"
	"time"
)

// Session drives one browser context through the fill/submit/wait/classify
// cycle for one combination at a time. Implementations are not safe for
// concurrent use; the pool owns one session per worker.
type Session interface {
	// Start navigates to the portal and prepares the form.
	Start(ctx context.Context) error
	// Execute submits one combination for the person and classifies the
	// result. The returned error is reserved for context cancellation;
	// interaction failures are reported through the Outcome.
	Execute(ctx context.Context, person Person, combo Combination) (Outcome, error)
	// Recover reloads the interactive surface after an error or timeout so
	// the same combination can be retried.
	Recover(ctx context.Context) error
	// Close releases the browser context.
	Close()
}

// SessionFactory builds a fresh Session for a pool worker.
type SessionFactory func(ctx context.Context) (Session, error)

// CheckpointStore persists job progress durably enough to survive process
// restarts. Saves are idempotent and last-write-wins.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns ErrCheckpointNotFound when no checkpoint exists for the
	// job id.
	Load(ctx context.Context, jobID string) (Checkpoint, error)
	Clear(ctx context.Context, jobID string) error
	// RecordMatch appends a match as soon as it is confirmed so results
	// survive a crash mid-job.
	RecordMatch(ctx context.Context, jobID string, m Match) error
	ListMatches(ctx context.Context, jobID string) ([]Match, error)
}

// JobStore tracks job metadata for the API surface.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// ResetJob replaces a terminal job record (or creates a missing one) so
	// a retained checkpoint can be resumed under the same id.
	ResetJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	// UpdateJobStatus refuses transitions out of terminal statuses.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	UpdateJobProgress(ctx context.Context, jobID string, personIndex int, comboIndex, total int64) error
	AppendMatch(ctx context.Context, jobID string, m Match) error
	SetResultFile(ctx context.Context, jobID string, path string) error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
