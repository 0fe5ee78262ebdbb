package search

import (
	"errors"
	"fmt"
)

// ErrCheckpointNotFound signals that no checkpoint exists for the job id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrJobNotFound signals that the job store has no record for the id.
var ErrJobNotFound = errors.New("job not found")

// ErrTerminalStatus signals an attempted transition out of a terminal status.
var ErrTerminalStatus = errors.New("job is in a terminal status")

// RecoverableError wraps an interaction failure that should be retried in
// place after a surface reload: network blips, stale DOM, ambiguous
// classification, timeouts.
type RecoverableError struct {
	Reason string
	Err    error
}

func (e *RecoverableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recoverable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("recoverable: %s", e.Reason)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable reports whether err is retryable in place.
func Recoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

// FatalError marks the job failed while preserving the last good checkpoint.
// Reason is surfaced verbatim through the job-error event.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal reports whether err should terminate the job.
func Fatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
