// Package progress defines the event primitives, non-blocking hub, and
// aggregation logic used to report search progress from one or many nodes.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// Kind names the type of milestone an Event carries.
type Kind string

// Event kinds delivered to subscribers.
const (
	KindProgress Kind = "progress_update"
	KindComplete Kind = "job_complete"
	KindError    Kind = "job_error"
)

// Snapshot is the latest known position of one node's search. It is
// ephemeral: only the numeric checkpoint fields outlive the process.
type Snapshot struct {
	NodeID            int                 `json:"node_id"`
	PersonID          int                 `json:"person_id"`
	PersonName        string              `json:"person_name"`
	CombinationIndex  int64               `json:"combination_index"`
	TotalCombinations int64               `json:"total_combinations"`
	MatchesFound      int                 `json:"matches_found"`
	Current           *search.Combination `json:"current_combination,omitempty"`
	// Percentage is -1 when the total is unknown, so displays can render
	// "unknown" instead of a misleading zero.
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewSnapshot computes the derived percentage field. An unknown total yields
// Percentage -1.
func NewSnapshot(nodeID int, person search.Person, comboIndex, total int64, matches int, current *search.Combination, at time.Time) Snapshot {
	pct := -1.0
	if total > 0 {
		pct = float64(comboIndex) / float64(total) * 100
	}
	return Snapshot{
		NodeID:            nodeID,
		PersonID:          person.ID,
		PersonName:        person.FullName(),
		CombinationIndex:  comboIndex,
		TotalCombinations: total,
		MatchesFound:      matches,
		Current:           current,
		Percentage:        pct,
		Timestamp:         at,
	}
}

// Event is one progress milestone for a job, tagged by node identity so the
// aggregator can merge streams from independent backends.
type Event struct {
	Kind         Kind      `json:"type"`
	JobID        string    `json:"job_id"`
	NodeID       int       `json:"node_id"`
	TS           time.Time `json:"ts"`
	Snapshot     *Snapshot `json:"progress,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress:
		if e.Snapshot == nil {
			return errors.New("progress event requires a snapshot")
		}
	case KindComplete:
	case KindError:
		if e.ErrorMessage == "" {
			return errors.New("error event requires a message")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
