package progress

import (
	"sync"
	"time"
)

// NodeState is the aggregator's view of a single node's stream.
type NodeState struct {
	NodeID   int       `json:"node_id"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Done     bool      `json:"done"`
	Failed   bool      `json:"failed"`
	Error    string    `json:"error,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Combined is the merged view across every node participating in a job.
type Combined struct {
	JobID string `json:"job_id"`
	// Percentage weights each node by its share of the total combination
	// count, so a node searching three years does not report the same
	// weight as a node searching one. -1 until at least one node has
	// reported a known total.
	Percentage        float64     `json:"percentage"`
	CombinationsDone  int64       `json:"combinations_done"`
	TotalCombinations int64       `json:"total_combinations"`
	MatchesFound      int         `json:"matches_found"`
	Nodes             []NodeState `json:"nodes"`
	AllDone           bool        `json:"all_done"`
	AnyFailed         bool        `json:"any_failed"`
}

// Aggregator merges progress streams from independent nodes into a single
// job-level view. Events are applied latest-timestamp-wins per node, so
// out-of-order delivery over the wire cannot move a node backwards.
type Aggregator struct {
	mu    sync.Mutex
	jobID string
	nodes map[int]*NodeState
	// expected is the planned node count; the job is complete only when
	// every expected node has reached a terminal event.
	expected int
}

// NewAggregator tracks expected nodes for the given job. An expected count of
// zero means single-node operation, where node 0 is implied.
func NewAggregator(jobID string, expected int) *Aggregator {
	if expected <= 0 {
		expected = 1
	}
	return &Aggregator{
		jobID:    jobID,
		nodes:    make(map[int]*NodeState, expected),
		expected: expected,
	}
}

// Apply folds one event into the per-node state. Events for other jobs and
// stale events (older than the node's last applied timestamp) are ignored.
func (a *Aggregator) Apply(evt Event) {
	if evt.JobID != a.jobID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ns, ok := a.nodes[evt.NodeID]
	if !ok {
		ns = &NodeState{NodeID: evt.NodeID}
		a.nodes[evt.NodeID] = ns
	}
	if evt.TS.Before(ns.LastSeen) {
		return
	}
	ns.LastSeen = evt.TS
	switch evt.Kind {
	case KindProgress:
		if evt.Snapshot != nil {
			snap := *evt.Snapshot
			ns.Snapshot = &snap
		}
	case KindComplete:
		ns.Done = true
	case KindError:
		ns.Done = true
		ns.Failed = true
		ns.Error = evt.ErrorMessage
	}
}

// Combined returns the merged view at the time of the call.
func (a *Aggregator) Combined() Combined {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Combined{JobID: a.jobID, Percentage: -1}
	done := 0
	for _, ns := range a.nodes {
		st := *ns
		if ns.Snapshot != nil {
			snap := *ns.Snapshot
			st.Snapshot = &snap
			out.CombinationsDone += snap.CombinationIndex
			out.TotalCombinations += snap.TotalCombinations
			out.MatchesFound += snap.MatchesFound
		}
		out.Nodes = append(out.Nodes, st)
		if ns.Done {
			done++
		}
		if ns.Failed {
			out.AnyFailed = true
		}
	}
	if out.TotalCombinations > 0 {
		out.Percentage = float64(out.CombinationsDone) / float64(out.TotalCombinations) * 100
	}
	out.AllDone = done >= a.expected
	return out
}
