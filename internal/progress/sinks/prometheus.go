package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/curp-search-engine/internal/progress"
)

// PrometheusSink exports search progress metrics. It owns the collectors for
// jobs started/completed/running, combinations attempted, and matches found.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge

	combinations *prometheus.CounterVec
	matchesFound prometheus.Counter
	percentage   *prometheus.GaugeVec

	tracker  *jobTracker
	lastSeen map[string]int64
	mu       sync.Mutex
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curpsearch_jobs_started_total",
			Help: "Total search jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curpsearch_jobs_completed_total",
			Help: "Total search jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curpsearch_jobs_running",
			Help: "Current number of running search jobs.",
		}),
		combinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curpsearch_combinations_attempted_total",
			Help: "Combinations attempted partitioned by node.",
		}, []string{"node"}),
		matchesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curpsearch_matches_found_total",
			Help: "Total CURP matches found.",
		}),
		percentage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curpsearch_job_percentage",
			Help: "Latest reported completion percentage per job.",
		}, []string{"job_id"}),
		tracker:  newJobTracker(),
		lastSeen: make(map[string]int64),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.combinations,
		s.matchesFound,
		s.percentage,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindProgress:
		if s.tracker.start(evt.JobID) {
			s.jobsStarted.Inc()
			s.jobsRunning.Inc()
		}
		s.handleSnapshot(evt)
	case progress.KindComplete:
		s.jobsCompleted.WithLabelValues("success").Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.KindError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// handleSnapshot converts the absolute combination index into a counter delta
// keyed by job+node, since counters may only move forward.
func (s *PrometheusSink) handleSnapshot(evt progress.Event) {
	snap := evt.Snapshot
	if snap == nil {
		return
	}
	node := fmt.Sprintf("%d", evt.NodeID)
	key := evt.JobID + "/" + node
	s.mu.Lock()
	prev := s.lastSeen[key]
	if snap.CombinationIndex > prev {
		s.combinations.WithLabelValues(node).Add(float64(snap.CombinationIndex - prev))
		s.lastSeen[key] = snap.CombinationIndex
	}
	s.mu.Unlock()
	if snap.Percentage >= 0 {
		s.percentage.WithLabelValues(evt.JobID).Set(snap.Percentage)
	}
	if snap.MatchesFound > 0 {
		// matchesFound is driven by deltas in the orchestrator's own
		// counter; the snapshot carries the running total, so only
		// increments are applied here.
		s.observeMatches(key, snap.MatchesFound)
	}
}

func (s *PrometheusSink) observeMatches(key string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastSeen["m/"+key]
	if int64(total) > prev {
		s.matchesFound.Add(float64(int64(total) - prev))
		s.lastSeen["m/"+key] = int64(total)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
