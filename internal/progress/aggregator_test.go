package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

func snapEvent(jobID string, nodeID int, comboIndex, total int64, matches int, ts time.Time) Event {
	person := search.Person{ID: 1, FirstName: "JUAN", LastName1: "PEREZ", LastName2: "GOMEZ"}
	snap := NewSnapshot(nodeID, person, comboIndex, total, matches, nil, ts)
	return Event{Kind: KindProgress, JobID: jobID, NodeID: nodeID, TS: ts, Snapshot: &snap}
}

func TestAggregatorWeightsNodesByTotal(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator("job-1", 2)

	// Node 0 covers 3000 combinations, node 1 covers 1000. Node 0 at 50%
	// and node 1 at 100% should combine to 62.5%, not 75%.
	agg.Apply(snapEvent("job-1", 0, 1500, 3000, 0, base))
	agg.Apply(snapEvent("job-1", 1, 1000, 1000, 2, base))

	combined := agg.Combined()
	require.InDelta(t, 62.5, combined.Percentage, 0.001)
	require.Equal(t, int64(2500), combined.CombinationsDone)
	require.Equal(t, int64(4000), combined.TotalCombinations)
	require.Equal(t, 2, combined.MatchesFound)
	require.False(t, combined.AllDone)
}

func TestAggregatorIgnoresStaleAndForeignEvents(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator("job-1", 1)

	agg.Apply(snapEvent("job-1", 0, 200, 1000, 0, base.Add(time.Minute)))
	// Stale event arrives late; node must not move backwards.
	agg.Apply(snapEvent("job-1", 0, 100, 1000, 0, base))
	// Event for an unrelated job is dropped entirely.
	agg.Apply(snapEvent("job-2", 0, 900, 1000, 0, base.Add(time.Hour)))

	combined := agg.Combined()
	require.Equal(t, int64(200), combined.CombinationsDone)
	require.Len(t, combined.Nodes, 1)
}

func TestAggregatorCompletionRequiresAllNodes(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator("job-1", 2)

	agg.Apply(Event{Kind: KindComplete, JobID: "job-1", NodeID: 0, TS: base})
	require.False(t, agg.Combined().AllDone)

	agg.Apply(Event{Kind: KindError, JobID: "job-1", NodeID: 1, TS: base, ErrorMessage: "browser crashed"})
	combined := agg.Combined()
	require.True(t, combined.AllDone)
	require.True(t, combined.AnyFailed)
}

func TestAggregatorUnknownTotalReportsNegativePercentage(t *testing.T) {
	t.Parallel()
	agg := NewAggregator("job-1", 1)
	require.Equal(t, float64(-1), agg.Combined().Percentage)
}
