package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// fakeNode is a minimal stand-in for a backend node: it accepts job starts
// and serves a scripted progress stream per subscription.
type fakeNode struct {
	t        *testing.T
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	starts    []startRequest
	cancelled []string
	startCode int
	// script produces the frames to send after a subscribe for the job.
	script func(jobID string) []wireMessage
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{t: t, startCode: http.StatusAccepted}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n.mu.Lock()
		n.starts = append(n.starts, req)
		code := n.startCode
		n.mu.Unlock()
		w.WriteHeader(code)
		if code == http.StatusAccepted {
			_ = json.NewEncoder(w).Encode(map[string]any{"job_id": req.JobID})
		}
	})
	mux.HandleFunc("POST /api/cancel/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		n.cancelled = append(n.cancelled, r.PathValue("job_id"))
		n.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := n.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub map[string]string
		require.NoError(t, json.Unmarshal(data, &sub))
		require.Equal(t, "subscribe_job", sub["type"])
		n.mu.Lock()
		script := n.script
		n.mu.Unlock()
		if script == nil {
			return
		}
		for _, msg := range script(sub["job_id"]) {
			payload, err := json.Marshal(msg)
			require.NoError(t, err)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		// Hold the connection open so the watcher, not the server,
		// decides when to drop it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	n.ts = httptest.NewServer(mux)
	t.Cleanup(n.ts.Close)
	return n
}

func (n *fakeNode) startRequests() []startRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]startRequest(nil), n.starts...)
}

func (n *fakeNode) cancelledJobs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cancelled...)
}

func progressFrame(jobID string, personID int, done, total int64, matches int) wireMessage {
	snap := progress.NewSnapshot(0, search.Person{ID: personID, FirstName: "ANA", LastName1: "RIOS"},
		done, total, matches, nil, time.Now().UTC())
	return wireMessage{Type: string(progress.KindProgress), JobID: jobID, Progress: &snap}
}

func newTestCoordinator(t *testing.T, nodes ...*fakeNode) *Coordinator {
	t.Helper()
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.ts.URL
	}
	c, err := NewCoordinator(Config{Addresses: addrs, ReconnectWait: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewCoordinatorRequiresTwoNodes(t *testing.T) {
	t.Parallel()
	_, err := NewCoordinator(Config{Addresses: []string{"http://one"}}, zap.NewNop())
	require.Error(t, err)
}

func TestStartDistributedSplitsRows(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1959}
	require.NoError(t, c.StartDistributed(context.Background(), "job-even", params, 4))

	require.Eventually(t, func() bool {
		return len(n0.startRequests()) == 1 && len(n1.startRequests()) == 1
	}, time.Second, 10*time.Millisecond)

	first := n0.startRequests()[0]
	require.Equal(t, "job-even", first.JobID)
	require.Equal(t, 1, first.StartRow)
	require.Equal(t, 2, first.EndRow)
	require.Zero(t, first.LastPersonYearStart)

	second := n1.startRequests()[0]
	require.Equal(t, "job-even", second.JobID)
	require.Equal(t, 3, second.StartRow)
	require.Equal(t, 4, second.EndRow)
}

func TestStartDistributedSharesLastPerson(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1953}
	require.NoError(t, c.StartDistributed(context.Background(), "job-odd", params, 3))

	first := n0.startRequests()[0]
	require.Equal(t, 1, first.StartRow)
	require.Equal(t, 3, first.EndRow)
	require.Equal(t, 1950, first.LastPersonYearStart)
	require.Equal(t, 1951, first.LastPersonYearEnd)

	second := n1.startRequests()[0]
	require.Equal(t, 3, second.StartRow)
	require.Equal(t, 3, second.EndRow)
	require.Equal(t, 1952, second.LastPersonYearStart)
	require.Equal(t, 1953, second.LastPersonYearEnd)
}

func TestStartDistributedRejectsDuplicateJob(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1951}
	require.NoError(t, c.StartDistributed(context.Background(), "job-dup", params, 4))
	require.Error(t, c.StartDistributed(context.Background(), "job-dup", params, 4))
}

func TestStartDistributedCancelsOnPartialFailure(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	n1.mu.Lock()
	n1.startCode = http.StatusInternalServerError
	n1.mu.Unlock()
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1951}
	err := c.StartDistributed(context.Background(), "job-fail", params, 4)
	require.Error(t, err)

	require.Equal(t, []string{"job-fail"}, n0.cancelledJobs())
	_, ok := c.Combined("job-fail")
	require.False(t, ok, "failed start must not register the job")
}

func TestCombinedMergesNodeStreams(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	n0.script = func(jobID string) []wireMessage {
		return []wireMessage{
			progressFrame(jobID, 1, 462, 924, 1),
			{Type: string(progress.KindComplete), JobID: jobID},
		}
	}
	n1.script = func(jobID string) []wireMessage {
		return []wireMessage{
			progressFrame(jobID, 2, 231, 924, 0),
		}
	}
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1951}
	require.NoError(t, c.StartDistributed(context.Background(), "job-merge", params, 4))

	require.Eventually(t, func() bool {
		combined, ok := c.Combined("job-merge")
		return ok && combined.CombinationsDone == 693
	}, 2*time.Second, 20*time.Millisecond)

	combined, ok := c.Combined("job-merge")
	require.True(t, ok)
	require.Equal(t, int64(693), combined.CombinationsDone)
	require.Equal(t, int64(1848), combined.TotalCombinations)
	require.Equal(t, 1, combined.MatchesFound)
	require.InDelta(t, 37.5, combined.Percentage, 0.01)
	require.False(t, combined.AllDone, "one node still running")
}

func TestCombinedAllDoneAfterTerminalFrames(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	script := func(jobID string) []wireMessage {
		return []wireMessage{
			progressFrame(jobID, 1, 924, 924, 0),
			{Type: string(progress.KindComplete), JobID: jobID},
		}
	}
	n0.script, n1.script = script, script
	c := newTestCoordinator(t, n0, n1)

	params := search.JobParameters{Filename: "people.xlsx", YearStart: 1950, YearEnd: 1951}
	require.NoError(t, c.StartDistributed(context.Background(), "job-done", params, 4))

	require.Eventually(t, func() bool {
		combined, ok := c.Combined("job-done")
		return ok && combined.AllDone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCombinedUnknownJob(t *testing.T) {
	t.Parallel()
	n0, n1 := newFakeNode(t), newFakeNode(t)
	c := newTestCoordinator(t, n0, n1)
	_, ok := c.Combined("nope")
	require.False(t, ok)
}
