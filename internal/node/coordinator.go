// Package node fans a search job out across the configured backend nodes
// and merges their progress streams into one job-level view.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/partition"
	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// Config carries the cluster layout. Addresses holds every node's base URL;
// the slice index is the node id used by the partition plan.
type Config struct {
	Addresses      []string
	APIKey         string
	RequestTimeout time.Duration
	// ReconnectWait is the pause before redialing a node's progress
	// websocket after a drop.
	ReconnectWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Coordinator starts jobs on remote nodes over their HTTP API and follows
// each node's websocket progress stream. It implements the distributor
// surface the API server consumes.
type Coordinator struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*distributedJob
}

type distributedJob struct {
	agg    *progress.Aggregator
	cancel context.CancelFunc
}

// NewCoordinator builds a coordinator for the given cluster layout. At least
// two addresses are required; a single node needs no coordinator.
func NewCoordinator(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Addresses) < 2 {
		return nil, fmt.Errorf("coordinator needs at least 2 node addresses, have %d", len(cfg.Addresses))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		logger: logger.Named("coordinator"),
		jobs:   make(map[string]*distributedJob),
	}, nil
}

// startRequest mirrors the node API's job-start payload.
type startRequest struct {
	JobID                string `json:"job_id"`
	Filename             string `json:"filename"`
	YearStart            int    `json:"year_start"`
	YearEnd              int    `json:"year_end"`
	MonthStart           int    `json:"month_start,omitempty"`
	MonthEnd             int    `json:"month_end,omitempty"`
	StartRow             int    `json:"start_row"`
	EndRow               int    `json:"end_row"`
	LastPersonYearStart  int    `json:"last_person_year_start,omitempty"`
	LastPersonYearEnd    int    `json:"last_person_year_end,omitempty"`
	LastPersonMonthStart int    `json:"last_person_month_start,omitempty"`
	LastPersonMonthEnd   int    `json:"last_person_month_end,omitempty"`
	Resume               bool   `json:"resume,omitempty"`
}

// StartDistributed partitions the batch across the cluster and starts one
// node-level job per assignment, all under the shared job id. If any node
// rejects its share, the nodes already started are cancelled and the whole
// start fails.
func (c *Coordinator) StartDistributed(ctx context.Context, jobID string, params search.JobParameters, rowCount int) error {
	plan, err := partition.Plan(rowCount, len(c.cfg.Addresses), params.YearStart, params.YearEnd)
	if err != nil {
		return fmt.Errorf("plan job %s: %w", jobID, err)
	}

	c.mu.Lock()
	if _, exists := c.jobs[jobID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("job %s is already distributed", jobID)
	}
	c.mu.Unlock()

	started := make([]int, 0, len(plan))
	for _, rr := range plan {
		nodeParams := partition.Parameters(rr, params.Filename, params.YearStart, params.YearEnd)
		req := startRequest{
			JobID:                jobID,
			Filename:             nodeParams.Filename,
			YearStart:            nodeParams.YearStart,
			YearEnd:              nodeParams.YearEnd,
			MonthStart:           params.MonthStart,
			MonthEnd:             params.MonthEnd,
			StartRow:             nodeParams.StartRow,
			EndRow:               nodeParams.EndRow,
			LastPersonYearStart:  nodeParams.LastPersonYearStart,
			LastPersonYearEnd:    nodeParams.LastPersonYearEnd,
			LastPersonMonthStart: nodeParams.LastPersonMonthStart,
			LastPersonMonthEnd:   nodeParams.LastPersonMonthEnd,
			Resume:               params.Resume,
		}
		if err := c.postStart(ctx, rr.NodeID, req); err != nil {
			c.cancelNodes(ctx, jobID, started)
			return fmt.Errorf("start job %s on node %d: %w", jobID, rr.NodeID, err)
		}
		started = append(started, rr.NodeID)
	}

	// Watchers outlive the start request.
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &distributedJob{
		agg:    progress.NewAggregator(jobID, len(plan)),
		cancel: cancel,
	}
	c.mu.Lock()
	c.jobs[jobID] = job
	c.mu.Unlock()

	for _, rr := range plan {
		go c.watchNode(watchCtx, job, jobID, rr.NodeID)
	}
	c.logger.Info("job distributed",
		zap.String("job_id", jobID),
		zap.Int("nodes", len(plan)),
		zap.Int("persons", rowCount),
	)
	return nil
}

// Combined reports the merged progress view for a distributed job.
func (c *Coordinator) Combined(jobID string) (progress.Combined, bool) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return progress.Combined{}, false
	}
	return job.agg.Combined(), true
}

// CancelDistributed cancels the job on every node and stops the watchers.
func (c *Coordinator) CancelDistributed(ctx context.Context, jobID string) error {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, search.ErrJobNotFound)
	}
	nodes := make([]int, len(c.cfg.Addresses))
	for i := range nodes {
		nodes[i] = i
	}
	c.cancelNodes(ctx, jobID, nodes)
	job.cancel()
	return nil
}

// Close stops every watcher. Remote jobs keep running.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range c.jobs {
		job.cancel()
	}
}

func (c *Coordinator) postStart(ctx context.Context, nodeID int, payload startRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode start request: %w", err)
	}
	url := c.cfg.Addresses[nodeID] + "/api/start"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("node %d returned %d: %s", nodeID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Coordinator) cancelNodes(ctx context.Context, jobID string, nodes []int) {
	for _, nodeID := range nodes {
		url := c.cfg.Addresses[nodeID] + "/api/cancel/" + jobID
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			continue
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Warn("cancel on node failed",
				zap.String("job_id", jobID),
				zap.Int("node", nodeID),
				zap.Error(err),
			)
			continue
		}
		resp.Body.Close()
	}
}

// wireMessage mirrors the node websocket's outbound frame.
type wireMessage struct {
	Type         string             `json:"type"`
	JobID        string             `json:"job_id"`
	Progress     *progress.Snapshot `json:"progress,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// watchNode follows one node's progress stream for one job, redialing after
// drops until the node reports a terminal event or the watcher is cancelled.
func (c *Coordinator) watchNode(ctx context.Context, job *distributedJob, jobID string, nodeID int) {
	logger := c.logger.With(zap.String("job_id", jobID), zap.Int("node", nodeID))
	for {
		terminal, err := c.followStream(ctx, job, jobID, nodeID)
		if terminal || ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("progress stream dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Coordinator) followStream(ctx context.Context, job *distributedJob, jobID string, nodeID int) (terminal bool, err error) {
	url := wsURL(c.cfg.Addresses[nodeID], c.cfg.APIKey)
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// Drop the connection promptly on cancel.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sub, err := json.Marshal(map[string]string{"type": "subscribe_job", "job_id": jobID})
	if err != nil {
		return false, fmt.Errorf("encode subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("read: %w", err)
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if evt, ok := eventFor(msg, jobID, nodeID); ok {
			job.agg.Apply(evt)
			if evt.Kind != progress.KindProgress {
				return true, nil
			}
		}
	}
}

// eventFor converts a wire frame into an aggregator event. The node id comes
// from the watcher, not the frame, so a misconfigured remote cannot spoof
// another node's slot.
func eventFor(msg wireMessage, jobID string, nodeID int) (progress.Event, bool) {
	if msg.JobID != jobID {
		return progress.Event{}, false
	}
	evt := progress.Event{JobID: jobID, NodeID: nodeID, TS: time.Now().UTC()}
	switch msg.Type {
	case string(progress.KindProgress):
		if msg.Progress == nil {
			return progress.Event{}, false
		}
		snap := *msg.Progress
		snap.NodeID = nodeID
		evt.Kind = progress.KindProgress
		evt.Snapshot = &snap
		if !snap.Timestamp.IsZero() {
			evt.TS = snap.Timestamp
		}
	case string(progress.KindComplete):
		evt.Kind = progress.KindComplete
	case string(progress.KindError):
		evt.Kind = progress.KindError
		evt.ErrorMessage = msg.ErrorMessage
	default:
		return progress.Event{}, false
	}
	return evt, true
}

func wsURL(base, apiKey string) string {
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	if apiKey != "" {
		url += "?api_key=" + apiKey
	}
	return url
}
