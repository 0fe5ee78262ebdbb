package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsSendBuffer = 64
)

// WSHub bridges the progress stream to websocket subscribers. It implements
// progress.Sink, so it is registered with the hub like any other sink.
// Clients subscribe per job id; a resubscribe immediately receives the
// latest known snapshot for that job.
type WSHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	subs    map[string]map[*wsClient]struct{}
	latest  map[string]progress.Event
	final   map[string]progress.Event
}

// NewWSHub constructs a hub ready to accept connections.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is same-origin or key-protected; the websocket
			// carries no mutations.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		subs:    make(map[string]map[*wsClient]struct{}),
		latest:  make(map[string]progress.Event),
		final:   make(map[string]progress.Event),
	}
}

type wsClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte
	jobs map[string]struct{}
}

type wsInbound struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type wsOutbound struct {
	Type         string             `json:"type"`
	JobID        string             `json:"job_id,omitempty"`
	Message      string             `json:"message,omitempty"`
	Progress     *progress.Snapshot `json:"progress,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

func (h *WSHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		jobs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.enqueue(wsOutbound{Type: "connected", Message: "connected to CURP search API"})
	go c.writeLoop()
	c.readLoop()
}

// Consume broadcasts each event to that job's subscribers and records the
// latest progress snapshot plus the terminal event for resubscribe replay.
// Replaying the terminal frame lets a subscriber that joined after the job
// finished still learn the outcome.
func (h *WSHub) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		h.mu.Lock()
		if evt.Kind == progress.KindProgress {
			h.latest[evt.JobID] = evt
		} else {
			h.final[evt.JobID] = evt
		}
		targets := make([]*wsClient, 0, len(h.subs[evt.JobID]))
		for c := range h.subs[evt.JobID] {
			targets = append(targets, c)
		}
		h.mu.Unlock()
		if len(targets) == 0 {
			continue
		}
		msg := outboundFor(evt)
		for _, c := range targets {
			c.enqueue(msg)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *WSHub) Close(context.Context) error {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	return nil
}

func outboundFor(evt progress.Event) wsOutbound {
	out := wsOutbound{Type: string(evt.Kind), JobID: evt.JobID}
	switch evt.Kind {
	case progress.KindProgress:
		out.Progress = evt.Snapshot
	case progress.KindError:
		out.ErrorMessage = evt.ErrorMessage
	}
	return out
}

func (h *WSHub) subscribe(c *wsClient, jobID string) {
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*wsClient]struct{})
	}
	h.subs[jobID][c] = struct{}{}
	c.jobs[jobID] = struct{}{}
	last, hasLast := h.latest[jobID]
	final, hasFinal := h.final[jobID]
	h.mu.Unlock()

	c.enqueue(wsOutbound{Type: "subscribed", JobID: jobID})
	if hasLast {
		c.enqueue(outboundFor(last))
	}
	if hasFinal {
		c.enqueue(outboundFor(final))
	}
}

func (h *WSHub) unsubscribe(c *wsClient, jobID string) {
	h.mu.Lock()
	delete(c.jobs, jobID)
	if set := h.subs[jobID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
	c.enqueue(wsOutbound{Type: "unsubscribed", JobID: jobID})
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for jobID := range c.jobs {
		if set := h.subs[jobID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	h.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

// enqueue never blocks; a client that cannot keep up is dropped.
func (c *wsClient) enqueue(msg wsOutbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Warn("marshal websocket message failed", zap.Error(err))
		return
	}
	defer func() {
		// Send on a closed channel races with drop; treat it as a
		// disconnected client.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		go c.hub.drop(c)
	}
}

func (c *wsClient) readLoop() {
	defer c.hub.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(wsOutbound{Type: "error", Message: "invalid message"})
			continue
		}
		switch msg.Type {
		case "subscribe_job":
			if msg.JobID == "" {
				c.enqueue(wsOutbound{Type: "error", Message: "job_id is required"})
				continue
			}
			c.hub.subscribe(c, msg.JobID)
		case "unsubscribe_job":
			if msg.JobID != "" {
				c.hub.unsubscribe(c, msg.JobID)
			}
		default:
			c.enqueue(wsOutbound{Type: "error", Message: "unknown message type"})
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}
