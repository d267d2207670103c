// Package sse streams the pipeline engine's cached JSON snapshot to
// connected browsers over Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Snapshotter is the one method this package needs from the engine:
// a cached, mutex-safe JSON snapshot of global state.
type Snapshotter interface {
	ToJSON() ([]byte, error)
}

// Handler streams engine.Engine.ToJSON snapshots to connected SSE clients,
// pushing a new "state" event only when the snapshot bytes change.
type Handler struct {
	snap          Snapshotter
	mu            sync.RWMutex
	clients       map[*client]struct{}
	pollInterval  time.Duration
	heartbeatFreq time.Duration
	connTimeout   time.Duration
}

type client struct {
	id   string
	done chan struct{}
}

// NewHandler creates a Handler polling snap for change, with the
// spec's default 100ms poll interval, 15s heartbeat, and 20 minute
// connection timeout.
func NewHandler(snap Snapshotter) *Handler {
	return &Handler{
		snap:          snap,
		clients:       make(map[*client]struct{}),
		pollInterval:  100 * time.Millisecond,
		heartbeatFreq: 15 * time.Second,
		connTimeout:   20 * time.Minute,
	}
}

// SetHeartbeatFrequency sets the interval between heartbeat comments.
func (h *Handler) SetHeartbeatFrequency(d time.Duration) { h.heartbeatFreq = d }

// SetPollInterval sets how often the cached snapshot is checked for change.
func (h *Handler) SetPollInterval(d time.Duration) { h.pollInterval = d }

// SetConnTimeout sets how long a connection is held open before the
// handler closes it, forcing the client to reconnect.
func (h *Handler) SetConnTimeout(d time.Duration) { h.connTimeout = d }

// ServeHTTP implements http.Handler for SSE connections.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := &client{id: fmt.Sprintf("%d", time.Now().UnixNano()), done: make(chan struct{})}
	h.addClient(c)
	defer h.removeClient(c)

	h.sendEvent(w, flusher, "connected", []byte(`{"status":"connected"}`))

	var lastSent []byte
	if data, err := h.snap.ToJSON(); err == nil {
		h.sendEvent(w, flusher, "state", data)
		lastSent = data
	}

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()
	deadline := time.NewTimer(h.connTimeout)
	defer deadline.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case <-poll.C:
			data, err := h.snap.ToJSON()
			if err != nil || bytes.Equal(data, lastSent) {
				continue
			}
			h.sendEvent(w, flusher, "state", data)
			lastSent = data
		}
	}
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
}

func (h *Handler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

func (h *Handler) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Handler) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
}

// ClientCount returns the number of currently connected clients.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects all clients, unblocking their ServeHTTP loops.
func (h *Handler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.done)
	}
	h.clients = make(map[*client]struct{})
	return nil
}
