package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sai-cam/sai-cam/internal/logger"
)

// Emission cadences for the tiered event stream. Health is cheap and
// frequent; storage walks the filesystem and stays slow.
const (
	healthEventInterval = time.Second
	statusEventInterval = 20 * time.Second
	slowEventInterval   = 500 * time.Second
)

// event is one framed SSE message.
type event struct {
	kind string
	data []byte
}

// Hub fans events out to every connected browser. One long-lived
// connection per client; a client that cannot keep up loses events rather
// than backing up the producers.
type Hub struct {
	log logger.Logger

	mu      sync.Mutex
	clients map[chan event]struct{}

	lastHealth []byte // for coalescing unchanged health events
}

// NewHub creates an empty hub
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[chan event]struct{}),
	}
}

func (h *Hub) subscribe() chan event {
	ch := make(chan event, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Broadcast serializes payload and delivers it to every client
func (h *Hub) Broadcast(kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("SSE payload marshal failed", "kind", kind, "error", err)
		return
	}
	h.broadcastRaw(kind, data)
}

// BroadcastHealth delivers a health event unless it is byte-identical to
// the previous one.
func (h *Hub) BroadcastHealth(payload []byte) {
	h.mu.Lock()
	unchanged := bytes.Equal(payload, h.lastHealth)
	if !unchanged {
		h.lastHealth = append(h.lastHealth[:0], payload...)
	}
	h.mu.Unlock()
	if unchanged {
		return
	}
	h.broadcastRaw("health", payload)
}

func (h *Hub) broadcastRaw(kind string, data []byte) {
	ev := event{kind: kind, data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ClientCount reports connected browsers
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP implements the /api/events endpoint: standard SSE framing over
// one long-lived response, flushed per event, with buffering disabled for
// any intermediary.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// RunEmitters drives the tiered event cadence until ctx is cancelled.
// The callbacks produce the payload for each tier; log lines arrive from
// the tailer channel.
func (h *Hub) RunEmitters(ctx context.Context, healthFn func() []byte, statusFn func() interface{}, slowFn func() interface{}, logLines <-chan string) {
	healthTick := time.NewTicker(healthEventInterval)
	statusTick := time.NewTicker(statusEventInterval)
	slowTick := time.NewTicker(slowEventInterval)
	defer healthTick.Stop()
	defer statusTick.Stop()
	defer slowTick.Stop()

	// Prime status and slow so a fresh browser does not wait a full
	// period for first data.
	h.Broadcast("status", statusFn())
	h.Broadcast("slow", slowFn())

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTick.C:
			if payload := healthFn(); payload != nil {
				h.BroadcastHealth(payload)
			}
		case <-statusTick.C:
			h.Broadcast("status", statusFn())
		case <-slowTick.C:
			h.Broadcast("slow", slowFn())
		case line, ok := <-logLines:
			if !ok {
				logLines = nil
				continue
			}
			h.Broadcast("log", map[string]string{"log": line})
		}
	}
}
