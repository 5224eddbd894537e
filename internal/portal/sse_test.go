package portal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.Broadcast("status", map[string]string{"state": "ok"})

	select {
	case ev := <-ch:
		assert.Equal(t, "status", ev.kind)
		assert.JSONEq(t, `{"state":"ok"}`, string(ev.data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubCoalescesUnchangedHealth(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	payload := []byte(`{"cpu":10}`)
	hub.BroadcastHealth(payload)
	hub.BroadcastHealth(payload) // identical: suppressed
	hub.BroadcastHealth([]byte(`{"cpu":11}`))

	received := 0
	for {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			assert.Equal(t, 2, received)
			return
		}
	}
}

func TestHubSlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	// Overfill the client buffer; broadcasts must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Broadcast("log", map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on slow client")
	}
}

func TestServeHTTPFraming(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		// Give the handler time to subscribe, emit one event, then hang up.
		time.Sleep(50 * time.Millisecond)
		hub.Broadcast("health", map[string]int{"cpu": 42})
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	hub.ServeHTTP(rec, req)

	resp := rec.Result()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	body := rec.Body.String()
	require.Contains(t, body, "event: health\n")
	assert.Contains(t, body, `data: {"cpu":42}`)
	assert.True(t, strings.Contains(body, "\n\n"), "events must be blank-line terminated")
}

func TestHubClientCount(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	assert.Equal(t, 0, hub.ClientCount())
	ch := hub.subscribe()
	assert.Equal(t, 1, hub.ClientCount())
	hub.unsubscribe(ch)
	assert.Equal(t, 0, hub.ClientCount())
}
