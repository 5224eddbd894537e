package camera

import (
	"sync"
	"time"

	"github.com/sai-cam/sai-cam/internal/logger"
)

// State is the tracked health of a camera.
type State string

const (
	StateHealthy State = "healthy"
	StateFailing State = "failing"
	StateOffline State = "offline"
)

// offlineThreshold is the consecutive-failure count at which a camera is
// declared offline. Two tolerated failures absorb transient network loss
// without flapping.
const offlineThreshold = 3

// maxBackoffMultiplier caps the retry interval at 12x the capture interval,
// so a dead camera is still retried at least once every 12 capture
// intervals (once an hour at a 300s interval).
const maxBackoffMultiplier = 12

// StateTracker tracks per-camera health and schedules retry attempts with
// capped exponential backoff. Written only by the owning capture worker;
// read concurrently through Snapshot.
type StateTracker struct {
	cameraID        string
	captureInterval time.Duration
	rl              *logger.RateLimited
	log             logger.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	backoffMultiplier   int
	lastSuccess         time.Time
	nextAttempt         time.Time
	lastError           string

	now func() time.Time
}

// NewStateTracker creates a tracker for one camera
func NewStateTracker(cameraID string, captureInterval time.Duration, log logger.Logger) *StateTracker {
	return &StateTracker{
		cameraID:          cameraID,
		captureInterval:   captureInterval,
		log:               log,
		rl:                logger.NewRateLimited(log, captureInterval),
		state:             StateHealthy,
		backoffMultiplier: 1,
		lastSuccess:       time.Now(),
		now:               time.Now,
	}
}

// ShouldAttemptCapture reports whether the backoff window has elapsed
func (t *StateTracker) ShouldAttemptCapture() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateHealthy {
		return true
	}
	return !t.now().Before(t.nextAttempt)
}

// RecordSuccess resets failure tracking and returns the tracker to healthy
func (t *StateTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateHealthy {
		t.log.Info("Camera recovered",
			"camera_id", t.cameraID,
			"failures", t.consecutiveFailures)
		// Clear limiter keys so the next error after recovery is logged
		// immediately instead of waiting out a stale window.
		t.rl.ClearKey(t.cameraID + "_offline")
		t.rl.ClearKey(t.cameraID + "_failure")
	}

	t.state = StateHealthy
	t.consecutiveFailures = 0
	t.backoffMultiplier = 1
	t.lastSuccess = t.now()
	t.nextAttempt = time.Time{}
	t.lastError = ""
}

// RecordFailure registers one failed capture, advances the state machine and
// schedules the next attempt.
func (t *StateTracker) RecordFailure(errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	t.lastError = errMsg
	now := t.now()

	newState := StateFailing
	if t.consecutiveFailures >= offlineThreshold {
		newState = StateOffline
	}

	if newState != t.state {
		if newState == StateOffline {
			t.rl.Warnf(t.cameraID+"_offline", 0,
				"Camera marked offline",
				"camera_id", t.cameraID,
				"failures", t.consecutiveFailures,
				"retry_every", t.currentBackoffLocked().String())
		} else {
			t.log.Warn("Camera capture failed",
				"camera_id", t.cameraID,
				"error", errMsg,
				"failures", t.consecutiveFailures)
		}
		t.state = newState
	} else if t.state == StateOffline {
		t.rl.Warnf(t.cameraID+"_failure", t.currentBackoffLocked(),
			"Camera still offline",
			"camera_id", t.cameraID,
			"next_retry_in", t.currentBackoffLocked().String())
	}

	t.nextAttempt = now.Add(t.currentBackoffLocked())

	// Grow the backoff once offline: 1x, 2x, 4x, 8x, 12x max.
	if t.state == StateOffline && t.backoffMultiplier < maxBackoffMultiplier {
		t.backoffMultiplier *= 2
		if t.backoffMultiplier > maxBackoffMultiplier {
			t.backoffMultiplier = maxBackoffMultiplier
		}
	}
}

func (t *StateTracker) currentBackoffLocked() time.Duration {
	return t.captureInterval * time.Duration(t.backoffMultiplier)
}

// State returns the current state
func (t *StateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TrackerSnapshot is a point-in-time copy for monitoring.
type TrackerSnapshot struct {
	CameraID            string        `json:"camera_id"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffMultiplier   int           `json:"backoff_multiplier"`
	CurrentBackoff      time.Duration `json:"current_backoff"`
	LastSuccessAge      time.Duration `json:"last_success_age"`
	TimeUntilNext       time.Duration `json:"time_until_next_attempt"`
	LastError           string        `json:"last_error,omitempty"`
}

// Snapshot returns a copy of the tracker state for the health monitor
func (t *StateTracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	until := time.Duration(0)
	if t.state != StateHealthy && t.nextAttempt.After(now) {
		until = t.nextAttempt.Sub(now)
	}

	return TrackerSnapshot{
		CameraID:            t.cameraID,
		State:               t.state,
		ConsecutiveFailures: t.consecutiveFailures,
		BackoffMultiplier:   t.backoffMultiplier,
		CurrentBackoff:      t.currentBackoffLocked(),
		LastSuccessAge:      now.Sub(t.lastSuccess),
		TimeUntilNext:       until,
		LastError:           t.lastError,
	}
}
