package logger

import (
	"fmt"
	"sync"
	"time"
)

// RateLimited wraps a Logger and collapses repeated messages. The same key
// is emitted at most once per interval; suppressed repetitions are counted
// and reported on the next emission. This keeps an offline camera or a
// cleanup race from dominating disk I/O with identical lines.
type RateLimited struct {
	logger          Logger
	defaultInterval time.Duration

	mu         sync.Mutex
	lastLogged map[string]time.Time
	suppressed map[string]int

	now func() time.Time
}

// NewRateLimited creates a rate-limited wrapper around log
func NewRateLimited(log Logger, defaultInterval time.Duration) *RateLimited {
	if defaultInterval <= 0 {
		defaultInterval = time.Minute
	}
	return &RateLimited{
		logger:          log,
		defaultInterval: defaultInterval,
		lastLogged:      make(map[string]time.Time),
		suppressed:      make(map[string]int),
		now:             time.Now,
	}
}

func (r *RateLimited) shouldLog(key string, interval time.Duration) (bool, int) {
	if interval <= 0 {
		interval = r.defaultInterval
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastLogged[key]
	if !ok || now.Sub(last) >= interval {
		n := r.suppressed[key]
		r.lastLogged[key] = now
		r.suppressed[key] = 0
		return true, n
	}
	r.suppressed[key]++
	return false, 0
}

func formatSuppressed(msg string, n int) string {
	if n > 0 {
		return fmt.Sprintf("%s (repeated %dx since last log)", msg, n)
	}
	return msg
}

// Debugf logs msg at debug level, limited to once per interval for key
func (r *RateLimited) Debugf(key string, interval time.Duration, msg string, keysAndValues ...interface{}) {
	if ok, n := r.shouldLog(key, interval); ok {
		r.logger.Debug(formatSuppressed(msg, n), keysAndValues...)
	}
}

// Infof logs msg at info level, limited to once per interval for key
func (r *RateLimited) Infof(key string, interval time.Duration, msg string, keysAndValues ...interface{}) {
	if ok, n := r.shouldLog(key, interval); ok {
		r.logger.Info(formatSuppressed(msg, n), keysAndValues...)
	}
}

// Warnf logs msg at warn level, limited to once per interval for key
func (r *RateLimited) Warnf(key string, interval time.Duration, msg string, keysAndValues ...interface{}) {
	if ok, n := r.shouldLog(key, interval); ok {
		r.logger.Warn(formatSuppressed(msg, n), keysAndValues...)
	}
}

// Errorf logs msg at error level, limited to once per interval for key
func (r *RateLimited) Errorf(key string, interval time.Duration, msg string, keysAndValues ...interface{}) {
	if ok, n := r.shouldLog(key, interval); ok {
		r.logger.Error(formatSuppressed(msg, n), keysAndValues...)
	}
}

// ClearKey resets limiter state for one key, so the next message for it is
// logged immediately. Called when a camera recovers.
func (r *RateLimited) ClearKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastLogged, key)
	delete(r.suppressed, key)
}

// ClearAll resets all limiter state
func (r *RateLimited) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLogged = make(map[string]time.Time)
	r.suppressed = make(map[string]int)
}
