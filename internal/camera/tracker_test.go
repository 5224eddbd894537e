package camera

import (
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackerWithClock builds a tracker whose clock the test controls.
func trackerWithClock(interval time.Duration) (*StateTracker, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t := NewStateTracker("cam1", interval, logger.NewNopLogger())
	t.now = func() time.Time { return now }
	return t, &now
}

func TestTrackerStartsHealthy(t *testing.T) {
	tr, _ := trackerWithClock(time.Second)
	assert.Equal(t, StateHealthy, tr.State())
	assert.True(t, tr.ShouldAttemptCapture())
}

func TestTrackerThreeFailuresGoOffline(t *testing.T) {
	tr, _ := trackerWithClock(time.Second)

	tr.RecordFailure("timeout")
	assert.Equal(t, StateFailing, tr.State())
	tr.RecordFailure("timeout")
	assert.Equal(t, StateFailing, tr.State())
	tr.RecordFailure("timeout")
	assert.Equal(t, StateOffline, tr.State())
}

func TestTrackerBackoffLadder(t *testing.T) {
	tr, now := trackerWithClock(time.Second)

	valid := map[int]bool{1: true, 2: true, 4: true, 8: true, 12: true}
	var seen []int

	for i := 0; i < 10; i++ {
		tr.RecordFailure("unreachable")
		snap := tr.Snapshot()
		require.True(t, valid[snap.BackoffMultiplier],
			"multiplier %d not in {1,2,4,8,12}", snap.BackoffMultiplier)
		seen = append(seen, snap.BackoffMultiplier)
		// Advance past the backoff window so each failure is an attempt.
		*now = now.Add(snap.CurrentBackoff)
	}

	// Non-decreasing while offline, capped at 12.
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 12, seen[len(seen)-1])
}

func TestTrackerBackoffGatesAttempts(t *testing.T) {
	tr, now := trackerWithClock(10 * time.Second)

	tr.RecordFailure("timeout")
	assert.False(t, tr.ShouldAttemptCapture())

	*now = now.Add(9 * time.Second)
	assert.False(t, tr.ShouldAttemptCapture())

	*now = now.Add(time.Second)
	assert.True(t, tr.ShouldAttemptCapture())
}

func TestTrackerSuccessResetsEverything(t *testing.T) {
	tr, now := trackerWithClock(time.Second)

	for i := 0; i < 6; i++ {
		tr.RecordFailure("unreachable")
		*now = now.Add(tr.Snapshot().CurrentBackoff)
	}
	require.Equal(t, StateOffline, tr.State())

	tr.RecordSuccess()

	snap := tr.Snapshot()
	assert.Equal(t, StateHealthy, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 1, snap.BackoffMultiplier)
	assert.True(t, tr.ShouldAttemptCapture())
}

func TestTrackerSnapshotReportsLastError(t *testing.T) {
	tr, _ := trackerWithClock(time.Second)
	tr.RecordFailure("auth: 401")
	assert.Equal(t, "auth: 401", tr.Snapshot().LastError)

	tr.RecordSuccess()
	assert.Empty(t, tr.Snapshot().LastError)
}
