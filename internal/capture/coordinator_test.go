package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver satisfies camera.Driver for worker-loop tests.
type fakeDriver struct {
	jpeg       []byte
	captures   atomic.Int32
	keepAlives atomic.Int32
	failWith   error
}

func (f *fakeDriver) Setup(ctx context.Context) error { return nil }

func (f *fakeDriver) Capture(ctx context.Context) (*camera.Frame, error) {
	f.captures.Add(1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &camera.Frame{JPEG: f.jpeg, CapturedAt: time.Now().UTC()}, nil
}

func (f *fakeDriver) Reconnect(ctx context.Context) error { return nil }
func (f *fakeDriver) Cleanup()                            {}
func (f *fakeDriver) Describe() camera.Info {
	return camera.Info{ID: "cam1", Type: "rtsp", Connected: true}
}

func (f *fakeDriver) KeepAlive(ctx context.Context) error {
	f.keepAlives.Add(1)
	return nil
}

func smallJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func testCoordinator(t *testing.T) (*Coordinator, *storage.Manager) {
	t.Helper()
	cfg := &config.Config{
		Device: config.DeviceConfig{ID: "node-01"},
		Storage: config.StorageConfig{
			BasePath:      t.TempDir(),
			MaxSizeGB:     1,
			RetentionDays: 7,
		},
		Advanced: config.AdvancedConfig{
			PollingInterval:   5 * time.Millisecond,
			ReconnectAttempts: 1,
			ReconnectDelay:    10 * time.Millisecond,
			MaxWorkerRestarts: 3,
		},
	}
	store, err := storage.NewManager(&cfg.Storage, logger.NewNopLogger())
	require.NoError(t, err)
	return NewCoordinator(cfg, store, nil, nil, logger.NewNopLogger()), store
}

func newRuntime(driver camera.Driver, interval time.Duration) *runtime {
	return &runtime{
		spec: config.CameraSpec{
			ID:              "cam1",
			Type:            "rtsp",
			CaptureInterval: interval,
			Timeout:         time.Second,
		},
		tracker: camera.NewStateTracker("cam1", interval, logger.NewNopLogger()),
		driver:  driver,
		forceCh: make(chan struct{}, 1),
	}
}

func TestWorkerCapturesOnSchedule(t *testing.T) {
	coord, store := testCoordinator(t)
	driver := &fakeDriver{jpeg: smallJPEG(t)}
	rt := newRuntime(driver, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	coord.runWorker(ctx, rt)

	// ~150ms at a 20ms interval: several captures, strictly serialized.
	assert.GreaterOrEqual(t, driver.captures.Load(), int32(2))
	assert.Equal(t, camera.StateHealthy, rt.tracker.State())
	assert.GreaterOrEqual(t, len(store.PendingScan()), 2)
}

func TestWorkerBacksOffAfterFailures(t *testing.T) {
	coord, store := testCoordinator(t)
	driver := &fakeDriver{failWith: camera.Transient("unreachable", errors.New("refused"))}
	rt := newRuntime(driver, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	coord.runWorker(ctx, rt)

	snap := rt.tracker.Snapshot()
	assert.Equal(t, camera.StateOffline, snap.State)
	assert.GreaterOrEqual(t, snap.ConsecutiveFailures, 3)
	// While in backoff the keep-alive path ran instead of captures.
	assert.Greater(t, driver.keepAlives.Load(), int32(0))
	assert.Empty(t, store.PendingScan())
}

func TestWorkerForcedCaptureBypassesSchedule(t *testing.T) {
	coord, store := testCoordinator(t)
	driver := &fakeDriver{jpeg: smallJPEG(t)}
	// Interval far longer than the test: only forced captures can land.
	rt := newRuntime(driver, time.Hour)
	rt.mu.Lock()
	rt.lastCapture = time.Now()
	rt.mu.Unlock()

	rt.forceCh <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	coord.runWorker(ctx, rt)

	assert.Equal(t, int32(1), driver.captures.Load())
	assert.Len(t, store.PendingScan(), 1)
}

func TestSnapshotIncludesPendingSetups(t *testing.T) {
	coord, _ := testCoordinator(t)
	coord.pendingSetup["cam9"] = &setupRetry{
		spec:     config.CameraSpec{ID: "cam9", Type: "onvif"},
		attempts: 2,
	}

	snap := coord.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "cam9", snap[0].Info.ID)
	assert.Equal(t, camera.StateOffline, snap[0].Tracker.State)
	assert.False(t, snap[0].WorkerAlive)
}

func TestForceCaptureUnknownCamera(t *testing.T) {
	coord, _ := testCoordinator(t)
	assert.Error(t, coord.ForceCapture("nope"))
}
