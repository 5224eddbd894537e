package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
)

// runWorker is the single-threaded capture loop for one camera. Captures
// for this camera are strictly serialized here; other cameras' workers run
// independently and are never blocked by this one for more than a polling
// interval.
func (c *Coordinator) runWorker(ctx context.Context, rt *runtime) {
	log := c.log.With("camera_id", rt.spec.ID)
	log.Info("Capture worker started")
	defer log.Info("Capture worker stopped")

	keepAliver, hasKeepAlive := rt.driver.(camera.KeepAliver)
	polling := c.cfg.Advanced.PollingInterval

	for {
		select {
		case <-ctx.Done():
			rt.driver.Cleanup()
			return
		default:
		}

		rt.beat()
		forced := false
		select {
		case <-rt.forceCh:
			forced = true
		default:
		}

		if !forced {
			if !rt.tracker.ShouldAttemptCapture() {
				// In backoff. Keep the server-side session warm where the
				// backend supports it, then wait out one polling tick.
				if hasKeepAlive {
					_ = keepAliver.KeepAlive(ctx)
				}
				if !sleep(ctx, polling) {
					rt.driver.Cleanup()
					return
				}
				continue
			}

			rt.mu.Lock()
			sinceLast := time.Since(rt.lastCapture)
			rt.mu.Unlock()
			if sinceLast < rt.spec.CaptureInterval {
				if !sleep(ctx, polling) {
					rt.driver.Cleanup()
					return
				}
				continue
			}
		}

		c.captureOnce(ctx, rt, log)
	}
}

// captureOnce performs one capture attempt and feeds the result through the
// tracker, validation, storage and the upload queue.
func (c *Coordinator) captureOnce(ctx context.Context, rt *runtime, log logger.Logger) {
	captureCtx, cancel := context.WithTimeout(ctx, rt.spec.Timeout)
	frame, err := rt.driver.Capture(captureCtx)
	cancel()

	if err != nil {
		rt.tracker.RecordFailure(err.Error())

		if camera.IsPermanent(err) {
			// Permanent failures (bad credentials, missing device) are not
			// hammered; the tracker's backoff spaces out the retries and the
			// rate limiter inside it keeps the log quiet.
			return
		}

		if rt.tracker.State() == camera.StateOffline {
			if rerr := rt.driver.Reconnect(ctx); rerr != nil {
				log.Debug("Reconnect failed", "error", rerr)
			}
		}
		return
	}

	if err := camera.ValidateFrame(frame, rt.spec.ID, log); err != nil {
		rt.tracker.RecordFailure(err.Error())
		return
	}

	rt.tracker.RecordSuccess()
	rt.mu.Lock()
	rt.lastCapture = time.Now()
	rt.mu.Unlock()

	meta := storage.Metadata{
		CaptureID:     uuid.NewString(),
		DeviceID:      c.cfg.Device.ID,
		Location:      c.cfg.Device.Location,
		CameraID:      rt.spec.ID,
		Position:      rt.spec.Position,
		CapturedAt:    frame.CapturedAt,
		Width:         frame.Width,
		Height:        frame.Height,
		MeanLuminance: frame.MeanLuminance,
		System:        c.metrics(),
	}

	ref, err := c.store.Store(frame.JPEG, meta)
	if err != nil {
		// Disk-full already logged (rate-limited) by the storage manager.
		log.Debug("Dropping frame", "error", err)
		return
	}

	if c.upload != nil {
		c.upload.Enqueue(ref)
	}
}

// sleep waits for d or context cancellation; returns true if the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
