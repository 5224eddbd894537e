package camera

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
)

// usbDriver captures stills from a local V4L2 device. Resolution and frame
// rate are passed as best-effort hints; the device keeps its own defaults
// for anything it rejects. No exposure setting is passed. Early warm-up frames are discarded
// because many UVC sensors need a few frames to settle auto-exposure.
type usbDriver struct {
	spec *config.CameraSpec
	adv  *config.AdvancedConfig
	log  logger.Logger

	device    string
	connected bool
}

func newUSBDriver(spec *config.CameraSpec, adv *config.AdvancedConfig, log logger.Logger) *usbDriver {
	device := spec.Source
	// A bare index is shorthand for the matching /dev/video node.
	if idx, err := strconv.Atoi(device); err == nil {
		device = fmt.Sprintf("/dev/video%d", idx)
	}
	return &usbDriver{spec: spec, adv: adv, log: log, device: device}
}

// Setup verifies the device node exists and is accessible
func (d *usbDriver) Setup(ctx context.Context) error {
	d.log.Info("Initializing USB camera", "camera_id", d.spec.ID, "device", d.device)

	if _, err := os.Stat(d.device); err != nil {
		d.connected = false
		return Permanent("device-not-found", err)
	}

	// Some UVC firmware returns garbage for the first reads after a cold
	// open; give the sensor time to settle.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.adv.CameraInitWait):
	}

	d.connected = true
	d.log.Info("USB camera initialized", "camera_id", d.spec.ID)
	return nil
}

// Capture grabs one frame past the warm-up window
func (d *usbDriver) Capture(ctx context.Context) (*Frame, error) {
	if _, err := os.Stat(d.device); err != nil {
		d.connected = false
		return nil, Permanent("device-not-found", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-nostdin",
		"-f", "v4l2",
	}
	if len(d.spec.Resolution) == 2 {
		args = append(args, "-video_size",
			fmt.Sprintf("%dx%d", d.spec.Resolution[0], d.spec.Resolution[1]))
	}
	if d.spec.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(d.spec.FPS))
	}

	warmup := d.adv.WarmupFrames
	if warmup < 0 {
		warmup = 0
	}
	args = append(args,
		"-i", d.device,
		// Skip the warm-up frames, keep the first settled one.
		"-vf", fmt.Sprintf(`select='gte(n\,%d)',%s`, warmup, overlayFilter(d.spec)),
		"-frames:v", "1",
		"-vsync", "vfr",
		"-q:v", "4",
		"-f", "image2", "-",
	)

	capturedAt := time.Now().UTC()
	res := runFFmpeg(ctx, d.adv.FFmpegPath, d.spec.Timeout, args...)
	if res.err != nil || len(res.stdout) == 0 {
		d.log.Debug("USB capture failed",
			"camera_id", d.spec.ID,
			"stderr", firstStderrLine(res.stderr))
		return nil, d.classify(res)
	}

	return &Frame{JPEG: res.stdout, CapturedAt: capturedAt}, nil
}

func (d *usbDriver) classify(res ffmpegResult) *CaptureError {
	stderr := strings.ToLower(res.stderr)
	switch {
	case strings.Contains(stderr, "busy"):
		return Transient("device-busy", res.err)
	case strings.Contains(stderr, "no such file"),
		strings.Contains(stderr, "no such device"):
		d.connected = false
		return Permanent("device-not-found", res.err)
	default:
		return classifyStreamError(res)
	}
}

// Reconnect re-opens the device after a settle delay
func (d *usbDriver) Reconnect(ctx context.Context) error {
	d.Cleanup()

	var lastErr error
	for attempt := 1; attempt <= d.spec.RetryCount; attempt++ {
		d.log.Warn("Attempting USB reconnection",
			"camera_id", d.spec.ID, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.spec.RetryDelay * time.Duration(attempt)):
		}

		if err := d.Setup(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("usb reconnect failed after %d attempts: %w", d.spec.RetryCount, lastErr)
}

// Cleanup releases the device. One-shot invocations hold no handles.
func (d *usbDriver) Cleanup() {
	d.connected = false
}

// Describe reports identity and connection state
func (d *usbDriver) Describe() Info {
	return Info{
		ID:        d.spec.ID,
		Type:      "usb",
		Source:    d.device,
		Connected: d.connected,
	}
}
