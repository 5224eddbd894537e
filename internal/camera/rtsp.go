package camera

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
)

// rtspDriver captures stills from an RTSP stream through one-shot ffmpeg
// invocations over TCP transport. The per-capture process keeps the agent
// free of long-lived decoder state; KeepAlive demuxes a packet without
// decoding so the server-side session stays warm while a camera is in
// backoff.
type rtspDriver struct {
	spec *config.CameraSpec
	adv  *config.AdvancedConfig
	log  logger.Logger

	connected bool
}

func newRTSPDriver(spec *config.CameraSpec, adv *config.AdvancedConfig, log logger.Logger) *rtspDriver {
	return &rtspDriver{spec: spec, adv: adv, log: log}
}

// Setup verifies the stream is reachable by demuxing one packet
func (d *rtspDriver) Setup(ctx context.Context) error {
	d.log.Info("Initializing RTSP camera", "camera_id", d.spec.ID)

	if err := d.KeepAlive(ctx); err != nil {
		d.connected = false
		return err
	}

	d.connected = true
	d.log.Info("RTSP camera initialized", "camera_id", d.spec.ID)
	return nil
}

// Capture grabs and encodes one frame
func (d *rtspDriver) Capture(ctx context.Context) (*Frame, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-nostdin",
	}
	if d.adv.HWAccel != "" {
		args = append(args, "-hwaccel", d.adv.HWAccel)
	}
	args = append(args,
		"-rtsp_transport", "tcp",
		// Keep probe buffers minimal; a still grab does not need a deep
		// analysis window.
		"-probesize", "500000",
		"-analyzeduration", "1000000",
		"-i", d.spec.RTSPURL,
		"-frames:v", "1",
	)
	args = append(args, "-vf", overlayFilter(d.spec), "-q:v", "4", "-f", "image2", "-")

	capturedAt := time.Now().UTC()
	res := runFFmpeg(ctx, d.adv.FFmpegPath, d.spec.Timeout, args...)
	if res.err != nil || len(res.stdout) == 0 {
		d.log.Debug("RTSP capture failed",
			"camera_id", d.spec.ID,
			"stderr", firstStderrLine(res.stderr))
		return nil, classifyStreamError(res)
	}

	return &Frame{JPEG: res.stdout, CapturedAt: capturedAt}, nil
}

// KeepAlive pulls one packet without decoding it. Used during backoff so
// the camera does not tear down the RTSP session.
func (d *rtspDriver) KeepAlive(ctx context.Context) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-nostdin",
		"-rtsp_transport", "tcp",
		"-probesize", "200000",
		"-analyzeduration", "500000",
		"-i", d.spec.RTSPURL,
		"-map", "0:v:0",
		"-c", "copy",
		"-frames:v", "1",
		"-f", "null", "-",
	}

	timeout := d.spec.Timeout
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	res := runFFmpeg(ctx, d.adv.FFmpegPath, timeout, args...)
	if res.err != nil {
		return classifyStreamError(res)
	}
	return nil
}

// Reconnect re-probes the stream with the configured attempts and delay
func (d *rtspDriver) Reconnect(ctx context.Context) error {
	d.Cleanup()

	var lastErr error
	for attempt := 1; attempt <= d.spec.RetryCount; attempt++ {
		d.log.Warn("Attempting RTSP reconnection",
			"camera_id", d.spec.ID, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.spec.RetryDelay * time.Duration(attempt)):
		}

		if err := d.Setup(ctx); err != nil {
			lastErr = err
			if IsPermanent(err) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("rtsp reconnect failed after %d attempts: %w", d.spec.RetryCount, lastErr)
}

// Cleanup marks the session closed. One-shot invocations hold no handles.
func (d *rtspDriver) Cleanup() {
	d.connected = false
}

// Describe reports identity and connection state
func (d *rtspDriver) Describe() Info {
	return Info{
		ID:        d.spec.ID,
		Type:      "rtsp",
		Source:    d.spec.RTSPURL,
		Connected: d.connected,
	}
}

// overlayFilter builds the drawtext/scale filter chain that stamps the
// capture time onto the frame and applies the advisory resolution.
func overlayFilter(spec *config.CameraSpec) string {
	filter := `drawtext=text='%{localtime\:%Y-%m-%d %H\\\:%M\\\:%S}':x=10:y=24:fontsize=20:fontcolor=white:box=1:boxcolor=black@0.5`
	if len(spec.Resolution) == 2 {
		filter = "scale=" + strconv.Itoa(spec.Resolution[0]) + ":" + strconv.Itoa(spec.Resolution[1]) + "," + filter
	}
	return filter
}
