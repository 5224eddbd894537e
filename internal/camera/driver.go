package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
)

// FailureKind categorizes a capture failure so the state tracker and the
// retry logic see classified outcomes instead of raw errors.
type FailureKind int

const (
	// FailureTransient covers timeouts, resets and other conditions that a
	// plain retry can fix.
	FailureTransient FailureKind = iota
	// FailurePermanent covers conditions that will not clear without a
	// config change (bad credentials, missing profile). Not retried until
	// reload.
	FailurePermanent
	// FailureFatal covers programming or environment errors; the worker
	// reports them to the supervisor.
	FailureFatal
)

// CaptureError is the categorized error type returned by all drivers.
type CaptureError struct {
	Kind   FailureKind
	Reason string // unreachable, auth, codec, timeout, device-not-found, device-busy, no-profile, http-error
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable capture failure
func Transient(reason string, err error) *CaptureError {
	return &CaptureError{Kind: FailureTransient, Reason: reason, Err: err}
}

// Permanent wraps err as a failure that needs operator intervention
func Permanent(reason string, err error) *CaptureError {
	return &CaptureError{Kind: FailurePermanent, Reason: reason, Err: err}
}

// IsPermanent reports whether err carries a permanent failure kind
func IsPermanent(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Kind == FailurePermanent
}

// Frame is a single captured still, already encoded as JPEG.
type Frame struct {
	JPEG          []byte
	Width         int
	Height        int
	MeanLuminance float64
	CapturedAt    time.Time
}

// Info describes a driver for status reporting
type Info struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Connected bool              `json:"connected"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Driver is the capability set shared by all camera backends. Implementations
// are not safe for concurrent use; each driver is owned by exactly one
// capture worker.
type Driver interface {
	// Setup opens the device or session. Must be called before Capture.
	Setup(ctx context.Context) error
	// Capture acquires one still frame. Failures are *CaptureError.
	Capture(ctx context.Context) (*Frame, error)
	// Reconnect tears down and re-establishes the connection, with the
	// driver's own bounded attempts and delay.
	Reconnect(ctx context.Context) error
	// Cleanup releases the device or session. Idempotent.
	Cleanup()
	// Describe reports identity and connection state.
	Describe() Info
}

// KeepAliver is implemented by drivers that can keep a server-side session
// warm between scheduled captures without decoding a frame.
type KeepAliver interface {
	KeepAlive(ctx context.Context) error
}

// New builds the driver matching spec.Type.
func New(spec *config.CameraSpec, adv *config.AdvancedConfig, log logger.Logger) (Driver, error) {
	switch spec.Type {
	case "usb":
		return newUSBDriver(spec, adv, log), nil
	case "rtsp":
		return newRTSPDriver(spec, adv, log), nil
	case "onvif":
		return newONVIFDriver(spec, adv, log), nil
	default:
		return nil, fmt.Errorf("unknown camera type %q", spec.Type)
	}
}
