package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/uploader"
)

// supervisionInterval is how often the coordinator retries cameras that
// failed initial setup.
const supervisionInterval = 10 * time.Second

// MetricsFunc supplies the system metrics recorded in each image's sidecar.
type MetricsFunc func() map[string]interface{}

// CameraStatus is the per-camera view handed to the health monitor.
type CameraStatus struct {
	Info        camera.Info            `json:"info"`
	Tracker     camera.TrackerSnapshot `json:"tracker"`
	Position    string                 `json:"position"`
	WorkerAlive bool                   `json:"worker_alive"`
	LastCapture time.Time              `json:"last_capture,omitempty"`
	Failed      bool                   `json:"permanently_failed"`
	Restarts    int                    `json:"worker_restarts"`
}

// runtime bundles everything owned by one camera's worker. Created on
// successful setup, destroyed on shutdown or camera restart; never shared
// between workers.
type runtime struct {
	spec    config.CameraSpec
	driver  camera.Driver
	tracker *camera.StateTracker

	cancel  context.CancelFunc
	forceCh chan struct{}

	mu          sync.Mutex
	lastBeat    time.Time
	lastCapture time.Time
	restarts    int
	failed      bool
}

func (r *runtime) beat() {
	r.mu.Lock()
	r.lastBeat = time.Now()
	r.mu.Unlock()
}

// Coordinator starts and supervises one capture worker per configured
// camera. It owns the runtime map exclusively; workers signal it through
// channels rather than mutating shared state.
type Coordinator struct {
	cfg     *config.Config
	store   *storage.Manager
	upload  *uploader.Worker
	metrics MetricsFunc
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	runtimes     map[string]*runtime
	pendingSetup map[string]*setupRetry

	exited chan string // camera IDs of workers that died
}

// setupRetry tracks a camera that has not yet come up, with its own capped
// exponential backoff.
type setupRetry struct {
	spec        config.CameraSpec
	attempts    int
	nextAttempt time.Time
}

// NewCoordinator wires the capture side together. metrics may be nil.
func NewCoordinator(cfg *config.Config, store *storage.Manager, upload *uploader.Worker, metrics MetricsFunc, log logger.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if metrics == nil {
		metrics = func() map[string]interface{} { return nil }
	}
	return &Coordinator{
		cfg:          cfg,
		store:        store,
		upload:       upload,
		metrics:      metrics,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		runtimes:     make(map[string]*runtime),
		pendingSetup: make(map[string]*setupRetry),
		exited:       make(chan string, 16),
	}
}

// Start attempts setup for every configured camera and launches workers for
// the ones that come up. A camera that is unreachable at startup never
// blocks the others; it lands in the retry set instead.
func (c *Coordinator) Start() error {
	c.log.Info("Starting capture coordinator", "cameras", len(c.cfg.Cameras))

	started := 0
	for i := range c.cfg.Cameras {
		spec := c.cfg.Cameras[i]
		if err := c.startCamera(spec); err != nil {
			c.log.Error("Camera failed initial setup, scheduling retries",
				"camera_id", spec.ID, "error", err)
			c.mu.Lock()
			c.pendingSetup[spec.ID] = &setupRetry{
				spec:        spec,
				attempts:    1,
				nextAttempt: time.Now().Add(c.cfg.Advanced.ReconnectDelay),
			}
			c.mu.Unlock()
			continue
		}
		started++
	}

	c.wg.Add(1)
	go c.supervise()

	c.log.Info("Capture coordinator started",
		"running", started, "pending_setup", len(c.cfg.Cameras)-started)
	return nil
}

// startCamera builds the driver, runs setup and launches the worker
func (c *Coordinator) startCamera(spec config.CameraSpec) error {
	log := c.log.With("camera_id", spec.ID)

	driver, err := camera.New(&spec, &c.cfg.Advanced, log)
	if err != nil {
		return err
	}

	setupCtx, cancelSetup := context.WithTimeout(c.ctx, spec.Timeout)
	err = driver.Setup(setupCtx)
	cancelSetup()
	if err != nil {
		driver.Cleanup()
		return err
	}

	workerCtx, cancel := context.WithCancel(c.ctx)
	rt := &runtime{
		spec:    spec,
		driver:  driver,
		tracker: camera.NewStateTracker(spec.ID, spec.CaptureInterval, log),
		cancel:  cancel,
		forceCh: make(chan struct{}, 1),
	}
	rt.beat()

	c.mu.Lock()
	c.runtimes[spec.ID] = rt
	delete(c.pendingSetup, spec.ID)
	c.mu.Unlock()

	c.spawnWorker(workerCtx, rt)
	return nil
}

func (c *Coordinator) spawnWorker(ctx context.Context, rt *runtime) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Capture worker panicked",
					"camera_id", rt.spec.ID, "panic", fmt.Sprintf("%v", r))
				select {
				case c.exited <- rt.spec.ID:
				default:
				}
			}
		}()
		c.runWorker(ctx, rt)
	}()
}

// supervise respawns crashed workers as soon as they report their exit,
// and on each tick retries cameras that never came up.
func (c *Coordinator) supervise() {
	defer c.wg.Done()

	ticker := time.NewTicker(supervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case id := <-c.exited:
			c.respawn(id)

		case <-ticker.C:
			c.retryPendingSetups()
		}
	}
}

func (c *Coordinator) respawn(id string) {
	c.mu.Lock()
	rt, ok := c.runtimes[id]
	c.mu.Unlock()
	if !ok || c.ctx.Err() != nil {
		return
	}

	rt.mu.Lock()
	rt.restarts++
	restarts := rt.restarts
	rt.mu.Unlock()

	if restarts > c.cfg.Advanced.MaxWorkerRestarts {
		c.log.Error("Camera worker restart rate exceeded, marking permanently failed",
			"camera_id", id, "restarts", restarts)
		rt.mu.Lock()
		rt.failed = true
		rt.mu.Unlock()
		rt.driver.Cleanup()
		return
	}

	c.log.Warn("Respawning crashed capture worker", "camera_id", id, "restarts", restarts)
	workerCtx, cancel := context.WithCancel(c.ctx)
	rt.cancel = cancel
	rt.beat()
	c.spawnWorker(workerCtx, rt)
}

func (c *Coordinator) retryPendingSetups() {
	c.mu.RLock()
	var due []*setupRetry
	for _, pr := range c.pendingSetup {
		if !time.Now().Before(pr.nextAttempt) {
			due = append(due, pr)
		}
	}
	c.mu.RUnlock()

	for _, pr := range due {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.startCamera(pr.spec); err != nil {
			pr.attempts++
			// Same capped ladder as the capture backoff.
			mult := 1 << uint(pr.attempts-1)
			if mult > 12 {
				mult = 12
			}
			delay := c.cfg.Advanced.ReconnectDelay * time.Duration(mult)
			pr.nextAttempt = time.Now().Add(delay)
			c.log.Warn("Camera setup retry failed",
				"camera_id", pr.spec.ID, "attempt", pr.attempts, "next_in", delay.String())
			continue
		}
		c.log.Info("Camera came up after setup retries", "camera_id", pr.spec.ID)
	}
}

// ForceCapture asks a camera's worker to capture on its next polling tick
// regardless of the schedule.
func (c *Coordinator) ForceCapture(cameraID string) error {
	c.mu.RLock()
	rt, ok := c.runtimes[cameraID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("camera not running: %s", cameraID)
	}

	select {
	case rt.forceCh <- struct{}{}:
	default:
		// A force request is already queued.
	}
	return nil
}

// RestartCamera tears down one camera's worker and rebuilds it from its
// spec. Used by the portal's restart endpoint.
func (c *Coordinator) RestartCamera(cameraID string) error {
	c.mu.Lock()
	rt, ok := c.runtimes[cameraID]
	if ok {
		delete(c.runtimes, cameraID)
	}
	c.mu.Unlock()

	var spec config.CameraSpec
	if ok {
		rt.cancel()
		rt.driver.Cleanup()
		spec = rt.spec
	} else {
		found, err := c.cfg.GetCameraByID(cameraID)
		if err != nil {
			return err
		}
		spec = *found
		c.mu.Lock()
		delete(c.pendingSetup, cameraID)
		c.mu.Unlock()
	}

	c.log.Info("Restarting camera", "camera_id", cameraID)
	if err := c.startCamera(spec); err != nil {
		c.mu.Lock()
		c.pendingSetup[cameraID] = &setupRetry{
			spec:        spec,
			attempts:    1,
			nextAttempt: time.Now().Add(c.cfg.Advanced.ReconnectDelay),
		}
		c.mu.Unlock()
		return fmt.Errorf("restart failed, camera scheduled for retries: %w", err)
	}
	return nil
}

// SetPosition updates the advisory position label on a running camera
func (c *Coordinator) SetPosition(cameraID, position string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[cameraID]
	if !ok {
		return fmt.Errorf("camera not running: %s", cameraID)
	}
	rt.spec.Position = position
	return nil
}

// Snapshot returns the per-camera status for the health monitor. Cameras
// still in setup retry appear with an offline tracker view.
func (c *Coordinator) Snapshot() []CameraStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make([]CameraStatus, 0, len(c.runtimes)+len(c.pendingSetup))

	for _, rt := range c.runtimes {
		rt.mu.Lock()
		status := CameraStatus{
			Info:        rt.driver.Describe(),
			Tracker:     rt.tracker.Snapshot(),
			Position:    rt.spec.Position,
			WorkerAlive: !rt.failed && now.Sub(rt.lastBeat) < 3*supervisionInterval,
			LastCapture: rt.lastCapture,
			Failed:      rt.failed,
			Restarts:    rt.restarts,
		}
		rt.mu.Unlock()
		out = append(out, status)
	}

	for id, pr := range c.pendingSetup {
		out = append(out, CameraStatus{
			Info: camera.Info{ID: id, Type: pr.spec.Type, Connected: false},
			Tracker: camera.TrackerSnapshot{
				CameraID:            id,
				State:               camera.StateOffline,
				ConsecutiveFailures: pr.attempts,
			},
			Position:    pr.spec.Position,
			WorkerAlive: false,
		})
	}

	return out
}

// WorkerCount reports running worker goroutines for the thread census
func (c *Coordinator) WorkerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runtimes)
}

// Stop cancels every worker and waits for them to release their cameras,
// bounded by grace.
func (c *Coordinator) Stop(grace time.Duration) {
	c.log.Info("Stopping capture coordinator")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		c.log.Warn("Capture workers did not stop within grace period")
	}

	c.mu.Lock()
	for _, rt := range c.runtimes {
		rt.driver.Cleanup()
	}
	c.mu.Unlock()

	c.log.Info("Capture coordinator stopped")
}
