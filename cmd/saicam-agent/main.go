package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/capture"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/uploader"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	version           = "0.2.0"
	defaultConfigPath = "/etc/sai-cam/config.yaml"
	shutdownGrace     = 30 * time.Second
	uploadDrainGrace  = 25 * time.Second
)

// Application bundles the agent's subsystems: cameras, storage, uploader,
// health monitor and the two IPC sockets.
type Application struct {
	cfg    *config.Config
	log    logger.Logger
	store  *storage.Manager
	upload *uploader.Worker
	coord  *capture.Coordinator
	mon    *health.Monitor

	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	eg         *errgroup.Group
}

func main() {
	configPath := pflag.String("config", defaultConfigPath, "Path to configuration file")
	healthSocket := pflag.String("health-socket", health.DefaultHealthSocket, "Path of the health IPC socket")
	controlSocket := pflag.String("control-socket", health.DefaultControlSocket, "Path of the control IPC socket")
	dryRun := pflag.Bool("dry-run", false, "Initialize cameras and exit")
	localSave := pflag.Bool("local-save", false, "Store images locally without uploading")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("sai-cam agent %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(&cfg.Logging)
	defer log.Sync()
	log.Info("SAI-Cam agent starting", "version", version, "device_id", cfg.Device.ID)

	app, err := NewApplication(cfg, *configPath, *localSave, log)
	if err != nil {
		log.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}

	if *dryRun {
		os.Exit(app.DryRun())
	}

	if err := app.Start(*healthSocket, *controlSocket); err != nil {
		log.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}

	notifyReady()
	go watchdogLoop(app.ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			app.Reload()
			continue
		}
		log.Info("Shutdown signal received", "signal", sig.String())
		break
	}

	app.Shutdown()
}

// NewApplication builds the subsystems without starting them
func NewApplication(cfg *config.Config, configPath string, localSave bool, log logger.Logger) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	ctx = egCtx

	store, err := storage.NewManager(&cfg.Storage, log)
	if err != nil {
		cancel()
		return nil, err
	}

	var upload *uploader.Worker
	if localSave {
		log.Info("Upload disabled, running in local save mode")
	} else {
		upload, err = uploader.New(&cfg.Server, store,
			cfg.Advanced.UploadQueueSize, cfg.Advanced.UploadMaxAttempts, log)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	app := &Application{
		cfg:        cfg,
		log:        log,
		store:      store,
		upload:     upload,
		configPath: configPath,
		ctx:        ctx,
		cancel:     cancel,
		eg:         eg,
	}

	backlog := func() int { return 0 }
	if upload != nil {
		backlog = upload.Backlog
	}

	app.coord = capture.NewCoordinator(cfg, store, upload, app.captureMetrics, log)
	app.mon = health.NewMonitor(&cfg.Monitoring, app.coord, store, backlog, log)

	return app, nil
}

// captureMetrics snapshots the cached system metrics for image sidecars
func (app *Application) captureMetrics() map[string]interface{} {
	s := app.mon.System()
	return map[string]interface{}{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"disk_percent":   s.DiskPercent,
		"temperature":    s.Temperature,
	}
}

// Start launches every background task and both IPC sockets
func (app *Application) Start(healthSocket, controlSocket string) error {
	app.log.Info("Starting agent components")

	if app.upload != nil {
		app.upload.Rehydrate()
		app.eg.Go(func() error {
			app.upload.Run(app.ctx, uploadDrainGrace)
			return nil
		})
	}

	app.eg.Go(func() error {
		app.mon.Run(app.ctx)
		return nil
	})
	app.eg.Go(func() error {
		app.store.RunCleanupLoop(app.ctx.Done())
		return nil
	})

	healthSrv := health.NewServer(healthSocket, app.mon, app.log)
	if err := healthSrv.Start(app.ctx); err != nil {
		return err
	}

	controlSrv := health.NewControlServer(controlSocket, health.ControlHandlers{
		ForceCapture: app.coord.ForceCapture,
		Restart:      app.coord.RestartCamera,
		SetPosition:  app.coord.SetPosition,
		SetLogLevel:  app.log.SetLevel,
		Reload:       app.reloadFromDisk,
	}, app.log)
	if err := controlSrv.Start(app.ctx); err != nil {
		return err
	}

	if err := app.coord.Start(); err != nil {
		return err
	}

	app.log.Info("Agent started")
	return nil
}

// DryRun attempts setup for every camera, reports, and returns the exit
// code: 0 when all cameras initialized.
func (app *Application) DryRun() int {
	app.log.Info("Dry run: initializing cameras")
	failures := 0
	if err := app.coord.Start(); err != nil {
		app.log.Error("Coordinator failed", "error", err)
		return 1
	}
	for _, cam := range app.coord.Snapshot() {
		if cam.Info.Connected {
			app.log.Info("Camera OK", "camera_id", cam.Info.ID, "type", cam.Info.Type)
		} else {
			app.log.Error("Camera failed", "camera_id", cam.Info.ID, "type", cam.Info.Type)
			failures++
		}
	}
	app.coord.Stop(5 * time.Second)
	app.log.Info("Dry run completed", "failures", failures)
	if failures > 0 {
		return 1
	}
	return 0
}

// Reload applies the hot-reloadable config subset on SIGHUP
func (app *Application) Reload() {
	app.log.Info("Reload signal received")
	if err := app.reloadFromDisk(); err != nil {
		app.log.Error("Config reload failed, keeping previous configuration", "error", err)
	}
}

func (app *Application) reloadFromDisk() error {
	fresh, err := config.Load(app.configPath)
	if err != nil {
		return err
	}
	app.cfg.ApplyReloadable(fresh)
	if err := app.log.SetLevel(app.cfg.Logging.Level); err != nil {
		app.log.Warn("Reloaded config has unknown log level", "level", app.cfg.Logging.Level)
	}
	app.log.Info("Configuration reloaded",
		"log_level", app.cfg.Logging.Level,
		"server_url", app.cfg.Server.URL)
	return nil
}

// Shutdown stops everything within the grace period
func (app *Application) Shutdown() {
	app.log.Info("Shutting down agent")

	app.coord.Stop(shutdownGrace)
	app.cancel()

	done := make(chan struct{})
	go func() {
		_ = app.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		app.log.Warn("Background tasks did not stop within grace period")
	}

	app.log.Info("Agent shutdown complete")
}
