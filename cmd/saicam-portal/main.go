package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/portal"
	"github.com/spf13/pflag"
)

const (
	version           = "0.2.0"
	defaultConfigPath = "/etc/sai-cam/config.yaml"
)

func main() {
	configPath := pflag.String("config", defaultConfigPath, "Path to configuration file")
	healthSocket := pflag.String("health-socket", health.DefaultHealthSocket, "Path of the agent health socket")
	controlSocket := pflag.String("control-socket", health.DefaultControlSocket, "Path of the agent control socket")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("sai-cam portal %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The portal keeps its own rotated log next to the agent's; it tails
	// the agent's file, not its own.
	portalLogging := cfg.Logging
	portalLogging.LogFile = "sai-cam-portal.log"
	log := logger.New(&portalLogging)
	defer log.Sync()

	agentLogName := cfg.Logging.LogFile
	if agentLogName == "" {
		agentLogName = "sai-cam.log"
	}
	agentLogPath := filepath.Join(cfg.Logging.LogDir, agentLogName)

	log.Info("SAI-Cam portal starting",
		"version", version,
		"device_id", cfg.Device.ID,
		"addr", fmt.Sprintf("%s:%d", cfg.Portal.Host, cfg.Portal.Port))

	srv, err := portal.NewServer(cfg, *configPath, version, *healthSocket, *controlSocket, agentLogPath, log)
	if err != nil {
		log.Error("Failed to initialize portal", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error("Portal exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Portal shutdown complete")
}
