package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/updater"
	"github.com/spf13/pflag"
)

const (
	version           = "0.2.0"
	defaultConfigPath = "/etc/sai-cam/config.yaml"
)

// Oneshot entry point invoked by the host timer. Exit code 0 means
// up-to-date, successfully applied, or skipped (lock held, updates
// disabled, failure guard active); 1 means a failure, recorded in the
// update state file unless the lock itself could not be taken.
func main() {
	configPath := pflag.String("config", defaultConfigPath, "Path to configuration file")
	healthSocket := pflag.String("health-socket", health.DefaultHealthSocket, "Path of the agent health socket")
	force := pflag.Bool("force", false, "Run even when the consecutive-failure guard is active")
	channel := pflag.String("channel", "", "Override the configured release channel")
	checkOnly := pflag.Bool("check", false, "Check for updates without applying")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("sai-cam updater %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *channel != "" {
		cfg.Updates.Channel = *channel
	}

	updateLogging := cfg.Logging
	updateLogging.LogFile = "sai-cam-update.log"
	log := logger.New(&updateLogging)
	defer log.Sync()

	portalURL := fmt.Sprintf("http://%s:%d", cfg.Portal.Host, cfg.Portal.Port)
	ctrl := updater.NewController(&cfg.Updates, *healthSocket, portalURL, *force, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *checkOnly {
		state, err := ctrl.CheckOnly(ctx)
		if err != nil {
			log.Error("Update check failed", "error", err)
			os.Exit(1)
		}
		log.Info("Update check complete",
			"current", state.CurrentVersion,
			"latest", state.LatestAvailable)
		return
	}

	if err := ctrl.Run(ctx); err != nil {
		os.Exit(1)
	}
}
