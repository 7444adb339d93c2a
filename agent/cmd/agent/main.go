// Command agent runs the comply-mon compliance agent.
//
// # Usage
//
//	agent --server https://comply.fleet.net --api-key cmk_xxx
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (COMPLYMON_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	agent --server https://comply.fleet.net \
//	      --api-key cmk_xxx \
//	      --interval 5m
//
// Run with config file:
//
//	agent --config /etc/complymon/agent.yaml
//
// Run with environment variables:
//
//	COMPLYMON_SERVER_URL=https://comply.fleet.net \
//	COMPLYMON_API_KEY=cmk_xxx \
//	agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleet-net/comply-mon/agent"
	"github.com/fleet-net/comply-mon/agent/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		server     = flag.String("server", "", "Control plane URL")
		apiKey     = flag.String("api-key", "", "API key sent as X-API-Key")
		interval   = flag.Duration("interval", 0, "Reporting interval (e.g. 5m)")
		machineID  = flag.String("machine-id", "", "Override the derived machine identifier")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("complymon-agent %s\n", agent.Version)
		os.Exit(0)
	}

	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *server != "" {
		cfg.Server.URL = *server
	}
	if *apiKey != "" {
		cfg.Server.APIKey = *apiKey
	}
	if *interval > time.Duration(0) {
		cfg.Report.Interval = *interval
	}
	if *machineID != "" {
		cfg.Report.MachineID = *machineID
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
