// Command server runs the comply-mon control plane.
//
// # Usage
//
//	server --config /etc/complymon/server.yaml
//	server --database postgres://localhost/complymon --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (COMPLYMON_*)
// - Config file (YAML)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleet-net/comply-mon/control-plane/internal/api"
	"github.com/fleet-net/comply-mon/control-plane/internal/buffer"
	"github.com/fleet-net/comply-mon/control-plane/internal/cache"
	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/control-plane/internal/events"
	"github.com/fleet-net/comply-mon/control-plane/internal/metrics"
	"github.com/fleet-net/comply-mon/control-plane/internal/secrets"
	"github.com/fleet-net/comply-mon/control-plane/internal/service"
	"github.com/fleet-net/comply-mon/control-plane/internal/store"
	"github.com/fleet-net/comply-mon/control-plane/internal/worker"
	"github.com/fleet-net/comply-mon/db/migrate"
	"github.com/fleet-net/comply-mon/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (postgres://..., empty = in-memory store)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("complymon-server v0.1.0")
		os.Exit(0)
	}

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnvOverrides()
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Secret references resolve through 1Password Connect when configured,
	// otherwise plain values are used as-is.
	var resolver secrets.Resolver = secrets.Plain{}
	if host := os.Getenv("OP_CONNECT_HOST"); host != "" {
		op, err := secrets.NewOnePassword(host, os.Getenv("OP_CONNECT_TOKEN"), logger)
		if err != nil {
			logger.Error("failed to create 1Password resolver", "error", err)
			os.Exit(1)
		}
		resolver = op
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	resolver.Close()

	// Store: Postgres when a database URL is configured, in-memory otherwise.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresFromURL(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
		if err := pg.Ping(pingCtx); err != nil {
			pingCancel()
			logger.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		pingCancel()
		if err := migrate.Run(ctx, pg.Pool(), logger); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
		st = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	svc := service.New(st, logger)

	// Optional Redis: ingest buffer with background flusher, plus fleet
	// view cache.
	var flusher *buffer.Flusher
	var queueLen metrics.QueueLenProvider
	if cfg.Redis.URL != "" {
		buf, err := buffer.NewReportBuffer(cfg.Redis.URL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer buf.Close()
		svc.SetReportBuffer(buf)
		queueLen = buf

		flusher = buffer.NewFlusher(buf, st, logger)
		flusher.Start()

		c, err := cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Error("failed to create cache", "error", err)
			os.Exit(1)
		}
		svc.SetCache(c)
		logger.Info("redis buffer and cache enabled")
	}

	// Optional AMQP status-change events.
	if cfg.AMQP.URL != "" {
		pub, err := events.NewPublisher(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Error("failed to connect to amqp broker", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		svc.SetEventPublisher(pub)
		logger.Info("status change events enabled")
	}

	apiServer := api.NewServer(svc, logger)
	apiServer.SetMetricsCollector(metrics.NewCollector(st, queueLen))
	if cfg.Auth.AgentKeyHash != "" {
		apiServer.SetAgentKeyHash(cfg.Auth.AgentKeyHash)
	}
	if cfg.Auth.JWTSecret != "" {
		apiServer.SetJWTSecret([]byte(cfg.Auth.JWTSecret))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	retention := worker.NewRetentionWorker(st, worker.RetentionWorkerConfig{
		Interval: config.RetentionSweepInterval,
		Policy: types.RetentionPolicy{
			MaxPerMachine: cfg.Retention.MaxReportsPerMachine,
			MaxAge:        cfg.Retention.MaxAge,
		},
	}, logger)
	retention.Start(workerCtx)
	defer retention.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	// Drain buffered reports before exit so nothing in Redis is stranded.
	if flusher != nil {
		flusher.Stop()
	}

	logger.Info("shutdown complete")
}
