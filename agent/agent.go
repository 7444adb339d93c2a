// Package agent provides the main agent implementation.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Wait for the control plane to become reachable
//  3. Collect and submit a report immediately
//  4. Repeat on the configured interval until shutdown signal
//
// Reports that cannot be delivered are spooled in memory and shipped as a
// batch on the next successful cycle, so a flaky office network does not
// punch holes in compliance history.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-net/comply-mon/agent/internal/checker"
	"github.com/fleet-net/comply-mon/agent/internal/client"
	"github.com/fleet-net/comply-mon/agent/internal/config"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// maxSpooledReports bounds the in-memory spool. Past this, the oldest
// undelivered reports are dropped.
const maxSpooledReports = 288

// Agent is the main compliance agent.
type Agent struct {
	cfg     *config.Config
	client  *client.Client
	checker *checker.Checker
	logger  *slog.Logger

	mu      sync.Mutex
	spooled []types.IncomingReport
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	cpClient := client.NewClient(client.Config{
		BaseURL:            cfg.Server.URL,
		APIKey:             cfg.Server.APIKey,
		Timeout:            cfg.Server.RequestTimeout,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	})

	return &Agent{
		cfg:     cfg,
		client:  cpClient,
		checker: checker.New(logger),
		logger:  logger,
	}, nil
}

// Run starts the agent and blocks until context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"machine_id", a.machineID(),
		"version", Version,
		"interval", a.cfg.Report.Interval)

	if err := a.waitForServer(ctx); err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}

	// First report immediately, then on the interval.
	a.cycle(ctx)

	ticker := time.NewTicker(a.cfg.Report.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// machineID returns the configured override or the derived identifier.
func (a *Agent) machineID() string {
	if a.cfg.Report.MachineID != "" {
		return a.cfg.Report.MachineID
	}
	return a.checker.MachineID()
}

// waitForServer pings the control plane until it responds or the retry
// budget runs out.
func (a *Agent) waitForServer(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Report.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Report.RetryBackoff):
			}
		}
		if lastErr = a.client.Ping(ctx); lastErr == nil {
			a.logger.Info("control plane reachable")
			return nil
		}
		a.logger.Warn("control plane not reachable",
			"attempt", attempt+1,
			"error", lastErr)
	}
	return lastErr
}

// cycle collects one report and submits it, draining the spool first.
func (a *Agent) cycle(ctx context.Context) {
	a.flushSpool(ctx)

	report := a.checker.Collect(ctx)
	if a.cfg.Report.MachineID != "" {
		report.MachineID = a.cfg.Report.MachineID
	}

	if err := a.submit(ctx, report); err != nil {
		a.logger.Error("report submission failed, spooling", "error", err)
		a.spool(report)
	}
}

// submit sends one report with retries.
func (a *Agent) submit(ctx context.Context, report *types.IncomingReport) error {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Report.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.Report.RetryBackoff):
			}
		}

		result, err := a.client.Submit(ctx, report)
		if err != nil {
			lastErr = err
			a.logger.Warn("submit failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		a.logger.Info("report submitted",
			"report_id", result.ReportID,
			"overall", result.Overall,
			"duplicate", result.Duplicate)
		return nil
	}
	return lastErr
}

// spool queues an undelivered report, dropping the oldest past the bound.
func (a *Agent) spool(report *types.IncomingReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.spooled = append(a.spooled, *report)
	if len(a.spooled) > maxSpooledReports {
		dropped := len(a.spooled) - maxSpooledReports
		a.spooled = a.spooled[dropped:]
		a.logger.Warn("spool full, dropped oldest reports", "dropped", dropped)
	}
}

// flushSpool ships spooled reports as one batch.
func (a *Agent) flushSpool(ctx context.Context) {
	a.mu.Lock()
	pending := a.spooled
	a.spooled = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	batch := &types.ReportBatch{
		BatchID:   uuid.New().String(),
		Reports:   pending,
		CreatedAt: time.Now().UTC(),
	}

	accepted, err := a.client.SubmitBatch(ctx, batch)
	if err != nil {
		a.logger.Warn("spool flush failed, requeueing", "count", len(pending), "error", err)
		a.mu.Lock()
		a.spooled = append(pending, a.spooled...)
		a.mu.Unlock()
		return
	}

	a.logger.Info("spool flushed", "submitted", len(pending), "accepted", accepted)
}
