// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// RetentionStore defines the storage interface for the retention worker.
type RetentionStore interface {
	// PruneHistory removes reports that fall outside the retention policy.
	// The latest report of each machine is always kept.
	PruneHistory(ctx context.Context, policy types.RetentionPolicy) (int64, error)
}

// RetentionWorkerConfig holds configuration for the retention worker.
type RetentionWorkerConfig struct {
	// Interval between pruning sweeps.
	Interval time.Duration

	// Policy bounds per-machine history. A zero policy disables pruning
	// entirely, in which case the worker idles.
	Policy types.RetentionPolicy
}

// DefaultRetentionWorkerConfig returns sensible defaults.
func DefaultRetentionWorkerConfig() RetentionWorkerConfig {
	return RetentionWorkerConfig{
		Interval: config.RetentionSweepInterval,
		Policy: types.RetentionPolicy{
			MaxPerMachine: config.DefaultRetentionMaxReports,
			MaxAge:        config.DefaultRetentionMaxAge,
		},
	}
}

// RetentionWorker periodically prunes report history down to the configured
// retention bounds.
type RetentionWorker struct {
	store  RetentionStore
	config RetentionWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(store RetentionStore, cfg RetentionWorkerConfig, logger *slog.Logger) *RetentionWorker {
	return &RetentionWorker{
		store:  store,
		config: cfg,
		logger: logger.With("component", "retention_worker"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the retention worker in a goroutine.
func (w *RetentionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
}

func (w *RetentionWorker) run(ctx context.Context) {
	if !w.config.Policy.Enabled() {
		w.logger.Info("retention disabled, worker idle")
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		}
		return
	}

	w.logger.Info("retention worker started",
		"interval", w.config.Interval,
		"max_reports_per_machine", w.config.Policy.MaxPerMachine,
		"max_age", w.config.Policy.MaxAge,
	)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RetentionWorker) runOnce(ctx context.Context) {
	start := time.Now()

	removed, err := w.store.PruneHistory(ctx, w.config.Policy)
	if err != nil {
		w.logger.Error("retention sweep failed", "error", err)
		return
	}

	if removed > 0 {
		w.logger.Info("retention sweep complete",
			"reports_removed", removed,
			"duration", time.Since(start),
		)
	} else {
		w.logger.Debug("retention sweep complete, nothing to remove",
			"duration", time.Since(start),
		)
	}
}
