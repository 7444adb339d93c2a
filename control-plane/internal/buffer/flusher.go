package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleet-net/comply-mon/control-plane/internal/store"
)

// Flusher drains the Redis buffer into the history store.
type Flusher struct {
	buffer   *ReportBuffer
	store    store.Store
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new buffer flusher.
func NewFlusher(buffer *ReportBuffer, st store.Store, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		store:    st,
		logger:   logger.With("component", "buffer_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for completion.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			// Final flush before stopping
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	ctx := context.Background()

	size, err := f.buffer.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}

	if size == 0 {
		return
	}

	reports, err := f.buffer.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}

	if len(reports) == 0 {
		return
	}

	start := time.Now()

	appended, err := f.store.AppendReports(ctx, reports)
	if err != nil {
		f.logger.Error("failed to append reports to database",
			"error", err,
			"count", len(reports),
		)
		// Push back so the batch retries on the next tick rather than
		// being dropped.
		if perr := f.buffer.Push(ctx, reports); perr != nil {
			f.logger.Error("failed to requeue reports, batch lost",
				"error", perr,
				"count", len(reports),
			)
		}
		return
	}

	f.logger.Info("flushed reports to database",
		"count", len(reports),
		"appended", appended,
		"duplicates", len(reports)-appended,
		"remaining", size-int64(len(reports)),
		"duration", time.Since(start),
	)
}
