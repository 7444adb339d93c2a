// Package service contains the business logic for the control plane.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-net/comply-mon/control-plane/internal/buffer"
	"github.com/fleet-net/comply-mon/control-plane/internal/cache"
	"github.com/fleet-net/comply-mon/control-plane/internal/classify"
	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/control-plane/internal/store"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// EventPublisher receives machine status transition events.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, ev types.StatusChangeEvent) error
}

// Service provides business logic operations.
type Service struct {
	store  store.Store
	logger *slog.Logger

	reportBuffer *buffer.ReportBuffer // Optional Redis buffer for batch ingestion
	cache        *cache.Cache         // Optional response cache for fleet views
	events       EventPublisher       // Optional status transition publisher
}

// New creates a new service.
func New(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger,
	}
}

// SetReportBuffer sets the Redis buffer for batch ingestion.
// When set, IngestBatch pushes to Redis instead of writing directly to the store.
func (s *Service) SetReportBuffer(buf *buffer.ReportBuffer) {
	s.reportBuffer = buf
}

// SetCache sets the response cache for fleet-wide views.
func (s *Service) SetCache(c *cache.Cache) {
	s.cache = c
}

// SetEventPublisher sets the status transition publisher.
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.events = p
}

// Store returns the underlying store for direct access (used by health checks).
func (s *Service) Store() store.Store {
	return s.store
}

// IngestResult is the outcome of a single-report ingestion.
type IngestResult struct {
	ReportID   string         `json:"report_id"`
	Overall    types.Severity `json:"overall_severity"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	OutOfOrder bool           `json:"out_of_order,omitempty"`
}

// Ingest classifies and stores one incoming report.
//
// Validation failures return a *types.MalformedReportError and store nothing.
// Storage failures propagate so the agent retries; there is no partial accept.
func (s *Service) Ingest(ctx context.Context, in types.IncomingReport) (*IngestResult, error) {
	report, err := classify.BuildReport(in)
	if err != nil {
		return nil, err
	}
	report.ID = uuid.New().String()
	report.ReceivedAt = time.Now().UTC()

	res, err := s.store.AppendReport(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("appending report: %w", err)
	}

	if !res.Duplicate {
		s.afterAppend(ctx, report, res)
	}

	return &IngestResult{
		ReportID:   res.ReportID,
		Overall:    report.Overall,
		Duplicate:  res.Duplicate,
		OutOfOrder: res.OutOfOrder,
	}, nil
}

// afterAppend handles the side effects of a successful append: cache
// invalidation and transition events. Both are best effort.
func (s *Service) afterAppend(ctx context.Context, report *types.Report, res *types.AppendResult) {
	if s.cache != nil {
		s.cache.InvalidateFleetViews(ctx)
	}

	transitioned := res.Previous == nil || *res.Previous != report.Overall
	if !transitioned || s.events == nil {
		return
	}

	ev := types.StatusChangeEvent{
		MachineID: report.MachineID,
		From:      res.Previous,
		To:        report.Overall,
		Timestamp: report.Timestamp,
		OS:        report.OS,
	}
	if err := s.events.PublishStatusChange(ctx, ev); err != nil {
		s.logger.Warn("failed to publish status change",
			"machine_id", report.MachineID,
			"error", err,
		)
	}
}

// IngestBatch classifies a batch and hands it to the buffer when one is
// configured, or appends directly otherwise. The whole batch is rejected when
// any report in it is malformed.
func (s *Service) IngestBatch(ctx context.Context, batch types.ReportBatch) (int, error) {
	reports := make([]*types.Report, 0, len(batch.Reports))
	now := time.Now().UTC()
	for _, in := range batch.Reports {
		report, err := classify.BuildReport(in)
		if err != nil {
			return 0, err
		}
		report.ID = uuid.New().String()
		report.ReceivedAt = now
		reports = append(reports, report)
	}

	if s.reportBuffer != nil {
		if err := s.reportBuffer.Push(ctx, reports); err != nil {
			return 0, fmt.Errorf("buffering batch: %w", err)
		}
		s.logger.Debug("batch buffered",
			"batch_id", batch.BatchID,
			"count", len(reports),
		)
		return len(reports), nil
	}

	appended, err := s.store.AppendReports(ctx, reports)
	if err != nil {
		return 0, fmt.Errorf("appending batch: %w", err)
	}
	if s.cache != nil && appended > 0 {
		s.cache.InvalidateFleetViews(ctx)
	}
	return appended, nil
}

// ListMachines returns current machine snapshots. The unfiltered default
// query is served from cache when one is configured.
func (s *Service) ListMachines(ctx context.Context, filter types.MachineFilter) ([]*types.MachineSnapshot, error) {
	cacheable := s.cache != nil && filter == (types.MachineFilter{})

	if cacheable {
		var cached []*types.MachineSnapshot
		if hit, err := s.cache.GetJSON(ctx, cache.KeyMachineList, &cached); err == nil && hit {
			return cached, nil
		}
	}

	snapshots, err := s.store.ListMachines(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}

	if cacheable {
		if err := s.cache.SetJSON(ctx, cache.KeyMachineList, snapshots, config.CacheTTLMachineList); err != nil {
			s.logger.Warn("failed to cache machine list", "error", err)
		}
	}
	return snapshots, nil
}

// GetMachine returns one machine's snapshot or types.ErrUnknownMachine.
func (s *Service) GetMachine(ctx context.Context, machineID string) (*types.MachineSnapshot, error) {
	return s.store.GetMachine(ctx, machineID)
}

// MachineHistory returns reports newest-first. The limit is clamped to
// [1, MaxHistoryLimit] with the default applied for zero.
func (s *Service) MachineHistory(ctx context.Context, machineID string, q store.HistoryQuery) ([]*types.Report, error) {
	return s.store.MachineHistory(ctx, machineID, q)
}

// LatestReport returns the machine's most recent full report.
func (s *Service) LatestReport(ctx context.Context, machineID string) (*types.Report, error) {
	return s.store.LatestReport(ctx, machineID)
}

// FleetOverview counts machines by overall severity, cached when possible.
func (s *Service) FleetOverview(ctx context.Context) (*types.FleetOverview, error) {
	if s.cache != nil {
		var cached types.FleetOverview
		if hit, err := s.cache.GetJSON(ctx, cache.KeyFleetOverview, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	overview, err := s.store.FleetOverview(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet overview: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.KeyFleetOverview, overview, config.CacheTTLFleetOverview); err != nil {
			s.logger.Warn("failed to cache fleet overview", "error", err)
		}
	}
	return overview, nil
}
