// Package store persists compliance report history.
//
// # Design
//
// History is append-only: a report is written exactly once and never updated.
// Arrival order (a monotonically increasing sequence) defines recency, so a
// machine's "latest" report is the last one appended, not the one with the
// newest timestamp. Reported timestamps are data; when one regresses the
// report is stored anyway and flagged out-of-order.
//
// Two implementations share the Store interface: Postgres (raw SQL with pgx)
// for production and Memory for tests and single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// HistoryQuery bounds a machine history read. Limit is clamped to
// [1, config.MaxHistoryLimit]; zero means the server default. Since and Until
// filter on the reported timestamp when non-zero, inclusive.
type HistoryQuery struct {
	Limit int
	Since time.Time
	Until time.Time
}

// Store is the append-only report history plus the derived machine registry.
//
// Appends are atomic per report: readers never observe a partially appended
// report. Duplicate submissions (same machine, timestamp, and payload
// fingerprint) are idempotent no-ops.
type Store interface {
	// AppendReport stores one classified report. The result carries the
	// duplicate and out-of-order flags plus the machine's prior overall
	// severity for transition detection.
	AppendReport(ctx context.Context, r *types.Report) (*types.AppendResult, error)

	// AppendReports stores a batch, skipping duplicates. It returns the
	// number of reports actually appended.
	AppendReports(ctx context.Context, reports []*types.Report) (int, error)

	// LatestReport returns the machine's most recent report by arrival order.
	LatestReport(ctx context.Context, machineID string) (*types.Report, error)

	// MachineHistory returns reports for one machine, newest first.
	MachineHistory(ctx context.Context, machineID string, q HistoryQuery) ([]*types.Report, error)

	// ListMachines returns the current snapshot of each known machine.
	ListMachines(ctx context.Context, filter types.MachineFilter) ([]*types.MachineSnapshot, error)

	// GetMachine returns one machine's snapshot or types.ErrUnknownMachine.
	GetMachine(ctx context.Context, machineID string) (*types.MachineSnapshot, error)

	// FleetOverview counts machines by current overall severity.
	FleetOverview(ctx context.Context) (*types.FleetOverview, error)

	// MachineIDs returns all known machine IDs, sorted.
	MachineIDs(ctx context.Context) ([]string, error)

	// PruneHistory removes reports per the policy and returns how many were
	// deleted. A machine's most recent report is never removed.
	PruneHistory(ctx context.Context, policy types.RetentionPolicy) (int64, error)

	// Ping tests backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
