package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// Memory is an in-memory Store for tests and single-node deployments.
//
// Each machine gets its own shard with its own mutex, so appends for one
// machine serialize while appends across machines proceed concurrently.
// There is no global write lock.
type Memory struct {
	mu     sync.RWMutex
	shards map[string]*machineShard
}

var _ Store = (*Memory)(nil)

// machineShard holds one machine's append-only history. reports is ordered by
// arrival; the last element is the machine's latest.
type machineShard struct {
	mu            sync.Mutex
	reports       []*types.Report
	byFingerprint map[string]*types.Report
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{shards: make(map[string]*machineShard)}
}

func (m *Memory) shard(machineID string, create bool) *machineShard {
	m.mu.RLock()
	sh := m.shards[machineID]
	m.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sh = m.shards[machineID]; sh == nil {
		sh = &machineShard{byFingerprint: make(map[string]*types.Report)}
		m.shards[machineID] = sh
	}
	return sh
}

// AppendReport stores one report.
func (m *Memory) AppendReport(_ context.Context, r *types.Report) (*types.AppendResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	sh := m.shard(r.MachineID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.append(r), nil
}

// append assumes the shard lock is held.
func (sh *machineShard) append(r *types.Report) *types.AppendResult {
	fingerprint := r.Fingerprint()

	var prevOverall *types.Severity
	if n := len(sh.reports); n > 0 {
		sev := sh.reports[n-1].Overall
		prevOverall = &sev
	}

	if existing, ok := sh.byFingerprint[fingerprint]; ok {
		return &types.AppendResult{
			ReportID:  existing.ID,
			Duplicate: true,
			Previous:  prevOverall,
		}
	}

	stored := cloneReport(r)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}
	if n := len(sh.reports); n > 0 && stored.Timestamp.Before(sh.reports[n-1].Timestamp) {
		stored.OutOfOrder = true
	}

	sh.reports = append(sh.reports, stored)
	sh.byFingerprint[fingerprint] = stored

	return &types.AppendResult{
		ReportID:   stored.ID,
		OutOfOrder: stored.OutOfOrder,
		Previous:   prevOverall,
	}
}

// AppendReports stores a batch, skipping duplicates.
func (m *Memory) AppendReports(_ context.Context, reports []*types.Report) (int, error) {
	for _, r := range reports {
		if err := r.Validate(); err != nil {
			return 0, err
		}
	}

	appended := 0
	for _, r := range reports {
		sh := m.shard(r.MachineID, true)
		sh.mu.Lock()
		res := sh.append(r)
		sh.mu.Unlock()
		if !res.Duplicate {
			appended++
		}
	}
	return appended, nil
}

// LatestReport returns the machine's most recent report by arrival order.
func (m *Memory) LatestReport(_ context.Context, machineID string) (*types.Report, error) {
	sh := m.shard(machineID, false)
	if sh == nil {
		return nil, types.ErrUnknownMachine
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.reports) == 0 {
		return nil, types.ErrUnknownMachine
	}
	return cloneReport(sh.reports[len(sh.reports)-1]), nil
}

// MachineHistory returns reports newest-first by arrival order.
func (m *Memory) MachineHistory(_ context.Context, machineID string, q HistoryQuery) ([]*types.Report, error) {
	sh := m.shard(machineID, false)
	if sh == nil {
		return nil, types.ErrUnknownMachine
	}
	limit := clampHistoryLimit(q.Limit)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.reports) == 0 {
		return nil, types.ErrUnknownMachine
	}

	var out []*types.Report
	for i := len(sh.reports) - 1; i >= 0 && len(out) < limit; i-- {
		r := sh.reports[i]
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, cloneReport(r))
	}
	return out, nil
}

// snapshotLocked derives a snapshot from the shard's latest report.
// Assumes the shard lock is held; returns nil when the shard is empty.
func (sh *machineShard) snapshotLocked() *types.MachineSnapshot {
	n := len(sh.reports)
	if n == 0 {
		return nil
	}
	latest := sh.reports[n-1]
	return &types.MachineSnapshot{
		MachineID: latest.MachineID,
		OS:        latest.OS,
		LastSeen:  latest.ReceivedAt,
		Overall:   latest.Overall,
		Checks:    cloneChecks(latest.Checks),
	}
}

// ListMachines derives one snapshot per machine from its latest report.
func (m *Memory) ListMachines(_ context.Context, filter types.MachineFilter) ([]*types.MachineSnapshot, error) {
	limit := clampMachineLimit(filter.Limit)
	family := strings.ToLower(strings.TrimSpace(filter.OSFamily))

	m.mu.RLock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var snapshots []*types.MachineSnapshot
	for _, id := range ids {
		if len(snapshots) >= limit {
			break
		}
		sh := m.shard(id, false)
		if sh == nil {
			continue
		}
		sh.mu.Lock()
		snap := sh.snapshotLocked()
		sh.mu.Unlock()
		if snap == nil {
			continue
		}
		if family != "" && snap.OS.Family() != family {
			continue
		}
		if filter.HasIssues != nil && snap.HasIssues() != *filter.HasIssues {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// GetMachine returns one machine's snapshot.
func (m *Memory) GetMachine(_ context.Context, machineID string) (*types.MachineSnapshot, error) {
	sh := m.shard(machineID, false)
	if sh == nil {
		return nil, types.ErrUnknownMachine
	}
	sh.mu.Lock()
	snap := sh.snapshotLocked()
	sh.mu.Unlock()
	if snap == nil {
		return nil, types.ErrUnknownMachine
	}
	return snap, nil
}

// FleetOverview counts machines by current overall severity.
func (m *Memory) FleetOverview(_ context.Context) (*types.FleetOverview, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	overview := &types.FleetOverview{}
	for _, id := range ids {
		sh := m.shard(id, false)
		if sh == nil {
			continue
		}
		sh.mu.Lock()
		snap := sh.snapshotLocked()
		sh.mu.Unlock()
		if snap == nil {
			continue
		}
		overview.TotalMachines++
		switch snap.Overall {
		case types.SeverityOK:
			overview.OKMachines++
		case types.SeverityWarning:
			overview.WarningMachines++
		case types.SeverityCritical:
			overview.CriticalMachines++
		}
	}
	return overview, nil
}

// MachineIDs returns all known machine IDs, sorted.
func (m *Memory) MachineIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// PruneHistory removes reports per the policy; a machine's most recent report
// is never removed.
func (m *Memory) PruneHistory(_ context.Context, policy types.RetentionPolicy) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-policy.MaxAge)
	}

	m.mu.RLock()
	shards := make([]*machineShard, 0, len(m.shards))
	for _, sh := range m.shards {
		shards = append(shards, sh)
	}
	m.mu.RUnlock()

	var removed int64
	for _, sh := range shards {
		sh.mu.Lock()
		n := len(sh.reports)
		if n <= 1 {
			sh.mu.Unlock()
			continue
		}
		// The last report is exempt; everything before it is a candidate.
		keepFrom := 0
		if policy.MaxPerMachine > 0 && n > policy.MaxPerMachine {
			keepFrom = n - policy.MaxPerMachine
		}
		kept := sh.reports[:0:0]
		for i, r := range sh.reports {
			isLatest := i == n-1
			tooMany := i < keepFrom
			tooOld := !cutoff.IsZero() && r.ReceivedAt.Before(cutoff)
			if !isLatest && (tooMany || tooOld) {
				delete(sh.byFingerprint, r.Fingerprint())
				removed++
				continue
			}
			kept = append(kept, r)
		}
		sh.reports = kept
		sh.mu.Unlock()
	}
	return removed, nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *Memory) Close() {}

// cloneReport copies a report so callers can't mutate stored state.
func cloneReport(r *types.Report) *types.Report {
	clone := *r
	clone.Checks = cloneChecks(r.Checks)
	if r.Resources != nil {
		res := *r.Resources
		clone.Resources = &res
	}
	return &clone
}

func cloneChecks(checks map[types.CheckKind]types.ClassifiedCheck) map[types.CheckKind]types.ClassifiedCheck {
	out := make(map[types.CheckKind]types.ClassifiedCheck, len(checks))
	for k, v := range checks {
		out[k] = v
	}
	return out
}
