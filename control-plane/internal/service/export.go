package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/control-plane/internal/store"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// ExportFilter narrows a CSV export. All fields are optional.
type ExportFilter struct {
	MachineID string
	OSFamily  string
	// CheckKind and Status filter together: only reports where the named
	// check has the given raw status are exported.
	CheckKind types.CheckKind
	Status    string
	Since     time.Time
	Until     time.Time
}

// csvHeader is the column set of the compliance export.
var csvHeader = []string{
	"Timestamp", "Machine ID", "OS System", "OS Version", "OS Release",
	"Overall Severity",
	"Disk Encryption Status", "Disk Encryption Details",
	"OS Updates Status", "OS Updates Details",
	"Antivirus Status", "Antivirus Details",
	"Sleep Settings Status", "Sleep Settings Details",
	"CPU Usage %", "Memory Usage %", "Disk Usage %",
}

// ExportCSV streams stored reports as CSV, newest-first per machine. Each
// machine contributes at most MaxHistoryLimit reports per export.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter ExportFilter) error {
	var machineIDs []string
	if filter.MachineID != "" {
		machineIDs = []string{filter.MachineID}
	} else {
		ids, err := s.store.MachineIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing machines for export: %w", err)
		}
		machineIDs = ids
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	family := strings.ToLower(strings.TrimSpace(filter.OSFamily))
	for _, id := range machineIDs {
		reports, err := s.store.MachineHistory(ctx, id, store.HistoryQuery{
			Limit: config.MaxHistoryLimit,
			Since: filter.Since,
			Until: filter.Until,
		})
		if err != nil {
			if filter.MachineID != "" {
				return err
			}
			// A machine can disappear between the ID listing and the read.
			s.logger.Warn("skipping machine during export", "machine_id", id, "error", err)
			continue
		}

		for _, r := range reports {
			if family != "" && r.OS.Family() != family {
				continue
			}
			if filter.CheckKind != "" && filter.Status != "" {
				check, ok := r.Checks[filter.CheckKind]
				if !ok || !strings.EqualFold(check.RawStatus, filter.Status) {
					continue
				}
			}
			if err := cw.Write(csvRow(r)); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvRow(r *types.Report) []string {
	row := []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.MachineID,
		r.OS.System,
		r.OS.Version,
		r.OS.Release,
		r.Overall.String(),
	}
	for _, kind := range types.AllCheckKinds {
		check := r.Checks[kind]
		row = append(row, check.RawStatus, check.Detail)
	}
	if r.Resources != nil {
		row = append(row,
			formatPercent(r.Resources.CPUPercent),
			formatPercent(r.Resources.MemoryPercent),
			formatPercent(r.Resources.DiskUsagePercent),
		)
	} else {
		row = append(row, "N/A", "N/A", "N/A")
	}
	return row
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
