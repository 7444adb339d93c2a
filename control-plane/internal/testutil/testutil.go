// Package testutil provides testing utilities and fixtures for the control plane.
//
// Fixtures use functional options for customization:
//
//	report := testutil.FixtureReport("mac-001")
//	report := testutil.FixtureReport("mac-001", func(r *types.Report) {
//		r.OS.System = "windows"
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug-level logger for diagnosing test
// failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// CHECK FIXTURES
// =============================================================================

// FixtureChecksOK returns a full compliant classified check set.
func FixtureChecksOK() map[types.CheckKind]types.ClassifiedCheck {
	return map[types.CheckKind]types.ClassifiedCheck{
		types.CheckDiskEncryption: {Kind: types.CheckDiskEncryption, RawStatus: "encrypted", Severity: types.SeverityOK},
		types.CheckOSUpdates:      {Kind: types.CheckOSUpdates, RawStatus: "up_to_date", Severity: types.SeverityOK},
		types.CheckAntivirus:      {Kind: types.CheckAntivirus, RawStatus: "active", Severity: types.SeverityOK},
		types.CheckSleepSettings:  {Kind: types.CheckSleepSettings, RawStatus: "ok", Severity: types.SeverityOK},
	}
}

// FixtureChecksCritical returns a check set with an unencrypted disk.
func FixtureChecksCritical() map[types.CheckKind]types.ClassifiedCheck {
	checks := FixtureChecksOK()
	checks[types.CheckDiskEncryption] = types.ClassifiedCheck{
		Kind:      types.CheckDiskEncryption,
		RawStatus: "unencrypted",
		Severity:  types.SeverityCritical,
	}
	return checks
}

// =============================================================================
// REPORT FIXTURES
// =============================================================================

// FixtureReport creates a classified compliant report for a machine.
func FixtureReport(machineID string, overrides ...func(*types.Report)) *types.Report {
	report := &types.Report{
		ID:         uuid.New().String(),
		MachineID:  machineID,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		ReceivedAt: time.Now().UTC(),
		OS:         types.OSInfo{System: "darwin", Version: "14.4.1", Release: "23.4.0"},
		Checks:     FixtureChecksOK(),
		Overall:    types.SeverityOK,
	}

	for _, override := range overrides {
		override(report)
	}

	return report
}

// FixtureReportCritical creates a report with an unencrypted disk.
func FixtureReportCritical(machineID string, overrides ...func(*types.Report)) *types.Report {
	return FixtureReport(machineID, append([]func(*types.Report){
		func(r *types.Report) {
			r.Checks = FixtureChecksCritical()
			r.Overall = types.SeverityCritical
		},
	}, overrides...)...)
}

// FixtureIncomingReport creates an unclassified inbound payload, the shape
// agents submit before the server classifies it.
func FixtureIncomingReport(machineID string, overrides ...func(*types.IncomingReport)) *types.IncomingReport {
	in := &types.IncomingReport{
		MachineID: machineID,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		OS:        types.OSInfo{System: "darwin", Version: "14.4.1", Release: "23.4.0"},
		Checks: map[types.CheckKind]types.CheckResult{
			types.CheckDiskEncryption: {Kind: types.CheckDiskEncryption, RawStatus: "encrypted"},
			types.CheckOSUpdates:      {Kind: types.CheckOSUpdates, RawStatus: "up_to_date"},
			types.CheckAntivirus:      {Kind: types.CheckAntivirus, RawStatus: "active"},
			types.CheckSleepSettings:  {Kind: types.CheckSleepSettings, RawStatus: "ok"},
		},
	}

	for _, override := range overrides {
		override(in)
	}

	return in
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
