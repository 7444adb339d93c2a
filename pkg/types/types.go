// Package types defines the core domain types shared between agent and control plane.
//
// # Design Principles
//
// 1. Closed sets: check kinds and severities are fixed enums, not free-form strings
// 2. Serialization: all types are JSON-serializable for API transport
// 3. Immutability: a Report is never mutated after it is built
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CHECKS
// =============================================================================

// CheckKind identifies one monitored compliance attribute of a machine.
type CheckKind string

const (
	CheckDiskEncryption CheckKind = "disk_encryption"
	CheckOSUpdates      CheckKind = "os_updates"
	CheckAntivirus      CheckKind = "antivirus"
	CheckSleepSettings  CheckKind = "sleep_settings"
)

// AllCheckKinds is the closed set of checks every report must carry,
// in canonical order. There are no dynamic check types.
var AllCheckKinds = []CheckKind{
	CheckDiskEncryption,
	CheckOSUpdates,
	CheckAntivirus,
	CheckSleepSettings,
}

// Valid reports whether k is a member of the fixed check set.
func (k CheckKind) Valid() bool {
	switch k {
	case CheckDiskEncryption, CheckOSUpdates, CheckAntivirus, CheckSleepSettings:
		return true
	}
	return false
}

// Severity is the normalized three-level classification of a check's health.
// The order is total: CRITICAL dominates WARNING dominates OK.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the wire representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// ParseSeverity parses the wire representation of a severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "ok":
		return SeverityOK, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityOK, fmt.Errorf("invalid severity: %q", s)
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a severity from its string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CheckResult is the unclassified result for one check, as submitted by the
// endpoint agent. RawStatus is a free-form lowercase token.
type CheckResult struct {
	Kind      CheckKind `json:"kind"`
	RawStatus string    `json:"raw_status"`
	Detail    string    `json:"detail,omitempty"`
}

// ClassifiedCheck is a CheckResult plus its derived severity.
type ClassifiedCheck struct {
	Kind      CheckKind `json:"kind"`
	RawStatus string    `json:"raw_status"`
	Severity  Severity  `json:"severity"`
	Detail    string    `json:"detail,omitempty"`
}

// =============================================================================
// MACHINES & REPORTS
// =============================================================================

// OSInfo describes the reporting machine's operating system.
type OSInfo struct {
	System  string `json:"system"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`
}

// Family returns the normalized OS family used for filtering (e.g. "darwin").
func (o OSInfo) Family() string {
	return strings.ToLower(strings.TrimSpace(o.System))
}

// ResourceUsage carries optional point-in-time resource metrics from the agent.
type ResourceUsage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
}

// IncomingReport is the wire form of a compliance report before classification.
type IncomingReport struct {
	MachineID string                    `json:"machine_id"`
	Timestamp time.Time                 `json:"timestamp"`
	OS        OSInfo                    `json:"os"`
	Checks    map[CheckKind]CheckResult `json:"checks"`
	Resources *ResourceUsage            `json:"resource_usage,omitempty"`
}

// ReportBatch is a batch of incoming reports shipped by an agent or relay.
type ReportBatch struct {
	BatchID   string           `json:"batch_id"`
	Reports   []IncomingReport `json:"reports"`
	CreatedAt time.Time        `json:"created_at"`
}

// Report is one full classified snapshot of all checks for one machine at one
// point in time. It is the atomic unit of history: created exactly once by the
// ingestion path and never updated afterwards.
type Report struct {
	ID         string                        `json:"id"`
	MachineID  string                        `json:"machine_id"`
	Timestamp  time.Time                     `json:"timestamp"`
	ReceivedAt time.Time                     `json:"received_at"`
	OS         OSInfo                        `json:"os"`
	Checks     map[CheckKind]ClassifiedCheck `json:"checks"`
	Overall    Severity                      `json:"overall_severity"`
	Resources  *ResourceUsage                `json:"resource_usage,omitempty"`

	// OutOfOrder is set when the report's timestamp preceded the machine's
	// latest at append time. The report is stored anyway; history is never
	// silently reordered.
	OutOfOrder bool `json:"out_of_order,omitempty"`
}

// Validate checks structural invariants: identity, timestamp, and exactly one
// check per kind in the fixed set.
func (r *Report) Validate() error {
	if r.MachineID == "" {
		return &MalformedReportError{Field: "machine_id", Reason: "required"}
	}
	if r.Timestamp.IsZero() {
		return &MalformedReportError{Field: "timestamp", Reason: "required"}
	}
	for _, kind := range AllCheckKinds {
		if _, ok := r.Checks[kind]; !ok {
			return &MalformedReportError{Field: string(kind), Reason: "missing check"}
		}
	}
	for kind := range r.Checks {
		if !kind.Valid() {
			return &MalformedReportError{Field: string(kind), Reason: "unknown check kind"}
		}
	}
	return nil
}

// Fingerprint returns a stable content hash of the report payload. Two
// submissions with the same machine, timestamp, and payload hash are the same
// report; storage treats the second as an idempotent no-op.
//
// Server-assigned fields (ID, ReceivedAt, OutOfOrder) are excluded.
func (r *Report) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.MachineID)
	b.WriteByte('|')
	b.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(r.OS.System)
	b.WriteByte('|')
	b.WriteString(r.OS.Version)
	b.WriteByte('|')
	b.WriteString(r.OS.Release)
	for _, kind := range AllCheckKinds {
		c := r.Checks[kind]
		b.WriteByte('|')
		b.WriteString(string(kind))
		b.WriteByte('=')
		b.WriteString(c.RawStatus)
		b.WriteByte(';')
		b.WriteString(c.Severity.String())
		b.WriteByte(';')
		b.WriteString(c.Detail)
	}
	if r.Resources != nil {
		fmt.Fprintf(&b, "|res=%.2f;%.2f;%.2f",
			r.Resources.CPUPercent, r.Resources.MemoryPercent, r.Resources.DiskUsagePercent)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MachineSnapshot is the most recent report for a machine plus identity fields.
// It is derived from history, never separately authoritative.
type MachineSnapshot struct {
	MachineID string                        `json:"machine_id"`
	OS        OSInfo                        `json:"os"`
	LastSeen  time.Time                     `json:"last_seen"`
	Overall   Severity                      `json:"overall_severity"`
	Checks    map[CheckKind]ClassifiedCheck `json:"checks"`
}

// HasIssues reports whether any check in the snapshot is CRITICAL.
func (s *MachineSnapshot) HasIssues() bool {
	for _, c := range s.Checks {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// MachineFilter narrows ListMachines results. Filters are evaluated against
// the already-classified snapshot, not raw data.
type MachineFilter struct {
	// OSFamily matches OSInfo.Family() case-insensitively when non-empty.
	OSFamily string
	// HasIssues, when set, keeps only machines with (or without) a CRITICAL check.
	HasIssues *bool
	// Limit caps the number of snapshots returned; 0 means server default.
	Limit int
}

// AppendResult describes the outcome of appending one report.
type AppendResult struct {
	ReportID string `json:"report_id"`
	// Duplicate is true when an identical report (same machine, timestamp,
	// and payload) was already stored; nothing was appended.
	Duplicate bool `json:"duplicate,omitempty"`
	// OutOfOrder is true when the report's timestamp preceded the machine's
	// latest. The report was stored and flagged.
	OutOfOrder bool `json:"out_of_order,omitempty"`
	// Previous is the machine's overall severity before this append,
	// nil for a machine's first report. Used for transition detection.
	Previous *Severity `json:"-"`
}

// RetentionPolicy bounds per-machine history. The most recent report for a
// machine is never evicted.
type RetentionPolicy struct {
	// MaxPerMachine caps stored reports per machine; 0 disables the count bound.
	MaxPerMachine int
	// MaxAge prunes reports received longer ago than this; 0 disables the age bound.
	MaxAge time.Duration
}

// Enabled reports whether the policy prunes anything at all.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxPerMachine > 0 || p.MaxAge > 0
}

// FleetOverview aggregates current compliance standing across all machines.
type FleetOverview struct {
	TotalMachines    int `json:"total_machines"`
	OKMachines       int `json:"ok_machines"`
	WarningMachines  int `json:"warning_machines"`
	CriticalMachines int `json:"critical_machines"`
}

// StatusChangeEvent is published when a machine's overall severity transitions.
type StatusChangeEvent struct {
	MachineID string    `json:"machine_id"`
	From      *Severity `json:"from,omitempty"`
	To        Severity  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	OS        OSInfo    `json:"os"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrUnknownMachine indicates a query for a machine that has never reported.
var ErrUnknownMachine = errors.New("unknown machine")

// MalformedReportError rejects an incoming report before classification.
// Nothing is stored; Field names the offending part of the payload.
type MalformedReportError struct {
	Field  string
	Reason string
}

func (e *MalformedReportError) Error() string {
	return fmt.Sprintf("malformed report: %s: %s", e.Field, e.Reason)
}

// IsMalformedReport reports whether err is a report validation failure.
func IsMalformedReport(err error) bool {
	var mre *MalformedReportError
	return errors.As(err, &mre)
}
