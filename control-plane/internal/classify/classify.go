// Package classify turns raw check statuses into severities and derives the
// overall machine status.
//
// # Design
//
// Classification is a fixed per-kind mapping table, not runtime-configurable.
// It never errors: unrecognized or missing statuses degrade to WARNING so the
// pipeline always produces a usable severity (fail toward visibility, never
// toward silence). Aggregation is the maximum severity over the fixed check
// set. Both are pure and safe for concurrent use.
package classify

import (
	"strings"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// statusTable maps, per check kind, known raw statuses to severities.
// Anything not listed classifies as WARNING.
var statusTable = map[types.CheckKind]map[string]types.Severity{
	types.CheckDiskEncryption: {
		"encrypted":   types.SeverityOK,
		"unencrypted": types.SeverityCritical,
	},
	types.CheckOSUpdates: {
		"up_to_date":        types.SeverityOK,
		"updates_available": types.SeverityCritical,
	},
	types.CheckAntivirus: {
		"active":   types.SeverityOK,
		"inactive": types.SeverityCritical,
	},
	types.CheckSleepSettings: {
		"ok":       types.SeverityOK,
		"too_long": types.SeverityCritical,
	},
}

// Classify maps one raw check result to its classified form. Matching is
// case-insensitive; an absent or empty raw status classifies as WARNING with a
// "missing status" detail.
func Classify(kind types.CheckKind, result types.CheckResult) types.ClassifiedCheck {
	classified := types.ClassifiedCheck{
		Kind:      kind,
		RawStatus: result.RawStatus,
		Detail:    result.Detail,
	}

	raw := strings.ToLower(strings.TrimSpace(result.RawStatus))
	if raw == "" {
		classified.Severity = types.SeverityWarning
		if classified.Detail == "" {
			classified.Detail = "missing status"
		}
		return classified
	}

	if sev, ok := statusTable[kind][raw]; ok {
		classified.Severity = sev
		return classified
	}

	classified.Severity = types.SeverityWarning
	return classified
}

// Aggregate combines one classified check per kind into the overall machine
// severity: the maximum over the fixed set. It requires exactly one check per
// kind and returns a MalformedReportError otherwise; there is no aggregation
// over partial sets.
func Aggregate(checks map[types.CheckKind]types.ClassifiedCheck) (types.Severity, error) {
	if len(checks) != len(types.AllCheckKinds) {
		for kind := range checks {
			if !kind.Valid() {
				return types.SeverityOK, &types.MalformedReportError{
					Field:  string(kind),
					Reason: "unknown check kind",
				}
			}
		}
	}

	overall := types.SeverityOK
	for _, kind := range types.AllCheckKinds {
		check, ok := checks[kind]
		if !ok {
			return types.SeverityOK, &types.MalformedReportError{
				Field:  string(kind),
				Reason: "missing check",
			}
		}
		if check.Severity > overall {
			overall = check.Severity
		}
	}
	return overall, nil
}

// BuildReport validates an incoming report, classifies each check, and derives
// the overall severity. The returned report carries no server-assigned fields
// yet (ID, ReceivedAt, OutOfOrder are set by the ingestion path).
//
// Classification and aggregation for one report are a single unit of work:
// fast, pure, and never cancelled mid-flight.
func BuildReport(in types.IncomingReport) (*types.Report, error) {
	if in.MachineID == "" {
		return nil, &types.MalformedReportError{Field: "machine_id", Reason: "required"}
	}
	if in.Timestamp.IsZero() {
		return nil, &types.MalformedReportError{Field: "timestamp", Reason: "required"}
	}
	for kind := range in.Checks {
		if !kind.Valid() {
			return nil, &types.MalformedReportError{Field: string(kind), Reason: "unknown check kind"}
		}
	}
	for _, kind := range types.AllCheckKinds {
		if _, ok := in.Checks[kind]; !ok {
			return nil, &types.MalformedReportError{Field: string(kind), Reason: "missing check"}
		}
	}

	checks := make(map[types.CheckKind]types.ClassifiedCheck, len(types.AllCheckKinds))
	for _, kind := range types.AllCheckKinds {
		checks[kind] = Classify(kind, in.Checks[kind])
	}

	overall, err := Aggregate(checks)
	if err != nil {
		return nil, err
	}

	return &types.Report{
		MachineID: in.MachineID,
		Timestamp: in.Timestamp.UTC(),
		OS:        in.OS,
		Checks:    checks,
		Overall:   overall,
		Resources: in.Resources,
	}, nil
}

// Recompute re-derives the overall severity of a stored report. The stored
// value is never trusted on its own; this keeps a recomputation path so the
// persisted overall can never drift from its checks.
func Recompute(r *types.Report) (types.Severity, error) {
	return Aggregate(r.Checks)
}
