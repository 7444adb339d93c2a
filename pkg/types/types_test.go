package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityOK < SeverityWarning && SeverityWarning < SeverityCritical) {
		t.Fatal("severity order must be OK < WARNING < CRITICAL")
	}
}

func TestSeverityRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityOK, SeverityWarning, SeverityCritical} {
		parsed, err := ParseSeverity(sev.String())
		if err != nil {
			t.Fatalf("ParseSeverity(%q): %v", sev.String(), err)
		}
		if parsed != sev {
			t.Errorf("round trip %v -> %q -> %v", sev, sev.String(), parsed)
		}
	}

	if _, err := ParseSeverity("catastrophic"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityCritical)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"critical"` {
		t.Errorf("marshal = %s, want %q", data, `"critical"`)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"warning"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != SeverityWarning {
		t.Errorf("unmarshal = %v, want warning", s)
	}

	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("expected error for bogus severity")
	}
}

func TestCheckKindValid(t *testing.T) {
	for _, kind := range AllCheckKinds {
		if !kind.Valid() {
			t.Errorf("%s should be valid", kind)
		}
	}
	if CheckKind("firewall").Valid() {
		t.Error("firewall is not in the fixed check set")
	}
}

func testReport(machineID string, ts time.Time) *Report {
	checks := make(map[CheckKind]ClassifiedCheck, len(AllCheckKinds))
	for _, kind := range AllCheckKinds {
		checks[kind] = ClassifiedCheck{Kind: kind, RawStatus: "ok", Severity: SeverityOK}
	}
	return &Report{
		MachineID: machineID,
		Timestamp: ts,
		OS:        OSInfo{System: "Darwin", Version: "23.1.0", Release: "14.1"},
		Checks:    checks,
		Overall:   SeverityOK,
	}
}

func TestReportValidate(t *testing.T) {
	now := time.Now()

	r := testReport("mac-001", now)
	if err := r.Validate(); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}

	missing := testReport("mac-001", now)
	delete(missing.Checks, CheckAntivirus)
	err := missing.Validate()
	if err == nil {
		t.Fatal("report missing antivirus should be rejected")
	}
	mre, ok := err.(*MalformedReportError)
	if !ok {
		t.Fatalf("expected MalformedReportError, got %T", err)
	}
	if mre.Field != string(CheckAntivirus) {
		t.Errorf("Field = %q, want %q", mre.Field, CheckAntivirus)
	}

	noID := testReport("", now)
	if err := noID.Validate(); err == nil {
		t.Error("report without machine_id should be rejected")
	}

	noTS := testReport("mac-001", time.Time{})
	if err := noTS.Validate(); err == nil {
		t.Error("report without timestamp should be rejected")
	}

	extra := testReport("mac-001", now)
	extra.Checks[CheckKind("firewall")] = ClassifiedCheck{Kind: "firewall", RawStatus: "on"}
	if err := extra.Validate(); err == nil {
		t.Error("report with unknown check kind should be rejected")
	}
}

func TestReportFingerprint(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := testReport("mac-001", ts)
	b := testReport("mac-001", ts)

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical reports must have identical fingerprints")
	}

	// Server-assigned fields must not affect the fingerprint.
	b.ID = "some-uuid"
	b.ReceivedAt = time.Now()
	b.OutOfOrder = true
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("server-assigned fields must not change the fingerprint")
	}

	c := testReport("mac-001", ts)
	av := c.Checks[CheckAntivirus]
	av.RawStatus = "inactive"
	av.Severity = SeverityCritical
	c.Checks[CheckAntivirus] = av
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("differing payloads must have differing fingerprints")
	}

	d := testReport("mac-002", ts)
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("differing machines must have differing fingerprints")
	}
}

func TestSnapshotHasIssues(t *testing.T) {
	snap := &MachineSnapshot{
		Checks: map[CheckKind]ClassifiedCheck{
			CheckDiskEncryption: {Severity: SeverityOK},
			CheckOSUpdates:      {Severity: SeverityWarning},
		},
	}
	if snap.HasIssues() {
		t.Error("warning-only snapshot should not have issues")
	}

	snap.Checks[CheckAntivirus] = ClassifiedCheck{Severity: SeverityCritical}
	if !snap.HasIssues() {
		t.Error("snapshot with a critical check should have issues")
	}
}

func TestOSFamily(t *testing.T) {
	os := OSInfo{System: "  Darwin "}
	if got := os.Family(); got != "darwin" {
		t.Errorf("Family() = %q, want darwin", got)
	}
}

func TestRetentionPolicyEnabled(t *testing.T) {
	if (RetentionPolicy{}).Enabled() {
		t.Error("zero policy should be disabled")
	}
	if !(RetentionPolicy{MaxPerMachine: 10}).Enabled() {
		t.Error("count-bounded policy should be enabled")
	}
	if !(RetentionPolicy{MaxAge: time.Hour}).Enabled() {
		t.Error("age-bounded policy should be enabled")
	}
}
