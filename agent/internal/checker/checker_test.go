package checker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/fleet-net/comply-mon/pkg/types"
)

func TestParseFileVaultStatus(t *testing.T) {
	tests := []struct {
		out  string
		want bool
	}{
		{"FileVault is On.", true},
		{"FileVault is Off.", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := parseFileVaultStatus(tt.out); got != tt.want {
			t.Errorf("parseFileVaultStatus(%q) = %v, want %v", tt.out, got, tt.want)
		}
	}
}

func TestParseBitLockerStatus(t *testing.T) {
	encrypted := `Volume C: [OS]
    Conversion Status:    Fully Encrypted
    Percentage Encrypted: 100.0%`
	plain := `Volume C: [OS]
    Conversion Status:    Fully Decrypted
    Percentage Encrypted: 0.0%`

	if !parseBitLockerStatus(encrypted) {
		t.Error("fully encrypted volume should report encrypted")
	}
	if parseBitLockerStatus(plain) {
		t.Error("decrypted volume should not report encrypted")
	}
}

func TestParseLUKSStatus(t *testing.T) {
	if !parseLUKSStatus("/dev/mapper/root is active.\n  type:    LUKS2") {
		t.Error("LUKS volume should report encrypted")
	}
	if parseLUKSStatus("/dev/mapper/root is inactive.") {
		t.Error("inactive mapping should not report encrypted")
	}
}

func TestParseSoftwareUpdate(t *testing.T) {
	current := "Software Update Tool\n\nFinding available software\nNo new software available."
	pending := "Software Update Tool\n\n* Label: macOS Sonoma 14.5\n    Title: macOS Sonoma"

	if parseSoftwareUpdate(current) {
		t.Error("up-to-date system should not report pending updates")
	}
	if !parseSoftwareUpdate(pending) {
		t.Error("available update should report pending")
	}
}

func TestParseAptUpgrade(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want bool
	}{
		{
			"current",
			"Reading package lists...\n0 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.",
			false,
		},
		{
			"pending",
			"Reading package lists...\nInst libssl3 [3.0.2-0ubuntu1.10]\n12 upgraded, 0 newly installed, 0 to remove and 3 not upgraded.",
			true,
		},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseAptUpgrade(tt.out); got != tt.want {
				t.Errorf("parseAptUpgrade = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseGatekeeperStatus(t *testing.T) {
	if !parseGatekeeperStatus("assessments enabled") {
		t.Error("enabled assessments should report active")
	}
	if parseGatekeeperStatus("assessments disabled") {
		t.Error("disabled assessments should not report active")
	}
}

func TestParseDefenderStatus(t *testing.T) {
	active := "AMEngineVersion    : 1.1.24050.5\nAntivirusEnabled   : True\nAntispywareEnabled : True"
	inactive := "AMEngineVersion    : 1.1.24050.5\nAntivirusEnabled   : False"

	if !parseDefenderStatus(active) {
		t.Error("enabled Defender should report active")
	}
	if parseDefenderStatus(inactive) {
		t.Error("disabled Defender should not report active")
	}
	if parseDefenderStatus("") {
		t.Error("empty output should not report active")
	}
}

func TestParsePmsetSleep(t *testing.T) {
	out := `System-wide power settings:
Currently in use:
 standby              1
 sleep                10
 displaysleep         5`

	minutes, err := parsePmsetSleep(out)
	if err != nil {
		t.Fatal(err)
	}
	if minutes != 10 {
		t.Errorf("minutes = %d, want 10", minutes)
	}

	if _, err := parsePmsetSleep("no such settings"); err == nil {
		t.Error("expected error for output without a sleep line")
	}
}

func TestParsePowercfgSleep(t *testing.T) {
	out := `Subgroup GUID: 238c9fa8-0aad-41ed-83f4-97be242c8f20  (Sleep)
    Power Setting GUID: 29f6c1db-86da-48c5-9fdb-f2b67b1f44da  (Sleep after)
      Current AC Power Setting Index: 0x00000258
      Current DC Power Setting Index: 0x0000012c`

	minutes, err := parsePowercfgSleep(out)
	if err != nil {
		t.Fatal(err)
	}
	if minutes != 10 {
		t.Errorf("minutes = %d, want 10 (0x258 seconds)", minutes)
	}

	if _, err := parsePowercfgSleep(""); err == nil {
		t.Error("expected error for empty output")
	}
}

func TestFirstLines(t *testing.T) {
	out := "one\ntwo\nthree\nfour"
	if got := firstLines(out, 2); got != "one\ntwo" {
		t.Errorf("firstLines = %q", got)
	}
	if got := firstLines("single", 3); got != "single" {
		t.Errorf("firstLines = %q", got)
	}
}

// fakeRunner returns canned output per command name.
func fakeRunner(outputs map[string]string) commandRunner {
	return func(_ context.Context, name string, _ ...string) (string, error) {
		out, ok := outputs[name]
		if !ok {
			return "", fmt.Errorf("%s not found", name)
		}
		return out, nil
	}
}

func newTestChecker(goos string, outputs map[string]string) *Checker {
	return &Checker{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		run:    fakeRunner(outputs),
		goos:   goos,
	}
}

func TestCollectDarwin(t *testing.T) {
	c := newTestChecker("darwin", map[string]string{
		"fdesetup":       "FileVault is On.",
		"softwareupdate": "No new software available.",
		"spctl":          "assessments enabled",
		"pmset":          "Currently in use:\n sleep                5\n",
	})

	report := c.Collect(context.Background())

	if report.MachineID == "" {
		t.Fatal("machine ID should not be empty")
	}
	if !strings.HasPrefix(report.MachineID, "darwin-") {
		t.Errorf("machine ID = %q, want darwin- prefix", report.MachineID)
	}
	if report.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if len(report.Checks) != 4 {
		t.Fatalf("checks = %d, want 4", len(report.Checks))
	}

	want := map[types.CheckKind]string{
		types.CheckDiskEncryption: "encrypted",
		types.CheckOSUpdates:      "up_to_date",
		types.CheckAntivirus:      "active",
		types.CheckSleepSettings:  "ok",
	}
	for kind, status := range want {
		if got := report.Checks[kind].RawStatus; got != status {
			t.Errorf("%s status = %q, want %q", kind, got, status)
		}
	}
}

func TestCollectMissingTools(t *testing.T) {
	c := newTestChecker("darwin", map[string]string{})

	report := c.Collect(context.Background())

	for _, kind := range types.AllCheckKinds {
		check, ok := report.Checks[kind]
		if !ok {
			t.Fatalf("missing check %s", kind)
		}
		if check.RawStatus != "unknown" {
			t.Errorf("%s status = %q, want unknown when tool is missing", kind, check.RawStatus)
		}
		if check.Detail == "" {
			t.Errorf("%s should carry the failure reason", kind)
		}
	}
}

func TestCollectSleepTooLong(t *testing.T) {
	c := newTestChecker("darwin", map[string]string{
		"fdesetup":       "FileVault is On.",
		"softwareupdate": "No new software available.",
		"spctl":          "assessments enabled",
		"pmset":          "Currently in use:\n sleep                60\n",
	})

	report := c.Collect(context.Background())
	if got := report.Checks[types.CheckSleepSettings].RawStatus; got != "too_long" {
		t.Errorf("sleep status = %q, want too_long for 60 minute timeout", got)
	}
}
