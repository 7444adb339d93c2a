// Package checker collects the compliance posture of the local machine.
//
// # Checks
//
// Four checks run on every collection cycle:
//   - disk_encryption: FileVault / BitLocker / LUKS
//   - os_updates: softwareupdate / wmic / apt / yum
//   - antivirus: Gatekeeper / Windows Defender / ClamAV
//   - sleep_settings: pmset / powercfg / /sys/power/mem_sleep
//
// Each check shells out to the platform tool and reduces its output to a
// raw status token. A missing tool or failed command yields "unknown";
// classification happens server-side, never here.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// commandRunner executes a system command and returns its combined output.
// Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Checker collects compliance checks for the local machine.
type Checker struct {
	logger *slog.Logger
	run    commandRunner

	// goos selects the platform command set. Defaults to runtime.GOOS.
	goos string

	// machineID is computed once; system identity does not change while
	// the agent runs.
	machineID string
}

// New creates a checker for the current platform.
func New(logger *slog.Logger) *Checker {
	return &Checker{
		logger: logger,
		run:    runCommand,
		goos:   runtime.GOOS,
	}
}

// runCommand looks up and executes a command, returning combined output.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		// Many platform tools exit non-zero while still printing usable
		// output (yum check-update, fdesetup). Keep what we got.
		return string(out), err
	}
	return string(out), nil
}

// MachineID returns a stable identifier for this machine, derived from the
// OS, hostname, and architecture.
func (c *Checker) MachineID() string {
	if c.machineID != "" {
		return c.machineID
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	c.machineID = fmt.Sprintf("%s-%s-%s", c.goos, hostname, runtime.GOARCH)
	return c.machineID
}

// Collect runs all checks and assembles an unclassified report.
func (c *Checker) Collect(ctx context.Context) *types.IncomingReport {
	report := &types.IncomingReport{
		MachineID: c.MachineID(),
		Timestamp: time.Now().UTC(),
		OS:        c.osInfo(ctx),
		Checks: map[types.CheckKind]types.CheckResult{
			types.CheckDiskEncryption: c.CheckDiskEncryption(ctx),
			types.CheckOSUpdates:      c.CheckOSUpdates(ctx),
			types.CheckAntivirus:      c.CheckAntivirus(ctx),
			types.CheckSleepSettings:  c.CheckSleepSettings(ctx),
		},
	}

	if res, err := c.collectResources(ctx); err != nil {
		c.logger.Warn("resource collection failed", "error", err)
	} else {
		report.Resources = res
	}

	for kind, check := range report.Checks {
		c.logger.Debug("check complete", "check", kind, "status", check.RawStatus)
	}

	return report
}

// osInfo describes the local operating system, preferring detailed platform
// data over bare GOOS.
func (c *Checker) osInfo(ctx context.Context) types.OSInfo {
	info := types.OSInfo{System: c.goos}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		c.logger.Debug("host info unavailable", "error", err)
		return info
	}
	info.Version = hi.PlatformVersion
	info.Release = hi.KernelVersion
	return info
}

// unknownResult builds the result for a check that could not run.
func unknownResult(kind types.CheckKind, reason string) types.CheckResult {
	return types.CheckResult{
		Kind:      kind,
		RawStatus: "unknown",
		Detail:    reason,
	}
}

// firstLines truncates command output for the detail field.
func firstLines(out string, n int) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
