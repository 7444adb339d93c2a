package checker

import (
	"context"
	"strings"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// CheckAntivirus determines whether endpoint protection is running.
//
// Windows queries Defender through PowerShell, macOS checks Gatekeeper via
// spctl, and Linux looks for a running ClamAV daemon.
func (c *Checker) CheckAntivirus(ctx context.Context) types.CheckResult {
	var out string
	var err error
	var active bool
	var name string

	switch c.goos {
	case "darwin":
		out, err = c.run(ctx, "spctl", "--status")
		active = parseGatekeeperStatus(out)
		name = "Gatekeeper"
	case "windows":
		out, err = c.run(ctx, "powershell", "-Command", "Get-MpComputerStatus")
		active = parseDefenderStatus(out)
		name = "Windows Defender"
	default:
		out, err = c.run(ctx, "clamdscan", "--version")
		active = err == nil && out != ""
		name = "ClamAV"
	}

	if err != nil && out == "" {
		return unknownResult(types.CheckAntivirus, err.Error())
	}

	status := "inactive"
	if active {
		status = "active"
	}
	detail := name
	if lines := firstLines(out, 2); lines != "" {
		detail = name + ": " + lines
	}
	return types.CheckResult{
		Kind:      types.CheckAntivirus,
		RawStatus: status,
		Detail:    detail,
	}
}

// parseGatekeeperStatus reads spctl --status output, which prints
// "assessments enabled" or "assessments disabled".
func parseGatekeeperStatus(out string) bool {
	return strings.Contains(out, "assessments enabled")
}

// parseDefenderStatus reads Get-MpComputerStatus output.
func parseDefenderStatus(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "AntivirusEnabled") {
			return strings.Contains(line, "True")
		}
	}
	return false
}
