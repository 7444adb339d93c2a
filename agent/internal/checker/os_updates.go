package checker

import (
	"context"
	"os"
	"strings"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// CheckOSUpdates determines whether OS updates are pending.
//
// macOS asks softwareupdate, Windows lists installed hotfixes via wmic, and
// Linux consults apt on Debian-family systems or yum elsewhere.
func (c *Checker) CheckOSUpdates(ctx context.Context) types.CheckResult {
	var out string
	var err error
	var pending bool

	switch c.goos {
	case "darwin":
		out, err = c.run(ctx, "softwareupdate", "-l")
		pending = parseSoftwareUpdate(out)
	case "windows":
		out, err = c.run(ctx, "wmic", "qfe", "list", "brief")
		// wmic only lists what is installed; treat a response as current.
		pending = false
	default:
		if _, statErr := os.Stat("/etc/debian_version"); statErr == nil {
			out, err = c.run(ctx, "apt-get", "-s", "upgrade")
			pending = parseAptUpgrade(out)
		} else {
			out, err = c.run(ctx, "yum", "check-update")
			// yum check-update exits 100 when updates exist.
			pending = err != nil && out != ""
		}
	}

	if err != nil && out == "" {
		return unknownResult(types.CheckOSUpdates, err.Error())
	}

	status := "up_to_date"
	if pending {
		status = "updates_available"
	}
	return types.CheckResult{
		Kind:      types.CheckOSUpdates,
		RawStatus: status,
		Detail:    firstLines(out, 5),
	}
}

// parseSoftwareUpdate reads softwareupdate -l output. When current it prints
// "No new software available."
func parseSoftwareUpdate(out string) bool {
	return !strings.Contains(out, "No new software available")
}

// parseAptUpgrade reads apt-get -s upgrade output. The summary line is
//
//	0 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.
func parseAptUpgrade(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "upgraded,") {
			return !strings.HasPrefix(strings.TrimSpace(line), "0 upgraded")
		}
	}
	return false
}
