package checker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// sleepThresholdMinutes is the longest display-sleep timeout that still
// counts as compliant. Machines that stay awake longer (or never sleep)
// report "too_long".
const sleepThresholdMinutes = 10

// CheckSleepSettings determines whether the inactivity sleep timeout is
// within policy.
//
// macOS reads pmset, Windows reads powercfg, and Linux only verifies that
// suspend-to-RAM is available at all.
func (c *Checker) CheckSleepSettings(ctx context.Context) types.CheckResult {
	var out string
	var err error
	var minutes int

	switch c.goos {
	case "darwin":
		out, err = c.run(ctx, "pmset", "-g")
		if err == nil {
			minutes, err = parsePmsetSleep(out)
		}
	case "windows":
		out, err = c.run(ctx, "powercfg", "/query", "SCHEME_CURRENT", "SUB_SLEEP")
		if err == nil {
			minutes, err = parsePowercfgSleep(out)
		}
	default:
		if _, statErr := os.Stat("/sys/power/mem_sleep"); statErr != nil {
			return unknownResult(types.CheckSleepSettings, "suspend-to-RAM not available")
		}
		data, readErr := os.ReadFile("/sys/power/mem_sleep")
		if readErr != nil {
			return unknownResult(types.CheckSleepSettings, readErr.Error())
		}
		out = string(data)
		minutes = 0
	}

	if err != nil {
		return unknownResult(types.CheckSleepSettings, err.Error())
	}

	status := "ok"
	if minutes > sleepThresholdMinutes {
		status = "too_long"
	}
	return types.CheckResult{
		Kind:      types.CheckSleepSettings,
		RawStatus: status,
		Detail:    fmt.Sprintf("sleep after %d minutes", minutes),
	}
}

// parsePmsetSleep extracts the sleep timeout in minutes from pmset -g
// output:
//
//	Currently in use:
//	 standby              1
//	 sleep                10
//	 displaysleep         5
func parsePmsetSleep(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "sleep" {
			minutes, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("unexpected pmset sleep value %q", fields[1])
			}
			return minutes, nil
		}
	}
	return 0, fmt.Errorf("no sleep setting in pmset output")
}

// parsePowercfgSleep extracts the AC sleep timeout from powercfg output.
// The value is reported in hex seconds:
//
//	Current AC Power Setting Index: 0x00000258
func parsePowercfgSleep(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Current AC Power Setting Index") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		raw := strings.TrimSpace(parts[1])
		seconds, err := strconv.ParseInt(strings.TrimPrefix(raw, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected powercfg value %q", raw)
		}
		return int(seconds / 60), nil
	}
	return 0, fmt.Errorf("no AC sleep setting in powercfg output")
}
