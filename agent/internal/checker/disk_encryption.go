package checker

import (
	"context"
	"strings"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// CheckDiskEncryption determines whether the system disk is encrypted.
//
// macOS uses fdesetup (FileVault), Windows uses manage-bde (BitLocker), and
// Linux uses cryptsetup (LUKS).
func (c *Checker) CheckDiskEncryption(ctx context.Context) types.CheckResult {
	var out string
	var err error
	var encrypted bool

	switch c.goos {
	case "darwin":
		out, err = c.run(ctx, "fdesetup", "status")
		encrypted = parseFileVaultStatus(out)
	case "windows":
		out, err = c.run(ctx, "manage-bde", "-status")
		encrypted = parseBitLockerStatus(out)
	default:
		out, err = c.run(ctx, "cryptsetup", "status")
		encrypted = parseLUKSStatus(out)
	}

	if err != nil && out == "" {
		return unknownResult(types.CheckDiskEncryption, err.Error())
	}

	status := "unencrypted"
	if encrypted {
		status = "encrypted"
	}
	return types.CheckResult{
		Kind:      types.CheckDiskEncryption,
		RawStatus: status,
		Detail:    firstLines(out, 3),
	}
}

// parseFileVaultStatus reads fdesetup output. Example:
//
//	FileVault is On.
func parseFileVaultStatus(out string) bool {
	return strings.Contains(out, "FileVault is On")
}

// parseBitLockerStatus reads manage-bde -status output, which reports one
// conversion status line per volume.
func parseBitLockerStatus(out string) bool {
	return strings.Contains(out, "Fully Encrypted")
}

// parseLUKSStatus reads cryptsetup status output.
func parseLUKSStatus(out string) bool {
	return strings.Contains(out, "LUKS")
}
