package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// UnitPath is where init-systemd installs the unit.
var UnitPath = "/etc/systemd/system/playwatch.service"

// UnderSystemd reports whether the process was started by systemd.
func UnderSystemd() bool {
	return os.Getenv("INVOCATION_ID") != ""
}

// CheckUnitFileIntegrity compares the unit file at unitPath against the
// install-time hash stored at hashPath and its hardening directives. It
// returns a warning, or "" when the unit is intact or checking does not
// apply (no unit file or no stored hash).
func CheckUnitFileIntegrity(unitPath, hashPath string) string {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return ""
	}
	if missing := MissingDirectives(string(data)); len(missing) > 0 {
		return fmt.Sprintf("systemd unit file %s lacks hardening: %s", unitPath, strings.Join(missing, ", "))
	}

	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expectedHash := strings.TrimSpace(string(stored))
	if len(expectedHash) != 64 {
		return ""
	}

	h := sha256.Sum256(data)
	actualHash := hex.EncodeToString(h[:])
	if actualHash == expectedHash {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expectedHash[:16], actualHash[:16])
}

// RecordUnitFileHash writes the SHA-256 of the unit file at unitPath to hashPath.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	h := sha256.Sum256(data)
	return os.WriteFile(hashPath, []byte(hex.EncodeToString(h[:])+"\n"), 0o600)
}
