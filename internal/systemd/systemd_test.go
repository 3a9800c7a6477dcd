package systemd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceUnitDefaults(t *testing.T) {
	unit := ServiceUnit(UnitOptions{})

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(unit, section) {
			t.Errorf("unit missing section %s", section)
		}
	}
	for _, want := range []string{
		"User=playwatch",
		"ExecStart=/usr/local/bin/playwatch serve --config /etc/playwatch/config.yaml",
		"ReadWritePaths=/var/lib/playwatch",
		"ReadOnlyPaths=/etc/playwatch",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q", want)
		}
	}
	if missing := MissingDirectives(unit); len(missing) != 0 {
		t.Errorf("generated unit lacks %v", missing)
	}
}

func TestServiceUnitOverrides(t *testing.T) {
	unit := ServiceUnit(UnitOptions{Binary: "/opt/pw/playwatch", ConfigPath: "/srv/pw.yaml", User: "ops", StateDir: "/srv/state"})
	for _, want := range []string{"User=ops", "ExecStart=/opt/pw/playwatch serve --config /srv/pw.yaml", "ReadWritePaths=/srv/state", "ReadOnlyPaths=/srv"} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q", want)
		}
	}
}

func TestMissingDirectives(t *testing.T) {
	unit := "[Service]\nNoNewPrivileges=true\n# PrivateTmp=true\n"
	missing := MissingDirectives(unit)
	if len(missing) != 2 || missing[0] != "PrivateTmp=true" || missing[1] != "ProtectSystem=strict" {
		t.Errorf("missing = %v", missing)
	}
}

func writeUnit(t *testing.T, content string) (unitPath, hashPath string) {
	t.Helper()
	dir := t.TempDir()
	unitPath = filepath.Join(dir, "playwatch.service")
	hashPath = filepath.Join(dir, "unit-file.sha256")
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return unitPath, hashPath
}

func TestCheckUnitFileIntegrity(t *testing.T) {
	unitPath, hashPath := writeUnit(t, ServiceUnit(UnitOptions{}))

	if msg := CheckUnitFileIntegrity(filepath.Join(t.TempDir(), "none.service"), hashPath); msg != "" {
		t.Errorf("no unit file: got %q", msg)
	}
	if msg := CheckUnitFileIntegrity(unitPath, hashPath); msg != "" {
		t.Errorf("no stored hash: got %q", msg)
	}

	if err := RecordUnitFileHash(unitPath, hashPath); err != nil {
		t.Fatal(err)
	}
	if msg := CheckUnitFileIntegrity(unitPath, hashPath); msg != "" {
		t.Errorf("matching hash: got %q", msg)
	}

	modified := ServiceUnit(UnitOptions{User: "root"})
	if err := os.WriteFile(unitPath, []byte(modified), 0o644); err != nil {
		t.Fatal(err)
	}
	if msg := CheckUnitFileIntegrity(unitPath, hashPath); !strings.Contains(msg, "modified since installation") {
		t.Errorf("modified unit: got %q", msg)
	}
}

func TestCheckUnitFileIntegrityHardening(t *testing.T) {
	unitPath, hashPath := writeUnit(t, "[Service]\nExecStart=/usr/local/bin/playwatch serve\n")
	msg := CheckUnitFileIntegrity(unitPath, hashPath)
	if !strings.Contains(msg, "lacks hardening") || !strings.Contains(msg, "ProtectSystem=strict") {
		t.Errorf("got %q", msg)
	}
}

func TestRecordUnitFileHashMissing(t *testing.T) {
	if err := RecordUnitFileHash(filepath.Join(t.TempDir(), "none.service"), filepath.Join(t.TempDir(), "h")); err == nil {
		t.Error("expected error for missing unit file")
	}
}
