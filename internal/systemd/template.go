// Package systemd renders and checks the unit file that runs "playwatch serve".
package systemd

import (
	"fmt"
	"strings"
)

// UnitOptions parameterize the service unit.
type UnitOptions struct {
	Binary     string // absolute path of the playwatch binary
	ConfigPath string
	User       string
	StateDir   string // audit log, archive, and approvals live here
}

// DefaultUnitOptions match the layout init-systemd installs.
func DefaultUnitOptions() UnitOptions {
	return UnitOptions{
		Binary:     "/usr/local/bin/playwatch",
		ConfigPath: "/etc/playwatch/config.yaml",
		User:       "playwatch",
		StateDir:   "/var/lib/playwatch",
	}
}

// ServiceUnit returns the unit file for the engine service.
func ServiceUnit(o UnitOptions) string {
	d := DefaultUnitOptions()
	if o.Binary == "" {
		o.Binary = d.Binary
	}
	if o.ConfigPath == "" {
		o.ConfigPath = d.ConfigPath
	}
	if o.User == "" {
		o.User = d.User
	}
	if o.StateDir == "" {
		o.StateDir = d.StateDir
	}

	var b strings.Builder
	b.WriteString(`[Unit]
Description=playwatch playbook execution engine
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
`)
	fmt.Fprintf(&b, "User=%s\nGroup=%s\n", o.User, o.User)
	fmt.Fprintf(&b, "ExecStart=%s serve --config %s\n", o.Binary, o.ConfigPath)
	b.WriteString(`ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=2
TimeoutStopSec=30
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
`)
	fmt.Fprintf(&b, "ReadWritePaths=%s\n", o.StateDir)
	fmt.Fprintf(&b, "ReadOnlyPaths=%s\n", dir(o.ConfigPath))
	b.WriteString(`
[Install]
WantedBy=multi-user.target
`)
	return b.String()
}

// RequiredDirectives are the hardening lines a deployed unit must keep.
var RequiredDirectives = []string{
	"NoNewPrivileges=true",
	"PrivateTmp=true",
	"ProtectSystem=strict",
}

// MissingDirectives lists RequiredDirectives absent from unit.
func MissingDirectives(unit string) []string {
	var missing []string
	for _, d := range RequiredDirectives {
		if !hasLine(unit, d) {
			missing = append(missing, d)
		}
	}
	return missing
}

func hasLine(unit, line string) bool {
	for _, l := range strings.Split(unit, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

func dir(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return "/"
}
