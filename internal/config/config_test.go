package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.PollInterval != 2*time.Second || cfg.Engine.ActionRetries != 3 || cfg.Engine.DefaultConfidence != 0.9 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.BlastRadius.Backend != "memory" || cfg.Connectors.Provider != "static" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestDefaultYAMLIsValid(t *testing.T) {
	cfg, err := Load(write(t, DefaultYAML()))
	if err != nil {
		t.Fatalf("default YAML rejected: %v", err)
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:7443" {
		t.Errorf("grpc addr = %q", cfg.Server.GRPCAddr)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	cfg, err := Load(write(t, "engine:\n  poll_interval: 500ms\n  approval_sla: 15m\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.PollInterval != 500*time.Millisecond || cfg.Engine.ApprovalSLA != 15*time.Minute {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("workers default lost: %d", cfg.Engine.Workers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"bad yaml", "engine: [", "parse"},
		{"zero workers", "engine:\n  workers: 0\n", "Workers"},
		{"confidence above one", "engine:\n  default_confidence: 1.5\n", "DefaultConfidence"},
		{"unknown backend", "blast_radius:\n  backend: etcd\n", "Backend"},
		{"redis without addr", "blast_radius:\n  backend: redis\n", "redis.addr"},
		{"unknown provider", "connectors:\n  provider: ssh\n", "Provider"},
		{"webhook without url", "notify:\n  webhooks:\n    - format: slack\n", "URL"},
		{"bad log level", "log:\n  level: loud\n", "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestRateLimitsOverride(t *testing.T) {
	cfg, err := Load(write(t, "rate_limits:\n  high_cpu:\n    max_triggers: 2\n    window: 1m\n"))
	if err != nil {
		t.Fatal(err)
	}
	l := cfg.RateLimits["high_cpu"]
	if l == nil || l.MaxTriggers != 2 || l.Window != time.Minute {
		t.Errorf("high_cpu limit = %+v", l)
	}
	if cfg.RateLimits["*"] == nil {
		t.Error("default wildcard limit lost")
	}
}
