// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/playwatch/internal/budget"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/observability"
	"github.com/ppiankov/playwatch/internal/ratelimit"
)

// Engine tunes run execution.
type Engine struct {
	Workers           int           `yaml:"workers"            validate:"gte=1,lte=64"`
	StepTimeout       time.Duration `yaml:"step_timeout"       validate:"gt=0"`
	ActionTimeout     time.Duration `yaml:"action_timeout"     validate:"gt=0"`
	PolicyTimeout     time.Duration `yaml:"policy_timeout"     validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval"      validate:"gt=0"`
	ApprovalSLA       time.Duration `yaml:"approval_sla"       validate:"gte=0"` // 0 disables
	MaxRunDuration    time.Duration `yaml:"max_run_duration"   validate:"gte=0"` // 0 disables
	ActionRetries     int           `yaml:"action_retries"     validate:"gte=1,lte=10"`
	RetryBase         time.Duration `yaml:"retry_base"         validate:"gt=0"`
	DefaultConfidence float64       `yaml:"default_confidence" validate:"gte=0,lte=1"`
}

// Policy locates the policy rules. Remote, when set, is the gRPC address of
// a playwatch server whose Authorize call replaces the local rules.
type Policy struct {
	Path   string `yaml:"path"`
	Remote string `yaml:"remote"`
}

// Server addresses.
type Server struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// Config is the whole configuration file.
type Config struct {
	Log         observability.LoggingConfig `yaml:"log"`
	Engine      Engine                      `yaml:"engine"`
	Policy      Policy                      `yaml:"policy"`
	BlastRadius budget.Config               `yaml:"blast_radius"`
	Connectors  connector.Config            `yaml:"connectors"`
	Notify      notify.Config               `yaml:"notify"`
	Server      Server                      `yaml:"server"`
	RateLimits  ratelimit.Config            `yaml:"rate_limits"`

	PlaybookDir string `yaml:"playbook_dir"`
	ApprovalDir string `yaml:"approval_dir"`
	AuditLog    string `yaml:"audit_log"`
	Archive     string `yaml:"archive"` // SQLite path; empty disables archiving
}

// Default returns the built-in configuration.
func Default() *Config {
	home := homeDir()
	return &Config{
		Log: observability.LoggingConfig{Level: observability.LogLevelInfo, Format: observability.LogFormatText},
		Engine: Engine{
			Workers:           4,
			StepTimeout:       30 * time.Second,
			ActionTimeout:     60 * time.Second,
			PolicyTimeout:     5 * time.Second,
			PollInterval:      2 * time.Second,
			ActionRetries:     3,
			RetryBase:         200 * time.Millisecond,
			DefaultConfidence: 0.9,
		},
		BlastRadius: budget.Config{Backend: "memory"},
		Connectors:  connector.Config{Provider: "static"},
		Server:      Server{GRPCAddr: "127.0.0.1:7443", HTTPAddr: "127.0.0.1:7480"},
		RateLimits:  ratelimit.Config{"*": {MaxTriggers: 5, Window: 10 * time.Minute}},
		PlaybookDir: filepath.Join(home, "playbooks"),
		ApprovalDir: filepath.Join(home, "approvals"),
		AuditLog:    filepath.Join(home, "audit.jsonl"),
		Archive:     filepath.Join(home, "runs.db"),
	}
}

// Load reads configuration from a YAML file.
// Empty path falls back to ~/.playwatch/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(homeDir(), "config.yaml")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.BlastRadius.Backend == "redis" && c.BlastRadius.Redis.Addr == "" {
		return fmt.Errorf("invalid config: blast_radius.redis.addr is required for the redis backend")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playwatch"
	}
	return filepath.Join(home, ".playwatch")
}

// DefaultYAML is written by "playwatch init-config".
func DefaultYAML() string {
	return `# playwatch engine configuration
log:
  level: info
  format: text

engine:
  workers: 4
  step_timeout: 30s
  action_timeout: 60s
  policy_timeout: 5s
  poll_interval: 2s
  approval_sla: 0s        # 0 waits for a human forever
  max_run_duration: 0s    # 0 disables the run deadline
  action_retries: 3
  retry_base: 200ms
  default_confidence: 0.9

policy:
  path: ""                # defaults to ~/.playwatch/policy.yaml
  remote: ""              # grpc address of a playwatch server

blast_radius:
  backend: memory         # memory | redis
  redis:
    addr: ""
    holder_ttl: 1h        # a crashed process's slots expire after this

connectors:
  provider: static        # static | http
  options: {}

notify:
  urgent_channel: urgent
  webhooks: []
  redact:                 # credentials are always masked; add site-specific secrets here
    extra_patterns: []
    literals: []

server:
  grpc_addr: 127.0.0.1:7443
  http_addr: 127.0.0.1:7480

rate_limits:              # per playbook; "*" covers the rest
  "*":
    max_triggers: 5
    window: 10m
`
}
