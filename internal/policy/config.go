package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Thresholds defines the confidence boundaries for gate decisions.
type Thresholds struct {
	AutoMin     float64 `yaml:"auto_min"`
	ApprovalMin float64 `yaml:"approval_min"`
}

// BlastRadius limits how much a single environment can be changed at once.
type BlastRadius struct {
	MaxConcurrent        int            `yaml:"max_concurrent"`
	MaxAffectedResources int            `yaml:"max_affected_resources"`
	Environments         map[string]int `yaml:"environments"`
}

// ConcurrentLimit returns the active-remediation cap for env. Zero means unlimited.
func (b BlastRadius) ConcurrentLimit(env string) int {
	if n, ok := b.Environments[env]; ok {
		return n
	}
	return b.MaxConcurrent
}

// Rule is an action policy rule evaluated in order (first match wins).
type Rule struct {
	Action          string `yaml:"action"`
	Environment     string `yaml:"environment"`
	ResourcePattern string `yaml:"resource_pattern"`
	Decision        string `yaml:"decision"`
	Reason          string `yaml:"reason"`
}

// PolicyConfig holds all configurable policy parameters.
type PolicyConfig struct {
	Thresholds  Thresholds  `yaml:"thresholds"`
	BlastRadius BlastRadius `yaml:"blast_radius"`
	Rules       []Rule      `yaml:"rules"`
}

// DefaultConfig returns the built-in policy config.
func DefaultConfig() *PolicyConfig {
	return &PolicyConfig{
		Thresholds: Thresholds{
			AutoMin:     0.85,
			ApprovalMin: 0.5,
		},
		BlastRadius: BlastRadius{
			MaxConcurrent:        5,
			MaxAffectedResources: 10,
		},
		Rules: []Rule{
			{
				Action:          "*",
				Environment:     "production",
				ResourcePattern: "*db*",
				Decision:        "deny",
				Reason:          "automated remediation of production databases is not allowed",
			},
		},
	}
}

// LoadConfig loads policy configuration from a YAML file.
// Empty path falls back to ~/.playwatch/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*PolicyConfig, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*PolicyConfig, string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultConfig(), emptyHash(), nil
		}
		path = filepath.Join(home, ".playwatch", "policy.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

func (c *PolicyConfig) check() error {
	t := c.Thresholds
	if t.ApprovalMin < 0 || t.AutoMin > 1 || t.ApprovalMin > t.AutoMin {
		return fmt.Errorf("invalid policy thresholds: need 0 <= approval_min (%g) <= auto_min (%g) <= 1", t.ApprovalMin, t.AutoMin)
	}
	if c.BlastRadius.MaxConcurrent < 0 || c.BlastRadius.MaxAffectedResources < 0 {
		return fmt.Errorf("invalid blast_radius: limits must not be negative")
	}
	return nil
}

// matchRule checks if a rule applies to the given action, environment, and resource.
// Action and environment: exact match, empty, or "*" for any.
// ResourcePattern: *x* for contains, *.ext for suffix, prefix* for prefix, exact otherwise.
// Matching is case-insensitive.
func matchRule(rule Rule, action, environment, resource string) bool {
	if !matchField(rule.Action, action) || !matchField(rule.Environment, environment) {
		return false
	}

	pattern := rule.ResourcePattern
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerResource := strings.ToLower(resource)
	lowerPattern := strings.ToLower(pattern)

	// *x*: contains
	if strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		inner := lowerPattern[1 : len(lowerPattern)-1]
		return strings.Contains(lowerResource, inner)
	}

	// *.ext: suffix
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerResource, lowerPattern[1:])
	}

	// prefix*
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerResource, lowerPattern[:len(lowerPattern)-1])
	}

	return lowerResource == lowerPattern
}

func matchField(want, got string) bool {
	return want == "" || want == "*" || strings.EqualFold(want, got)
}

// parseAllow maps a rule decision to allow/deny. Fail-closed: unknown → deny.
func parseAllow(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "allow")
}

// rulePolicyID generates a policy ID from a rule.
func rulePolicyID(rule Rule) string {
	part := func(s string) string {
		s = strings.Trim(s, "*.")
		if s == "" {
			return "all"
		}
		return s
	}
	return fmt.Sprintf("action.%s.%s.%s", part(rule.Action), part(rule.Environment), part(rule.ResourcePattern))
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# playwatch policy configuration
# Generated by: playwatch init-policy
#
# Gate order (cannot be changed):
#   1. Action rules below -> deny ends the run as Denied
#   2. Blast radius -> deny when a limit would be exceeded
#   3. critical risk -> escalate
#   4. confidence >= auto_min and risk low/medium -> auto_execute
#   5. approval_min <= confidence < auto_min -> require_approval
#   6. anything else -> escalate

thresholds:
  auto_min: 0.85
  approval_min: 0.5

# max_concurrent: active remediations per environment (0 = unlimited)
# max_affected_resources: per action, from params.affected_resources or len(params.resources)
blast_radius:
  max_concurrent: 5
  max_affected_resources: 10
  environments:
    production: 3

# Action rules evaluated in order. First match wins. No match allows.
# Fields:
#   action: action name or "*"
#   environment: environment name or "*"
#   resource_pattern: glob pattern (*db* = contains "db")
#   decision: allow | deny (anything else is treated as deny)
#   reason: human-readable reason (optional)
rules:
  - action: "*"
    environment: production
    resource_pattern: "*db*"
    decision: deny
    reason: "automated remediation of production databases is not allowed"
`
}
