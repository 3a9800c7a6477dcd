// Package connector defines the contracts for the external systems the engine
// drives: data sources queried during investigation and validation, and the
// action backend that mutates infrastructure and takes snapshots.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/ppiankov/playwatch/internal/model"
)

// Querier answers investigation and validation queries.
type Querier interface {
	Query(ctx context.Context, qt model.QueryType, query string) (any, error)
}

// Actuator performs remediation actions and manages rollback points.
type Actuator interface {
	ExecuteAction(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	CreateSnapshot(ctx context.Context, resourceID string) (string, error)
	Rollback(ctx context.Context, snapshotID string) error
}

// Provider is a complete connector backend.
type Provider interface {
	Querier
	Actuator
	Name() string
	// Actions lists the remediation actions the provider can execute.
	Actions() []string
}

var (
	// ErrTransient marks errors worth retrying (rate limits, timeouts, 5xx).
	ErrTransient = errors.New("transient connector error")
	// ErrPermanent marks errors that retrying cannot fix (validation, permission).
	ErrPermanent = errors.New("permanent connector error")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient classifies err. Unmarked errors are permanent; per-call
// deadlines and network timeouts are transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// DefaultActions is the action catalog used when the configuration does not
// list one. It covers every action the built-in playbooks reference.
var DefaultActions = []string{
	"cleanup_disk",
	"expand_volume",
	"restart_instance",
	"restart_pod",
	"restart_service",
	"rollback_deployment",
	"scale_out",
}

// ActionSet returns a membership test over actions.
func ActionSet(actions []string) func(string) bool {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return func(a string) bool { return set[a] }
}

// Config selects and configures a provider.
type Config struct {
	Provider string         `yaml:"provider" validate:"omitempty,oneof=static http"`
	Actions  []string       `yaml:"actions"`
	Options  map[string]any `yaml:"options"`
}

// Factory builds a provider from configuration.
type Factory func(cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a provider available to Open. Providers register from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("connector: Register called twice for provider " + name)
	}
	factories[name] = f
}

// Providers lists registered provider names.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the configured provider. An empty provider name selects "static".
func Open(cfg Config) (Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = "static"
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = DefaultActions
	}
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector provider %q (registered: %v)", name, Providers())
	}
	return f(cfg)
}

// OptionString reads a string option.
func (c Config) OptionString(key, def string) string {
	if v, ok := c.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// OptionMap reads a nested map option.
func (c Config) OptionMap(key string) map[string]any {
	if v, ok := c.Options[key].(map[string]any); ok {
		return v
	}
	return nil
}
