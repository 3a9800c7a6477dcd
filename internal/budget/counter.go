// Package budget tracks the blast radius: how many remediations are active
// per environment. Counters are shared by every run and passed in explicitly.
package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Counter is a per-environment active-remediation counter. Acquire and
// Release are keyed by run id so both are idempotent.
type Counter interface {
	Current(ctx context.Context, environment string) (int, error)
	// Acquire takes a slot for runID unless the environment already holds
	// limit slots. A limit of zero means unlimited.
	Acquire(ctx context.Context, environment, runID string, limit int) (bool, error)
	Release(ctx context.Context, environment, runID string) error
}

// Open builds the configured counter.
func Open(cfg Config) (Counter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.Redis)
	}
	return nil, fmt.Errorf("unknown blast-radius backend %q", cfg.Backend)
}

// Memory is an in-process counter built on atomic compare-and-swap.
type Memory struct {
	counters sync.Map // environment → *atomic.Int64
	holders  sync.Map // run id → environment
}

// NewMemory creates an empty in-process counter.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) counter(env string) *atomic.Int64 {
	c, _ := m.counters.LoadOrStore(env, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (m *Memory) Current(_ context.Context, env string) (int, error) {
	return int(m.counter(env).Load()), nil
}

func (m *Memory) Acquire(_ context.Context, env, runID string, limit int) (bool, error) {
	if _, held := m.holders.LoadOrStore(runID, env); held {
		return true, nil
	}
	c := m.counter(env)
	for {
		cur := c.Load()
		if limit > 0 && cur >= int64(limit) {
			m.holders.Delete(runID)
			return false, nil
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (m *Memory) Release(_ context.Context, _ string, runID string) error {
	if env, held := m.holders.LoadAndDelete(runID); held {
		m.counter(env.(string)).Add(-1)
	}
	return nil
}
