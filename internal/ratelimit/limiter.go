// Package ratelimit throttles alert storms: repeated triggers of the same
// playbook against the same resource are refused once the configured burst
// is spent.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneAbove is the bucket count that triggers removal of idle buckets.
const pruneAbove = 1024

// Result is the outcome of a trigger check.
type Result struct {
	Exceeded   bool
	Key        string
	Limit      int
	RetryAfter time.Duration
	Reason     string
	PolicyID   string
}

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// Limiter keeps one token bucket per (playbook, resource). Safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

// New creates a limiter for cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow records a trigger of playbook for resource at now and reports
// whether it exceeds the limit. Refused triggers consume nothing.
func (l *Limiter) Allow(playbook, resource string, now time.Time) Result {
	limit := l.cfg.lookup(playbook)
	if !limit.active() {
		return Result{}
	}
	key := playbook + "/" + resource

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= pruneAbove {
			l.prune(now)
		}
		every := limit.Window / time.Duration(limit.MaxTriggers)
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(every), limit.MaxTriggers),
			window:  limit.Window,
		}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay == 0 {
		return Result{}
	}
	res.CancelAt(now)

	return Result{
		Exceeded:   true,
		Key:        key,
		Limit:      limit.MaxTriggers,
		RetryAfter: delay,
		Reason: fmt.Sprintf("trigger rate exceeded for %s: %d per %s, retry in %s",
			key, limit.MaxTriggers, limit.Window, delay.Round(time.Millisecond)),
		PolicyID: fmt.Sprintf("ratelimit.%s_exceeded", playbook),
	}
}

// prune drops buckets idle for longer than their window; a refilled bucket
// is indistinguishable from a new one. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= b.window {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
