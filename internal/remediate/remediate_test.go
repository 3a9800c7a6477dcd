package remediate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/connector/static"
	"github.com/ppiankov/playwatch/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond, Factor: 2}
}

func TestExecuteSnapshotsBeforeAction(t *testing.T) {
	p := static.New()
	x := &Executor{Actuator: p, Retry: fastRetry()}

	var persisted string
	var executesAtPersist int
	out, err := x.Execute(context.Background(), Request{RunID: "r-1", ResourceID: "i-1", Action: "restart_instance"}, func(id string) {
		persisted = id
		executesAtPersist = len(p.Calls("execute"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if persisted == "" || persisted != out.SnapshotID {
		t.Errorf("persisted %q, outcome %q", persisted, out.SnapshotID)
	}
	if executesAtPersist != 0 {
		t.Error("snapshot id must be reported before the action runs")
	}
	if out.Attempts != 1 || out.Result["status"] != "ok" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestExecuteSnapshotFailureIsFatal(t *testing.T) {
	p := static.New()
	p.SnapshotFunc = func(context.Context, string) (string, error) {
		return "", connector.Permanent(errors.New("snapshots unsupported"))
	}
	x := &Executor{Actuator: p, Retry: fastRetry()}

	called := false
	_, err := x.Execute(context.Background(), Request{ResourceID: "i-1", Action: "restart_instance"}, func(string) { called = true })
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("expected ErrSnapshotUnavailable, got %v", err)
	}
	if called || len(p.Calls("execute")) != 0 {
		t.Error("nothing may run after a failed snapshot")
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	var n atomic.Int32
	p := static.New()
	p.ActionFunc = func(context.Context, string, map[string]any) (map[string]any, error) {
		if n.Add(1) < 3 {
			return nil, connector.Transient(errors.New("throttled"))
		}
		return map[string]any{"ok": true}, nil
	}
	x := &Executor{Actuator: p, Retry: fastRetry()}
	out, err := x.Execute(context.Background(), Request{ResourceID: "i-1", Action: "scale_out"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	if got := len(p.Calls("snapshot")); got != 1 {
		t.Errorf("snapshots = %d, want 1", got)
	}
}

func TestExecuteStopsOnPermanent(t *testing.T) {
	p := static.New()
	p.ActionFunc = func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, connector.Permanent(errors.New("forbidden"))
	}
	x := &Executor{Actuator: p, Retry: fastRetry()}
	out, err := x.Execute(context.Background(), Request{ResourceID: "i-1", Action: "scale_out"}, nil)
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ActionError, got %v", err)
	}
	if ae.Attempts != 1 || out.SnapshotID == "" {
		t.Errorf("attempts = %d, snapshot = %q", ae.Attempts, out.SnapshotID)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	p := static.New()
	p.ActionFunc = func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, connector.Transient(errors.New("timeout"))
	}
	x := &Executor{Actuator: p, Retry: fastRetry()}
	_, err := x.Execute(context.Background(), Request{ResourceID: "i-1", Action: "scale_out"}, nil)
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %v", err)
	}
	if len(p.Calls("execute")) != 3 {
		t.Errorf("execute calls = %d", len(p.Calls("execute")))
	}
}

func TestLocksAreExclusivePerTarget(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()

	release, err := l.Lock(ctx, "prod", "i-1", "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if owner, ok := l.Holder("prod", "i-1"); !ok || owner != "r-1" {
		t.Errorf("holder = %q %v", owner, ok)
	}

	// Another resource is independent.
	other, err := l.Lock(ctx, "prod", "i-2", "r-2")
	if err != nil {
		t.Fatal(err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, "prod", "i-1", "r-3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline waiting for held lock, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := l.Lock(ctx, "prod", "i-1", "r-4")
		if err == nil {
			close(acquired)
			rel()
		}
	}()
	release()
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestLocksSerializeConcurrentHolders(t *testing.T) {
	l := NewLocks()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Lock(context.Background(), "staging", "web-1", "r")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			rel()
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak.Load())
	}
}

func newRedisLocks(t *testing.T, ttl time.Duration) (*RedisLocks, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &RedisLocks{Client: client, Prefix: "test:", TTL: ttl, Poll: 5 * time.Millisecond}, mr
}

func TestRedisLocksExclusiveUntilRelease(t *testing.T) {
	locks, mr := newRedisLocks(t, time.Minute)

	release, err := locks.Lock(context.Background(), "prod", "i-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.Get("test:prod/i-1"); got != "run-1" {
		t.Errorf("lock value = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "prod", "i-1", "run-2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second holder err = %v", err)
	}

	release()
	release()
	if mr.Exists("test:prod/i-1") {
		t.Error("lock still present after release")
	}
	again, err := locks.Lock(context.Background(), "prod", "i-1", "run-2")
	if err != nil {
		t.Fatal(err)
	}
	again()
}

func TestRedisLocksRefreshWhileHeld(t *testing.T) {
	locks, mr := newRedisLocks(t, 300*time.Millisecond)

	release, err := locks.Lock(context.Background(), "prod", "i-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	// Without a refresh the two jumps add up past the TTL.
	mr.FastForward(200 * time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	mr.FastForward(200 * time.Millisecond)
	if !mr.Exists("test:prod/i-1") {
		t.Fatal("held lock expired")
	}
}

func TestRedisLocksReleaseKeepsForeignOwner(t *testing.T) {
	locks, mr := newRedisLocks(t, time.Minute)

	release, err := locks.Lock(context.Background(), "prod", "i-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	// The lock expired and another replica took it.
	mr.Set("test:prod/i-1", "run-2")
	release()
	if got, _ := mr.Get("test:prod/i-1"); got != "run-2" {
		t.Errorf("release removed another owner's lock: %q", got)
	}
}
