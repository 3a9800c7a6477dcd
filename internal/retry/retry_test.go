package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRetry = errors.New("retry me")

func isRetry(err error) bool { return errors.Is(err, errRetry) }

func fast() Policy {
	return Policy{Attempts: 3, Base: time.Millisecond, Factor: 2}
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), fast(), isRetry, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errRetry
		}
		return nil
	})
	if err != nil || n != 3 || calls != 3 {
		t.Errorf("n=%d calls=%d err=%v", n, calls, err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	perm := errors.New("forbidden")
	n, err := Do(context.Background(), fast(), isRetry, func(ctx context.Context, attempt int) error {
		return perm
	})
	if n != 1 || !errors.Is(err, perm) {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestDoExhausts(t *testing.T) {
	n, err := Do(context.Background(), fast(), isRetry, func(ctx context.Context, attempt int) error {
		return errRetry
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 3 || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !errors.Is(err, errRetry) {
		t.Error("exhausted error should unwrap to the last error")
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Base: time.Hour}
	n, err := Do(ctx, p, isRetry, func(ctx context.Context, attempt int) error {
		cancel()
		return errRetry
	})
	if n != 1 || !errors.Is(err, context.Canceled) {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestDelayBackoffAndJitter(t *testing.T) {
	p := Default()
	if d := p.Delay(1, 0.5); d != 200*time.Millisecond {
		t.Errorf("first delay = %v", d)
	}
	if d := p.Delay(2, 0.5); d != 400*time.Millisecond {
		t.Errorf("second delay = %v", d)
	}
	lo, hi := p.Delay(1, 0), p.Delay(1, 0.999999)
	if lo < 160*time.Millisecond || hi > 240*time.Millisecond || lo >= hi {
		t.Errorf("jitter bounds = [%v, %v]", lo, hi)
	}
	p.Max = 300 * time.Millisecond
	if d := p.Delay(5, 0.5); d != 300*time.Millisecond {
		t.Errorf("capped delay = %v", d)
	}
}
