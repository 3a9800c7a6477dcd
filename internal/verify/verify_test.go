package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/connector/static"
	"github.com/ppiankov/playwatch/internal/matcher"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
)

func check(t *testing.T, name, query string, expected any, timeout time.Duration) playbook.Check {
	t.Helper()
	m, err := matcher.Compile(expected)
	if err != nil {
		t.Fatal(err)
	}
	return playbook.Check{Name: name, QueryType: model.QueryMetrics, Query: query, Expected: expected, Matcher: m, Timeout: timeout}
}

func TestRunPollsUntilMatch(t *testing.T) {
	p := static.New().On(model.QueryMetrics, "cpu i-1",
		map[string]any{"cpu_pct": 95}, map[string]any{"cpu_pct": 70}, map[string]any{"cpu_pct": 30})
	v := &Runner{Querier: p, Interval: time.Millisecond}

	res, err := v.Run(context.Background(), []playbook.Check{
		check(t, "cpu_recovered", "cpu {{resource_id}}", "cpu_pct < 50", time.Second),
	}, map[string]any{"resource_id": "i-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || res.Checks[0].Polls != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunExactAndStructuredMatchers(t *testing.T) {
	p := static.New().
		On(model.QueryMetrics, "status", "Running").
		On(model.QueryMetrics, "disk", map[string]any{"disk_pct": 40})
	v := &Runner{Querier: p, Interval: time.Millisecond}

	res, _ := v.Run(context.Background(), []playbook.Check{
		check(t, "pod_running", "status", "Running", time.Second),
		check(t, "disk_ok", "disk", map[string]any{"field": "disk_pct", "op": "lt", "value": 80}, time.Second),
	}, nil)
	if !res.Passed || len(res.Checks) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTimeoutShortCircuits(t *testing.T) {
	p := static.New().
		On(model.QueryMetrics, "cpu", map[string]any{"cpu_pct": 95}).
		On(model.QueryMetrics, "errors", 0)
	var seen []string
	v := &Runner{Querier: p, Interval: 5 * time.Millisecond, OnCheck: func(c model.CheckResult) { seen = append(seen, c.Name) }}

	res, err := v.Run(context.Background(), []playbook.Check{
		check(t, "cpu", "cpu", "cpu_pct < 50", 30*time.Millisecond),
		check(t, "errors", "errors", "0", time.Second),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("expected failure")
	}
	if !res.Checks[0].TimedOut || res.Checks[0].Polls < 2 {
		t.Errorf("first check = %+v", res.Checks[0])
	}
	if !res.Checks[1].Skipped || res.Checks[1].Passed {
		t.Errorf("second check = %+v", res.Checks[1])
	}
	for _, c := range p.Calls("query") {
		if c.Target == "errors" {
			t.Error("short-circuited check must not be polled")
		}
	}
	if len(seen) != 2 {
		t.Errorf("OnCheck calls = %v", seen)
	}
	if f := res.Failed(); f == nil || f.Name != "cpu" {
		t.Errorf("Failed() = %+v", f)
	}
}

func TestRunTransientErrorsKeepPolling(t *testing.T) {
	calls := 0
	q := querierFunc(func(context.Context, model.QueryType, string) (any, error) {
		calls++
		if calls < 3 {
			return nil, connector.Transient(errors.New("503"))
		}
		return "ok", nil
	})
	v := &Runner{Querier: q, Interval: time.Millisecond}
	res, _ := v.Run(context.Background(), []playbook.Check{check(t, "health", "h", "ok", time.Second)}, nil)
	if !res.Passed || calls != 3 {
		t.Errorf("passed=%v calls=%d", res.Passed, calls)
	}
}

func TestRunPermanentErrorFailsFast(t *testing.T) {
	p := static.New().Fail(model.QueryMetrics, "h", connector.Permanent(errors.New("bad query")))
	v := &Runner{Querier: p, Interval: time.Millisecond}
	res, _ := v.Run(context.Background(), []playbook.Check{check(t, "health", "h", "ok", time.Minute)}, nil)
	if res.Passed || res.Checks[0].TimedOut || res.Checks[0].Polls != 1 {
		t.Errorf("check = %+v", res.Checks[0])
	}
}

func TestRunUnresolvedTemplateFails(t *testing.T) {
	v := &Runner{Querier: static.New(), Interval: time.Millisecond}
	res, _ := v.Run(context.Background(), []playbook.Check{check(t, "c", "cpu {{resource_id}}", "ok", time.Second)}, nil)
	if res.Passed || res.Checks[0].Polls != 0 {
		t.Errorf("check = %+v", res.Checks[0])
	}
}

func TestRunCanceledContext(t *testing.T) {
	p := static.New().On(model.QueryMetrics, "cpu", 99)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	v := &Runner{Querier: p, Interval: 5 * time.Millisecond}
	res, err := v.Run(ctx, []playbook.Check{check(t, "c", "cpu", "value < 50", time.Minute)}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if res.Passed || res.Checks[0].TimedOut {
		t.Errorf("check = %+v", res.Checks[0])
	}
}

type querierFunc func(ctx context.Context, qt model.QueryType, q string) (any, error)

func (f querierFunc) Query(ctx context.Context, qt model.QueryType, q string) (any, error) {
	return f(ctx, qt, q)
}
