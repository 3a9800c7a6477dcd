package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	pb "github.com/ppiankov/playwatch/api/enginev1"
	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/connector/static"
	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/observability"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/server"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// startTestServer creates a server over the builtin playbooks and returns its address.
func startTestServer(t *testing.T, policyYAML string) string {
	t.Helper()

	p := static.New()
	p.On(model.QueryMetrics, "[5m]", map[string]any{"cpu_pct": 95.0})
	p.On(model.QueryMetrics, "[1m]", map[string]any{"cpu_pct": 30.0})
	reg := playbook.NewRegistry(playbook.Options{KnownAction: connector.ActionSet(p.Actions())})
	if err := reg.LoadBuiltins(); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := policy.LoadConfigWithHash(writeTempFile(t, "policy.yaml", policyYAML))
	if err != nil {
		t.Fatal(err)
	}
	pol := policy.NewLocal(cfg, hash)

	eng, err := engine.New(engine.Options{
		Registry:  reg,
		Connector: p,
		Evaluator: pol,
		Policy:    pol,
		Log:       observability.Discard(),
		Config:    config.Engine{PollInterval: 10 * time.Millisecond, RetryBase: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(eng, pol, server.Config{}, observability.Discard())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	t.Cleanup(func() {
		srv.GracefulStop()
		eng.Close()
	})
	return lis.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientTriggerAndGetRun(t *testing.T) {
	c := dial(t, startTestServer(t, "rules: []\n"))
	ctx := context.Background()

	id, err := c.Trigger(ctx, "high_cpu", map[string]any{
		"severity":    "warning",
		"environment": "staging",
		"resource_id": "web-2",
		"confidence":  0.95,
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var rec *engine.RunRecord
	for time.Now().Before(deadline) {
		rec, err = c.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if rec.Run.State.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if rec.Run.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", rec.Run.State)
	}

	runs, err := c.ListRuns(ctx, pb.ListRunsRequest{Playbook: "high_cpu"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != id {
		t.Errorf("runs = %+v, want the triggered run", runs)
	}
}

func TestClientListPlaybooksAndValidate(t *testing.T) {
	c := dial(t, startTestServer(t, "rules: []\n"))
	ctx := context.Background()

	pbs, err := c.ListPlaybooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pbs) == 0 {
		t.Fatal("expected builtin playbooks")
	}

	doc, err := playbook.BuiltinDocument("high_cpu")
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Validate(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsValid {
		t.Errorf("builtin rejected: %+v", res.Errors)
	}
}

func TestClientAuthorize(t *testing.T) {
	c := dial(t, startTestServer(t, `
rules:
  - action: restart_instance
    decision: deny
    reason: restarts are frozen
`))

	v, err := c.Authorize(context.Background(), "restart_instance", "staging", "web-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow {
		t.Errorf("expected deny, got %+v", v)
	}
	if v.Reason != "restarts are frozen" {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestClientFailClosedUnreachable(t *testing.T) {
	c, err := New("127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	c.timeout = 500 * time.Millisecond

	v, err := c.Authorize(context.Background(), "restart_instance", "staging", "web-1")
	if err != nil {
		t.Fatalf("Authorize should not return an error: %v", err)
	}
	if v.Allow {
		t.Fatal("unreachable server must deny")
	}
	if v.PolicyID != "failclosed.unreachable" {
		t.Errorf("policy id = %q", v.PolicyID)
	}
}

func TestClientRollbackUnknownRun(t *testing.T) {
	c := dial(t, startTestServer(t, "rules: []\n"))
	if _, err := c.Rollback(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
