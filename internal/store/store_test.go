package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/model"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func finishedRun(id, playbook string, started time.Time, final model.State) *model.ExecutionRun {
	r := model.NewRun(id, playbook, "1", map[string]any{"alert_type": "high_cpu"}, started)
	r.Environment = "staging"
	r.ResourceID = "i-1"
	for _, s := range []model.State{model.StateInvestigating, model.StateDeciding} {
		r.Transition(s, model.ReasonNone, "", started)
	}
	switch final {
	case model.StateCompleted:
		r.Transition(model.StateExecuting, model.ReasonNone, "", started)
		r.Transition(model.StateValidating, model.ReasonNone, "", started)
		r.Transition(model.StateCompleted, model.ReasonNone, "", started.Add(time.Minute))
	case model.StateDenied:
		r.Transition(model.StateDenied, model.ReasonPolicyDenied, "production db", started.Add(time.Second))
	}
	return r
}

func TestSaveAndGet(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	run := finishedRun("r-1", "high_cpu", time.Now(), model.StateCompleted)
	run.MergeContext(map[string]any{"cpu_pct": 95.0})
	entries := []audit.Entry{
		{RunID: "r-1", Seq: 1, Kind: audit.KindTransition, From: "pending", To: "investigating", PrevHash: audit.GenesisHash},
		{RunID: "r-1", Seq: 2, Kind: audit.KindStep, Step: "cpu_utilization", Decision: "ok"},
	}
	if err := a.Save(ctx, run, entries); err != nil {
		t.Fatal(err)
	}

	got, trail, err := a.Get(ctx, "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateCompleted || got.Outcome != model.OutcomeRemediated || got.Context["cpu_pct"] != 95.0 {
		t.Errorf("run = %+v", got)
	}
	if len(trail) != 2 || trail[1].Step != "cpu_utilization" || trail[0].Playbook != "high_cpu" {
		t.Errorf("trail = %+v", trail)
	}
}

func TestSaveIsIdempotentAndAppends(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	run := finishedRun("r-1", "high_cpu", time.Now(), model.StateCompleted)
	first := []audit.Entry{{RunID: "r-1", Seq: 1, Kind: audit.KindTransition}}
	a.Save(ctx, run, first)

	run.Update(func(r *model.ExecutionRun) { r.ManualRollback = &model.ManualRollback{At: time.Now(), OK: true} })
	more := append(first, audit.Entry{RunID: "r-1", Seq: 2, Kind: audit.KindOperator, Step: "manual_rollback"})
	if err := a.Save(ctx, run, more); err != nil {
		t.Fatal(err)
	}
	got, trail, _ := a.Get(ctx, "r-1")
	if got.ManualRollback == nil || !got.ManualRollback.OK || len(trail) != 2 {
		t.Errorf("run = %+v, trail = %d", got.ManualRollback, len(trail))
	}
}

func TestGetNotFound(t *testing.T) {
	a := openTest(t)
	if _, _, err := a.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestListFilters(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a.Save(ctx, finishedRun("a", "high_cpu", base, model.StateCompleted), nil)
	a.Save(ctx, finishedRun("b", "high_cpu", base.Add(time.Hour), model.StateDenied), nil)
	a.Save(ctx, finishedRun("c", "disk_pressure", base.Add(2*time.Hour), model.StateCompleted), nil)

	all, err := a.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].RunID != "c" {
		t.Errorf("all = %d, first %s", len(all), all[0].RunID)
	}
	cpu, _ := a.List(ctx, Filter{Playbook: "high_cpu"})
	if len(cpu) != 2 {
		t.Errorf("high_cpu = %d", len(cpu))
	}
	denied, _ := a.List(ctx, Filter{State: model.StateDenied})
	if len(denied) != 1 || denied[0].RunID != "b" {
		t.Errorf("denied = %+v", denied)
	}
	one, _ := a.List(ctx, Filter{Limit: 1})
	if len(one) != 1 {
		t.Errorf("limit = %d", len(one))
	}
}

func TestInMemoryArchive(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Save(context.Background(), finishedRun("m", "high_cpu", time.Now(), model.StateDenied), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Get(context.Background(), "m"); err != nil {
		t.Error(err)
	}
}
