package condition

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseValidExpressions(t *testing.T) {
	exprs := []string{
		"cpu_pct > 90",
		"cpu_pct >= 90 and mem_pct < 50",
		"not (status == 'ok')",
		"!healthy",
		"pod.restarts > 3 || pod.phase == \"CrashLoopBackOff\"",
		"true",
		"errors contains 'OOMKilled'",
		"delta > -5",
		"a == null",
	}
	for _, src := range exprs {
		if _, err := Parse(src); err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", src, err)
		}
	}
}

func TestParseRejectsInvalidExpressions(t *testing.T) {
	exprs := []string{
		"",
		"cpu_pct >",
		"(cpu_pct > 90",
		"cpu_pct > 90)",
		"cpu_pct + 1 > 2",
		"and cpu_pct",
		"'unterminated",
		"cpu..pct > 1",
		"cpu_pct > 90 90",
	}
	for _, src := range exprs {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", src)
		}
	}
}

func TestEvalComparisons(t *testing.T) {
	ctx := map[string]any{
		"cpu_pct": 95,
		"mem_pct": json.Number("40.5"),
		"status":  "degraded",
		"healthy": false,
		"pod": map[string]any{
			"restarts": "7",
			"phase":    "CrashLoopBackOff",
		},
		"errors": []any{"OOMKilled", "Evicted"},
	}

	tests := []struct {
		src  string
		want bool
	}{
		{"cpu_pct > 90", true},
		{"cpu_pct > 95", false},
		{"cpu_pct >= 95", true},
		{"mem_pct < 50", true},
		{"cpu_pct > 90 and mem_pct < 40", false},
		{"cpu_pct > 99 or status == 'degraded'", true},
		{"not healthy", true},
		{"!(status != \"degraded\")", true},
		{"pod.restarts > 5", true},
		{"pod.phase == 'CrashLoopBackOff'", true},
		{"errors contains 'OOMKilled'", true},
		{"errors contains 'Pending'", false},
		{"status contains 'grad'", true},
		{"true", true},
		{"false", false},
		{"status > 5", false},
	}
	for _, tt := range tests {
		got := MustParse(tt.src).Eval(ctx)
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalMissingFieldIsFalse(t *testing.T) {
	ctx := map[string]any{"cpu_pct": 95}
	for _, src := range []string{
		"latency_ms > 100",
		"not (latency_ms > 100)",
		"cpu_pct > 90 or latency_ms > 100",
		"pod.restarts > 1",
	} {
		if MustParse(src).Eval(ctx) {
			t.Errorf("Eval(%q) with missing field = true, want false", src)
		}
	}
	if MustParse("latency_ms > 1").Eval(nil) {
		t.Error("Eval on nil context should be false")
	}
}

func TestFieldsAndMissing(t *testing.T) {
	e := MustParse("cpu_pct > 90 and (host.name == 'a' or cpu_pct < 99)")
	want := []string{"cpu_pct", "host.name"}
	if got := e.Fields(); !reflect.DeepEqual(got, want) {
		t.Errorf("Fields() = %v, want %v", got, want)
	}
	missing := e.Missing(map[string]any{"cpu_pct": 1})
	if !reflect.DeepEqual(missing, []string{"host.name"}) {
		t.Errorf("Missing() = %v", missing)
	}
}

func TestIsConstTrueAndHasComparison(t *testing.T) {
	if !MustParse("true").IsConstTrue() {
		t.Error("expected literal true to be const true")
	}
	if MustParse("x == true").IsConstTrue() {
		t.Error("comparison must not be const true")
	}
	if MustParse("healthy").HasComparison() {
		t.Error("bare field has no comparison")
	}
	if !MustParse("not (a < 1)").HasComparison() {
		t.Error("expected comparison to be detected")
	}
}

func TestLookupDottedKeys(t *testing.T) {
	ctx := map[string]any{
		"alert.severity": "critical",
		"alert":          map[string]any{"labels": map[string]any{"team.name": "sre"}},
	}
	if v, ok := Lookup(ctx, "alert.severity"); !ok || v != "critical" {
		t.Errorf("Lookup flat dotted key = %v, %v", v, ok)
	}
	if v, ok := Lookup(ctx, "alert.labels.team.name"); !ok || v != "sre" {
		t.Errorf("Lookup nested dotted key = %v, %v", v, ok)
	}
	if _, ok := Lookup(ctx, "alert.labels.owner"); ok {
		t.Error("expected missing nested key")
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{95.0, "95"},
		{0.5, "0.5"},
		{42, "42"},
		{true, "true"},
		{nil, ""},
		{map[string]any{"a": 1.0}, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
