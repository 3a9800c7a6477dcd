package playbook

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/playwatch/internal/model"
)

const validDoc = `
name: high_cpu_test
version: "1"
description: test playbook
trigger:
  alert_type: high_cpu
  severity: [critical]
investigation:
  steps:
    - name: cpu
      action: query_metrics
      query: cpu{host="{{resource_id}}"}
      extract: [cpu_pct]
remediation:
  decision_tree:
    - condition: cpu_pct > 90
      action: restart_instance
      risk_level: low
      params:
        instance: "{{resource_id}}"
validation:
  checks:
    - name: cpu_ok
      query: cpu{host="{{resource_id}}"}
      expected: cpu_pct < 50
      timeout_seconds: 5
  on_failure:
    action: rollback_and_escalate
    escalation_channel: oncall
`

func writePlaybook(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func hasError(res *Result, path string) bool {
	for _, e := range res.Errors {
		if e.Path == path {
			return true
		}
	}
	return false
}

func TestParseValidDocument(t *testing.T) {
	def, res := Parse([]byte(validDoc), Options{})
	if !res.IsValid() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if def.Name != "high_cpu_test" || def.Version != "1" {
		t.Errorf("name/version = %s/%s", def.Name, def.Version)
	}
	if !def.Trigger.Matches("high_cpu", "critical") || def.Trigger.Matches("high_cpu", "info") {
		t.Error("trigger matching wrong")
	}
	if len(def.Steps) != 1 || def.Steps[0].QueryType != model.QueryMetrics {
		t.Errorf("steps = %+v", def.Steps)
	}
	if len(def.Rules) != 1 || def.Rules[0].RiskLevel != model.RiskLow {
		t.Errorf("rules = %+v", def.Rules)
	}
	if len(def.Checks) != 1 || def.Checks[0].Timeout != 5*time.Second || def.Checks[0].Matcher == nil {
		t.Errorf("checks = %+v", def.Checks)
	}
	if !def.OnFailure.Rollback() || !def.OnFailure.Escalate() {
		t.Error("rollback_and_escalate should roll back and escalate")
	}
	if def.Hash == "" {
		t.Error("expected document hash")
	}
}

// Removing each required field must produce an error at that field's path.
func TestRemovingRequiredFieldReportsPath(t *testing.T) {
	tests := []struct {
		remove []string
		path   string
	}{
		{[]string{"name"}, "name"},
		{[]string{"version"}, "version"},
		{[]string{"trigger"}, "trigger"},
		{[]string{"trigger", "alert_type"}, "trigger.alert_type"},
		{[]string{"trigger", "severity"}, "trigger.severity"},
		{[]string{"investigation", "steps", "0", "name"}, "investigation.steps[0].name"},
		{[]string{"investigation", "steps", "0", "action"}, "investigation.steps[0].action"},
		{[]string{"investigation", "steps", "0", "query"}, "investigation.steps[0].query"},
		{[]string{"remediation"}, "remediation"},
		{[]string{"remediation", "decision_tree"}, "remediation.decision_tree"},
		{[]string{"remediation", "decision_tree", "0", "condition"}, "remediation.decision_tree[0].condition"},
		{[]string{"remediation", "decision_tree", "0", "action"}, "remediation.decision_tree[0].action"},
		{[]string{"remediation", "decision_tree", "0", "risk_level"}, "remediation.decision_tree[0].risk_level"},
		{[]string{"validation"}, "validation"},
		{[]string{"validation", "checks"}, "validation.checks"},
		{[]string{"validation", "checks", "0", "name"}, "validation.checks[0].name"},
		{[]string{"validation", "checks", "0", "query"}, "validation.checks[0].query"},
		{[]string{"validation", "checks", "0", "expected"}, "validation.checks[0].expected"},
		{[]string{"validation", "checks", "0", "timeout_seconds"}, "validation.checks[0].timeout_seconds"},
		{[]string{"validation", "on_failure"}, "validation.on_failure"},
		{[]string{"validation", "on_failure", "action"}, "validation.on_failure.action"},
		{[]string{"validation", "on_failure", "escalation_channel"}, "validation.on_failure.escalation_channel"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			doc := removeKey(t, validDoc, tt.remove)
			def, res := Parse(doc, Options{})
			if def != nil {
				t.Fatal("expected nil definition")
			}
			if !hasError(res, tt.path) {
				t.Errorf("no error at %s: %v", tt.path, res.Errors)
			}
		})
	}
}

// removeKey deletes a nested key from a YAML document. Numeric segments index
// into sequences.
func removeKey(t *testing.T, src string, path []string) []byte {
	t.Helper()
	var root map[string]any
	if err := yaml.Unmarshal([]byte(src), &root); err != nil {
		t.Fatal(err)
	}
	var cur any = root
	for i, seg := range path {
		last := i == len(path)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				delete(node, seg)
			} else {
				cur = node[seg]
			}
		case []any:
			cur = node[int(seg[0]-'0')]
		default:
			t.Fatalf("cannot descend into %T at %s", cur, seg)
		}
	}
	out, err := yaml.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseSemanticErrors(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		path    string
	}{
		{"bad condition", [2]string{"cpu_pct > 90", "cpu_pct >> 90"}, "remediation.decision_tree[0].condition"},
		{"zero timeout", [2]string{"timeout_seconds: 5", "timeout_seconds: 0"}, "validation.checks[0].timeout_seconds"},
		{"negative timeout", [2]string{"timeout_seconds: 5", "timeout_seconds: -1"}, "validation.checks[0].timeout_seconds"},
		{"bad risk", [2]string{"risk_level: low", "risk_level: extreme"}, "remediation.decision_tree[0].risk_level"},
		{"bad query action", [2]string{"action: query_metrics", "action: query_sql"}, "investigation.steps[0].action"},
		{"empty severity", [2]string{"severity: [critical]", "severity: []"}, "trigger.severity"},
		{"bad failure action", [2]string{"action: rollback_and_escalate", "action: retry_forever"}, "validation.on_failure.action"},
		{"malformed template", [2]string{`instance: "{{resource_id}}"`, `instance: "{{resource id}}"`}, "remediation.decision_tree[0].params.instance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(validDoc, tt.replace[0], tt.replace[1], 1)
			_, res := Parse([]byte(doc), Options{})
			if !hasError(res, tt.path) {
				t.Errorf("no error at %s: %v", tt.path, res.Errors)
			}
		})
	}
}

func TestParseUnknownAction(t *testing.T) {
	known := func(a string) bool { return a == "scale_out" }
	_, res := Parse([]byte(validDoc), Options{KnownAction: known})
	if !hasError(res, "remediation.decision_tree[0].action") {
		t.Errorf("expected unregistered action error, got %v", res.Errors)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := strings.Replace(validDoc, "description:", "descripton:", 1)
	_, res := Parse([]byte(doc), Options{})
	if res.IsValid() {
		t.Error("expected misspelled key to be rejected")
	}
}

func TestParseEmptyAndGarbage(t *testing.T) {
	for _, in := range []string{"", "name: [unclosed"} {
		if _, res := Parse([]byte(in), Options{}); res.IsValid() {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestWarnings(t *testing.T) {
	doc := strings.Replace(validDoc, `  decision_tree:
    - condition: cpu_pct > 90`, `  decision_tree:
    - condition: "true"
      action: scale_out
      risk_level: low
    - condition: "true"
      action: scale_out
      risk_level: low
    - condition: mem_pct > 90`, 1)
	def, res := Parse([]byte(doc), Options{})
	if !res.IsValid() {
		t.Fatalf("warnings must not invalidate: %v", res.Errors)
	}
	if len(def.Rules) != 3 {
		t.Fatalf("rules = %d", len(def.Rules))
	}

	var unreachable, identical, unknownField bool
	for _, w := range res.Warnings {
		switch {
		case strings.Contains(w.Message, "unreachable"):
			unreachable = true
		case strings.Contains(w.Message, "identical"):
			identical = true
		case strings.Contains(w.Message, "mem_pct"):
			unknownField = true
		}
	}
	if !unreachable || !identical || !unknownField {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestBuiltinsLoad(t *testing.T) {
	r := NewRegistry(Options{})
	if err := r.LoadBuiltins(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"high_cpu", "disk_pressure", "pod_crashloop"} {
		def, err := r.Get(name)
		if err != nil {
			t.Errorf("built-in %s: %v", name, err)
			continue
		}
		if def.Source != "built-in" {
			t.Errorf("%s source = %s", name, def.Source)
		}
	}
	if got := r.Match("high_cpu", "critical"); len(got) != 1 || got[0].Name != "high_cpu" {
		t.Errorf("Match = %v", got)
	}
	if got := r.Match("high_cpu", "info"); len(got) != 0 {
		t.Errorf("Match on unlisted severity = %v", got)
	}
}

func TestRegistryDirectoryShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "cpu.yaml", strings.Replace(validDoc, "name: high_cpu_test", "name: high_cpu", 1))

	r := NewRegistry(Options{})
	if err := r.LoadBuiltins(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	def, err := r.Get("high_cpu")
	if err != nil {
		t.Fatal(err)
	}
	if def.Version != "1" || def.Source != filepath.Join(dir, "cpu.yaml") {
		t.Errorf("directory definition not active: %s %s", def.Version, def.Source)
	}
}

func TestRegistryDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "a.yaml", validDoc)
	writePlaybook(t, dir, "b.yaml", validDoc)

	r := NewRegistry(Options{})
	_, err := r.LoadDir(dir)
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(le.Files[filepath.Join(dir, "b.yaml")], ErrDuplicateName) {
		t.Errorf("b.yaml error = %v", le.Files)
	}
	if _, err := r.Get("high_cpu_test"); err != nil {
		t.Errorf("first document should stay loaded: %v", err)
	}
}

func TestRegistryReloadKeepsPreviousOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writePlaybook(t, dir, "cpu.yaml", validDoc)

	r := NewRegistry(Options{})
	if _, err := r.LoadDir(dir); err != nil {
		t.Fatal(err)
	}

	writePlaybook(t, dir, "cpu.yaml", "name: high_cpu_test\nversion: [broken")
	if _, err := r.LoadDir(dir); err == nil {
		t.Fatal("expected reload error")
	}
	def, err := r.Get("high_cpu_test")
	if err != nil {
		t.Fatalf("previous version dropped: %v", err)
	}
	if def.Source != path {
		t.Errorf("source = %s", def.Source)
	}

	os.Remove(path)
	if _, err := r.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("high_cpu_test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed document should be unloaded, got %v", err)
	}
}

func TestRegistryMissingDirectory(t *testing.T) {
	r := NewRegistry(Options{})
	defs, err := r.LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || len(defs) != 0 {
		t.Errorf("missing dir: %v %v", defs, err)
	}
}

func TestBuiltinDocument(t *testing.T) {
	data, err := BuiltinDocument("disk_pressure")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "name: disk_pressure") {
		t.Error("unexpected content")
	}
	if _, err := BuiltinDocument("nope"); err == nil {
		t.Error("expected error for unknown built-in")
	}
}
