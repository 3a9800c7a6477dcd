package playbook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/matcher"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/render"
)

// FieldError is one problem found in a document, addressed by field path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Result is the outcome of validating a document.
type Result struct {
	Errors   []FieldError `json:"errors"`
	Warnings []FieldError `json:"warnings"`
}

// IsValid reports whether the document produced no errors.
func (r *Result) IsValid() bool { return len(r.Errors) == 0 }

// Err returns a *ValidationError when the result has errors, nil otherwise.
func (r *Result) Err() error {
	if r.IsValid() {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

func (r *Result) errorf(path, format string, args ...any) {
	r.Errors = append(r.Errors, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(path, format string, args ...any) {
	r.Warnings = append(r.Warnings, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidationError collects all errors for a rejected document.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("playbook validation failed: %s", strings.Join(msgs, "; "))
}

// Options tunes validation.
type Options struct {
	// KnownAction reports whether a remediation action has a registered
	// handler. Nil accepts any well-formed action identifier.
	KnownAction func(action string) bool
}

// alertKeys are always present in a run context, seeded from the alert.
var alertKeys = map[string]bool{
	"environment": true,
	"resource_id": true,
	"confidence":  true,
	"severity":    true,
	"alert_type":  true,
}

var validate = newValidator()

// Parse decodes and validates a playbook document. The definition is nil
// whenever the result carries errors.
func Parse(data []byte, opts Options) (*Definition, *Result) {
	res := &Result{}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			res.errorf("", "document is empty")
		} else {
			res.errorf("", "invalid YAML: %v", err)
		}
		return nil, res
	}

	if err := validate.Struct(&doc); err != nil {
		res.Errors = append(res.Errors, fieldErrors(err)...)
	}

	def := build(&doc, opts, res)
	if !res.IsValid() {
		return nil, res
	}
	sum := sha256.Sum256(data)
	def.Hash = hex.EncodeToString(sum[:])
	return def, res
}

// Validate runs Parse and discards the definition.
func Validate(data []byte, opts Options) *Result {
	_, res := Parse(data, opts)
	return res
}

// build performs the semantic checks the struct tags cannot express and
// assembles the definition. It tolerates partially invalid documents so every
// problem is reported in one pass.
func build(doc *document, opts Options, res *Result) *Definition {
	def := &Definition{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
	}
	if doc.Trigger != nil {
		def.Trigger = Trigger{AlertType: doc.Trigger.AlertType, Severities: dedupe(doc.Trigger.Severity)}
	}

	extracted := make(map[string]bool)
	if doc.Investigation != nil {
		stepNames := make(map[string]int)
		for i, s := range doc.Investigation.Steps {
			path := fmt.Sprintf("investigation.steps[%d]", i)
			if prev, dup := stepNames[s.Name]; dup && s.Name != "" {
				res.errorf(path+".name", "duplicate step name %q (also steps[%d])", s.Name, prev)
			}
			stepNames[s.Name] = i

			if err := render.Check(s.Query); err != nil {
				res.errorf(path+".query", "%v", err)
			}
			for _, f := range render.Fields(s.Query) {
				if !knownField(f, extracted) {
					res.warnf(path+".query", "placeholder %q is not produced by an earlier step or the alert", f)
				}
			}
			qt, _ := model.QueryTypeFromAction(s.Action)
			def.Steps = append(def.Steps, Step{
				Name:      s.Name,
				QueryType: qt,
				Query:     s.Query,
				Extract:   append([]string(nil), s.Extract...),
				Optional:  s.Optional,
				Timeout:   seconds(s.TimeoutSeconds),
			})
			for _, f := range s.Extract {
				extracted[f] = true
			}
		}
	}

	if doc.Remediation != nil {
		buildRules(doc.Remediation.DecisionTree, def, extracted, opts, res)
	}

	if doc.Validation != nil {
		checkNames := make(map[string]int)
		for i, c := range doc.Validation.Checks {
			path := fmt.Sprintf("validation.checks[%d]", i)
			if prev, dup := checkNames[c.Name]; dup && c.Name != "" {
				res.errorf(path+".name", "duplicate check name %q (also checks[%d])", c.Name, prev)
			}
			checkNames[c.Name] = i

			if err := render.Check(c.Query); err != nil {
				res.errorf(path+".query", "%v", err)
			}
			var m matcher.Matcher
			if c.Expected != nil {
				var err error
				if m, err = matcher.Compile(c.Expected); err != nil {
					res.errorf(path+".expected", "%v", err)
				}
			}
			qt := model.QueryMetrics
			if c.Action != "" {
				qt, _ = model.QueryTypeFromAction(c.Action)
			}
			def.Checks = append(def.Checks, Check{
				Name:      c.Name,
				QueryType: qt,
				Query:     c.Query,
				Expected:  c.Expected,
				Matcher:   m,
				Timeout:   seconds(c.TimeoutSeconds),
			})
		}
		if f := doc.Validation.OnFailure; f != nil {
			def.OnFailure = FailureSpec{Action: f.Action, EscalationChannel: f.EscalationChannel}
		}
	}
	return def
}

func buildRules(rules []ruleDoc, def *Definition, extracted map[string]bool, opts Options, res *Result) {
	seen := make(map[string]int)
	alwaysAt := -1
	for i, r := range rules {
		path := fmt.Sprintf("remediation.decision_tree[%d]", i)

		if alwaysAt >= 0 {
			res.warnf(path, "unreachable: rule %d always matches", alwaysAt)
		}
		if key := ruleKey(r); key != "" {
			if prev, dup := seen[key]; dup {
				res.warnf(path, "identical to decision_tree[%d]", prev)
			} else {
				seen[key] = i
			}
		}

		if r.Action != "" && opts.KnownAction != nil && !opts.KnownAction(r.Action) {
			res.errorf(path+".action", "no registered handler for action %q", r.Action)
		}
		for _, f := range render.ValueFields(r.Params) {
			if !knownField(f, extracted) {
				res.warnf(path+".params", "placeholder %q is not produced by any step or the alert", f)
			}
		}
		checkParamTemplates(path+".params", r.Params, res)

		if r.Condition == "" {
			continue
		}
		expr, err := condition.Parse(r.Condition)
		if err != nil {
			res.errorf(path+".condition", "%v", err)
			continue
		}
		if expr.IsConstTrue() && alwaysAt < 0 {
			alwaysAt = i
		}
		for _, f := range expr.Fields() {
			if !knownField(f, extracted) {
				res.warnf(path+".condition", "field %q is not produced by any step or the alert; the condition is false when it is absent", f)
			}
		}
		def.Rules = append(def.Rules, Rule{
			Condition: expr,
			Action:    r.Action,
			RiskLevel: model.RiskLevel(r.RiskLevel),
			Params:    r.Params,
		})
	}
}

func checkParamTemplates(path string, v any, res *Result) {
	switch x := v.(type) {
	case string:
		if err := render.Check(x); err != nil {
			res.errorf(path, "%v", err)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			checkParamTemplates(path+"."+k, x[k], res)
		}
	case []any:
		for i, e := range x {
			checkParamTemplates(fmt.Sprintf("%s[%d]", path, i), e, res)
		}
	}
}

// ruleKey is the canonical encoding used to detect identical rules.
func ruleKey(r ruleDoc) string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

func knownField(path string, extracted map[string]bool) bool {
	if strings.HasPrefix(path, "alert.") || alertKeys[path] {
		return true
	}
	if extracted[path] {
		return true
	}
	if i := strings.IndexByte(path, '.'); i > 0 {
		return extracted[path[:i]]
	}
	return false
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
