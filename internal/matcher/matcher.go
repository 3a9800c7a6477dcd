// Package matcher compiles a validation check's expected value into a Matcher.
// Exact values and predicates are interchangeable behind the same interface.
package matcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ppiankov/playwatch/internal/condition"
)

// Matcher decides whether an observed query result satisfies a check.
type Matcher interface {
	Match(observed any) bool
	String() string
}

// Compile builds a Matcher from a document's expected value.
//
//	"healthy"                        exact match on the string form
//	"cpu_pct < 50"                   predicate over the observation
//	{field: cpu_pct, op: lt, value: 50}   structured predicate
//	200, true                        exact match
func Compile(expected any) (Matcher, error) {
	switch v := expected.(type) {
	case nil:
		return nil, fmt.Errorf("expected value is required")
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, fmt.Errorf("expected value is required")
		}
		if expr, err := condition.Parse(s); err == nil && expr.HasComparison() {
			return &predicate{expr: expr}, nil
		}
		return exact{want: s}, nil
	case map[string]any:
		return structured(v)
	default:
		return exact{want: condition.Stringify(v)}, nil
	}
}

type exact struct {
	want string
}

func (e exact) Match(observed any) bool {
	return strings.TrimSpace(condition.Stringify(observed)) == e.want
}

func (e exact) String() string { return "== " + strconv.Quote(e.want) }

type predicate struct {
	expr *condition.Expr
}

func (p *predicate) Match(observed any) bool {
	return p.expr.Eval(observationContext(observed, p.expr.Fields()))
}

func (p *predicate) String() string { return p.expr.Source() }

// observationContext exposes a query result to a predicate. Map results are
// visible by field; a scalar result is bound to "value" and to every field the
// predicate names, so "cpu_pct < 50" works against a bare number.
func observationContext(observed any, fields []string) map[string]any {
	ctx := make(map[string]any)
	if m, ok := observed.(map[string]any); ok {
		for k, v := range m {
			ctx[k] = v
		}
		ctx["value"] = observed
		return ctx
	}
	if observed == nil {
		return ctx
	}
	ctx["value"] = observed
	for _, f := range fields {
		if _, exists := ctx[f]; !exists {
			ctx[f] = observed
		}
	}
	return ctx
}

var structuredOps = map[string]string{
	"eq": "==", "==": "==",
	"ne": "!=", "!=": "!=",
	"lt": "<", "<": "<",
	"lte": "<=", "<=": "<=",
	"gt": ">", ">": ">",
	"gte": ">=", ">=": ">=",
	"contains": "contains",
}

func structured(m map[string]any) (Matcher, error) {
	field, _ := m["field"].(string)
	if field == "" {
		field = "value"
	}
	opRaw, _ := m["op"].(string)
	op, ok := structuredOps[strings.ToLower(opRaw)]
	if !ok {
		return nil, fmt.Errorf("unknown matcher op %q", opRaw)
	}
	val, ok := m["value"]
	if !ok {
		return nil, fmt.Errorf("structured matcher requires a value")
	}
	var lit string
	switch x := val.(type) {
	case string:
		lit = strconv.Quote(x)
	case nil:
		lit = "null"
	default:
		lit = condition.Stringify(x)
	}
	expr, err := condition.Parse(field + " " + op + " " + lit)
	if err != nil {
		return nil, fmt.Errorf("structured matcher: %w", err)
	}
	return &predicate{expr: expr}, nil
}
