package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates the expression against ctx. It never fails: a condition that
// references a field absent from ctx is false, and type mismatches compare false.
func (e *Expr) Eval(ctx map[string]any) bool {
	for _, path := range e.Fields() {
		if _, ok := Lookup(ctx, path); !ok {
			return false
		}
	}
	return truthy(eval(e.root, ctx))
}

// Missing returns the referenced fields absent from ctx.
func (e *Expr) Missing(ctx map[string]any) []string {
	var out []string
	for _, path := range e.Fields() {
		if _, ok := Lookup(ctx, path); !ok {
			out = append(out, path)
		}
	}
	return out
}

func eval(n Node, ctx map[string]any) any {
	switch v := n.(type) {
	case *Literal:
		return v.Value
	case *Field:
		val, _ := Lookup(ctx, v.Path)
		return val
	case *Not:
		return !truthy(eval(v.X, ctx))
	case *Logical:
		l := truthy(eval(v.L, ctx))
		if v.Op == "and" {
			return l && truthy(eval(v.R, ctx))
		}
		return l || truthy(eval(v.R, ctx))
	case *Compare:
		return compare(v.Op, eval(v.L, ctx), eval(v.R, ctx))
	}
	return false
}

func compare(op string, l, r any) bool {
	if op == "contains" {
		return contains(l, r)
	}
	if lf, lok := ToFloat(l); lok {
		if rf, rok := ToFloat(r); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
			return false
		}
	}
	if isNumber(l) || isNumber(r) {
		// One side numeric, the other not convertible.
		return op == "!="
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		if !ok {
			return op == "!="
		}
		switch op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
		return false
	}
	if l == nil || r == nil {
		switch op {
		case "==":
			return l == nil && r == nil
		case "!=":
			return (l == nil) != (r == nil)
		}
		return false
	}
	ls, rs := Stringify(l), Stringify(r)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func contains(l, r any) bool {
	switch lv := l.(type) {
	case string:
		return strings.Contains(lv, Stringify(r))
	case []any:
		for _, item := range lv {
			if compare("==", item, r) {
				return true
			}
		}
	case []string:
		rs := Stringify(r)
		for _, item := range lv {
			if item == rs {
				return true
			}
		}
	case map[string]any:
		_, ok := lv[Stringify(r)]
		return ok
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false") && x != "0"
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if f, ok := ToFloat(v); ok {
		return f != 0
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	}
	return false
}

// ToFloat converts numeric values and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Stringify renders a value the way templates and exact matchers see it.
// Whole numbers print without a fractional part.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(x)
	case json.Number:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// Lookup resolves a dotted path against nested maps. An exact key match on the
// full path wins over traversal.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	if v, ok := ctx[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for i, part := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		// Allow keys that themselves contain dots, e.g. {"alert.severity": ...}.
		rest := strings.Join(parts[i:], ".")
		if v, ok := m[rest]; ok {
			return v, true
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}
