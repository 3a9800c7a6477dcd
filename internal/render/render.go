// Package render resolves {{ dotted.path }} placeholders against a run context.
// Step queries, rule params, and validation queries all share this engine.
package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/playwatch/internal/condition"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// MissingError lists placeholders that had no value in the context.
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("unresolved template fields: %s", strings.Join(e.Fields, ", "))
}

// Fields returns the distinct placeholder paths in tmpl, in order of appearance.
func Fields(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Check reports malformed placeholder syntax: an opening "{{" that does not
// form a valid placeholder.
func Check(tmpl string) error {
	stripped := placeholder.ReplaceAllString(tmpl, "")
	if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
		return fmt.Errorf("malformed placeholder in %q", tmpl)
	}
	return nil
}

// String renders tmpl. Unresolved placeholders are left empty and reported
// through a *MissingError alongside the partially rendered output.
func String(tmpl string, ctx map[string]any) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := condition.Lookup(ctx, path)
		if !ok {
			missing = appendUnique(missing, path)
			return ""
		}
		return condition.Stringify(v)
	})
	if len(missing) > 0 {
		return out, &MissingError{Fields: missing}
	}
	return out, nil
}

// Value resolves placeholders inside strings, maps, and lists. A string that is
// exactly one placeholder resolves to the raw context value, keeping its type.
func Value(v any, ctx map[string]any) (any, []string) {
	var missing []string
	out := resolve(v, ctx, &missing)
	return out, missing
}

// Params resolves a rule's param map. Missing fields come back sorted.
func Params(params map[string]any, ctx map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(params))
	var missing []string
	for k, v := range params {
		out[k] = resolve(v, ctx, &missing)
	}
	sort.Strings(missing)
	return out, missing
}

func resolve(v any, ctx map[string]any, missing *[]string) any {
	switch x := v.(type) {
	case string:
		trimmed := strings.TrimSpace(x)
		if m := placeholder.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
			val, ok := condition.Lookup(ctx, m[1])
			if !ok {
				*missing = appendUnique(*missing, m[1])
				return ""
			}
			return val
		}
		s, err := String(x, ctx)
		if me, ok := err.(*MissingError); ok {
			for _, f := range me.Fields {
				*missing = appendUnique(*missing, f)
			}
		}
		return s
	case map[string]any:
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			out[k] = resolve(x[k], ctx, missing)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = resolve(item, ctx, missing)
		}
		return out
	}
	return v
}

// ValueFields collects placeholder paths from strings nested anywhere in v.
func ValueFields(v any) []string {
	var out []string
	var visit func(any)
	visit = func(v any) {
		switch x := v.(type) {
		case string:
			for _, f := range Fields(x) {
				out = appendUnique(out, f)
			}
		case map[string]any:
			for _, k := range sortedKeys(x) {
				visit(x[k])
			}
		case []any:
			for _, item := range x {
				visit(item)
			}
		}
	}
	visit(v)
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
