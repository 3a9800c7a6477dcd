package playbook

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// builtinDefinitions parses every embedded playbook.
func builtinDefinitions(opts Options) ([]*Definition, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, err
		}
		def, res := Parse(data, opts)
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("built-in playbook %s: %w", e.Name(), err)
		}
		def.Source = "built-in"
		defs = append(defs, def)
	}
	return defs, nil
}

// BuiltinDocument returns the raw embedded document for name, for `init` style
// scaffolding.
func BuiltinDocument(name string) ([]byte, error) {
	data, err := builtinFS.ReadFile("builtin/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("built-in playbook %q not found", name)
	}
	return data, nil
}
