package policy

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func FuzzLoadConfigYAML(f *testing.F) {
	// Seed with valid default config YAML
	f.Add([]byte(DefaultConfigYAML()))

	// Seed with minimal valid YAML
	f.Add([]byte(`thresholds:
  auto_min: 0.9
  approval_min: 0.4
`))

	// Seed with empty
	f.Add([]byte{})

	// Seed with garbage
	f.Add([]byte(`{{{not yaml at all`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input
		var cfg PolicyConfig
		if yaml.Unmarshal(data, &cfg) == nil {
			cfg.check()
			l := NewLocal(&cfg, "")
			l.Authorize(t.Context(), "restart_instance", "production", "db-1")
		}
	})
}
