package ratelimit

import "time"

// Limit caps how often one playbook may be triggered for one resource.
// Zero values mean no limit.
type Limit struct {
	MaxTriggers int           `yaml:"max_triggers"`
	Window      time.Duration `yaml:"window"`
}

func (l *Limit) active() bool {
	return l != nil && l.MaxTriggers > 0 && l.Window > 0
}

// Config maps playbook names to trigger limits. The "*" entry applies to
// playbooks without their own entry.
type Config map[string]*Limit

// HasLimits returns true if any playbook has a configured limit.
func (c Config) HasLimits() bool {
	for _, l := range c {
		if l.active() {
			return true
		}
	}
	return false
}

// lookup order: playbook name, then "*".
func (c Config) lookup(playbook string) *Limit {
	if l, ok := c[playbook]; ok {
		return l
	}
	return c["*"]
}
