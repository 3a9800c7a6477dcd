// Package static is a scripted connector provider. Query answers are matched
// by query type and substring; actions succeed unless a hook says otherwise.
// It backs demos, dry environments, and the engine's tests.
package static

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/model"
)

func init() {
	connector.Register("static", func(cfg connector.Config) (connector.Provider, error) {
		p := New(cfg.Actions...)
		if path := cfg.OptionString("script", ""); path != "" {
			if err := p.LoadScript(path); err != nil {
				return nil, err
			}
		}
		return p, nil
	})
}

// Call records one connector invocation.
type Call struct {
	Kind   string // query, execute, snapshot, rollback
	Target string // query text, action, resource id, or snapshot id
	Params map[string]any
}

type script struct {
	queryType model.QueryType
	contains  string
	results   []any
	err       error
	served    int
}

// Provider is a scripted connector. The zero value is not usable; call New.
type Provider struct {
	mu      sync.Mutex
	actions []string
	scripts []*script
	calls   []Call
	seq     int

	// Hooks override the default behavior when set. They are called without
	// the provider lock held.
	ActionFunc   func(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	SnapshotFunc func(ctx context.Context, resourceID string) (string, error)
	RollbackFunc func(ctx context.Context, snapshotID string) error
}

// New creates a provider that accepts the given actions.
func New(actions ...string) *Provider {
	if len(actions) == 0 {
		actions = connector.DefaultActions
	}
	return &Provider{actions: append([]string(nil), actions...)}
}

func (p *Provider) Name() string { return "static" }

func (p *Provider) Actions() []string {
	out := append([]string(nil), p.actions...)
	sort.Strings(out)
	return out
}

// On scripts the answers for queries of type qt containing substr. Answers
// are served in order; the last one repeats.
func (p *Provider) On(qt model.QueryType, substr string, results ...any) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, &script{queryType: qt, contains: substr, results: results})
	return p
}

// Fail scripts an error for queries of type qt containing substr.
func (p *Provider) Fail(qt model.QueryType, substr string, err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, &script{queryType: qt, contains: substr, err: err})
	return p
}

func (p *Provider) Query(ctx context.Context, qt model.QueryType, query string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Kind: "query", Target: query})
	for _, s := range p.scripts {
		if s.queryType != qt || !strings.Contains(query, s.contains) {
			continue
		}
		if s.err != nil {
			return nil, s.err
		}
		if len(s.results) == 0 {
			return nil, nil
		}
		i := s.served
		if i >= len(s.results) {
			i = len(s.results) - 1
		}
		s.served++
		return s.results[i], nil
	}
	return nil, connector.Permanent(fmt.Errorf("no scripted answer for %s query %q", qt, query))
}

func (p *Provider) ExecuteAction(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	p.record(Call{Kind: "execute", Target: action, Params: params})
	if p.ActionFunc != nil {
		return p.ActionFunc(ctx, action, params)
	}
	if !connector.ActionSet(p.actions)(action) {
		return nil, connector.Permanent(fmt.Errorf("unsupported action %q", action))
	}
	return map[string]any{"status": "ok", "action": action}, ctx.Err()
}

func (p *Provider) CreateSnapshot(ctx context.Context, resourceID string) (string, error) {
	p.record(Call{Kind: "snapshot", Target: resourceID})
	if p.SnapshotFunc != nil {
		return p.SnapshotFunc(ctx, resourceID)
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("snap-%s-%d", resourceID, p.seq)
	p.mu.Unlock()
	return id, ctx.Err()
}

func (p *Provider) Rollback(ctx context.Context, snapshotID string) error {
	p.record(Call{Kind: "rollback", Target: snapshotID})
	if p.RollbackFunc != nil {
		return p.RollbackFunc(ctx, snapshotID)
	}
	return ctx.Err()
}

func (p *Provider) record(c Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
}

// Calls returns the recorded invocations of the given kind, or all when kind is empty.
func (p *Provider) Calls(kind string) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// scriptFile is the on-disk format for LoadScript.
type scriptFile struct {
	Queries []struct {
		Type     string `yaml:"type"`
		Contains string `yaml:"contains"`
		Results  []any  `yaml:"results"`
		Error    string `yaml:"error"`
	} `yaml:"queries"`
}

// LoadScript reads query answers from a YAML file.
//
//	queries:
//	  - type: metrics
//	    contains: cpu_usage_percent
//	    results: [{cpu_pct: 95}, {cpu_pct: 30}]
func (p *Provider) LoadScript(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read connector script: %w", err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse connector script: %w", err)
	}
	for i, q := range f.Queries {
		qt, ok := model.QueryTypeFromAction(q.Type)
		if !ok {
			return fmt.Errorf("connector script queries[%d]: unknown type %q", i, q.Type)
		}
		if q.Error != "" {
			p.Fail(qt, q.Contains, connector.Permanent(fmt.Errorf("%s", q.Error)))
			continue
		}
		p.On(qt, q.Contains, q.Results...)
	}
	return nil
}
