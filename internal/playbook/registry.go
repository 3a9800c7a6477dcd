package playbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no definition has the requested name.
var ErrNotFound = errors.New("playbook not found")

// ErrDuplicateName is returned when two documents declare the same name.
var ErrDuplicateName = errors.New("duplicate playbook name")

// Registry owns every loaded definition. Directory definitions shadow
// built-ins of the same name.
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	builtins map[string]*Definition
	files    map[string]*Definition
}

// NewRegistry creates an empty registry that validates with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		builtins: make(map[string]*Definition),
		files:    make(map[string]*Definition),
	}
}

// Options returns the validation options the registry loads with.
func (r *Registry) Options() Options { return r.opts }

// LoadBuiltins registers the embedded playbooks.
func (r *Registry) LoadBuiltins() error {
	defs, err := builtinDefinitions(r.opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.builtins[d.Name] = d
	}
	return nil
}

// Add registers a definition that did not come from the playbook directory.
func (r *Registry) Add(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.files[def.Name] = def
	return nil
}

// Get returns the active definition for name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.files[name]; ok {
		return d, nil
	}
	if d, ok := r.builtins[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List returns all active definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := make(map[string]*Definition, len(r.builtins)+len(r.files))
	for n, d := range r.builtins {
		merged[n] = d
	}
	for n, d := range r.files {
		merged[n] = d
	}
	out := make([]*Definition, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match returns the definitions whose trigger fires for the alert.
func (r *Registry) Match(alertType, severity string) []*Definition {
	var out []*Definition
	for _, d := range r.List() {
		if d.Trigger.Matches(alertType, severity) {
			out = append(out, d)
		}
	}
	return out
}

// LoadError reports documents in a directory that were rejected.
type LoadError struct {
	Files map[string]error
}

func (e *LoadError) Error() string {
	paths := make([]string, 0, len(e.Files))
	for p := range e.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	msgs := make([]string, len(paths))
	for i, p := range paths {
		msgs[i] = fmt.Sprintf("%s: %v", p, e.Files[p])
	}
	return fmt.Sprintf("%d playbook(s) rejected: %s", len(paths), strings.Join(msgs, "; "))
}

// LoadDir replaces the directory definitions with the documents in dir.
// Rejected documents keep the previously loaded version with the same source
// path active; the returned *LoadError lists them.
func (r *Registry) LoadDir(dir string) ([]*Definition, error) {
	paths, err := documentPaths(dir)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]*Definition)
	failed := make(map[string]error)
	for _, p := range paths {
		def, err := ParseFile(p, r.opts)
		if err != nil {
			failed[p] = err
			continue
		}
		if prev, dup := loaded[def.Name]; dup {
			failed[p] = fmt.Errorf("%w %q (also in %s)", ErrDuplicateName, def.Name, prev.Source)
			continue
		}
		loaded[def.Name] = def
	}

	r.mu.Lock()
	for _, prev := range r.files {
		if _, bad := failed[prev.Source]; !bad {
			continue
		}
		if _, replaced := loaded[prev.Name]; !replaced {
			loaded[prev.Name] = prev
		}
	}
	r.files = loaded
	r.mu.Unlock()

	out := make([]*Definition, 0, len(loaded))
	for _, d := range loaded {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(failed) > 0 {
		return out, &LoadError{Files: failed}
	}
	return out, nil
}

// ParseFile reads and parses a single playbook document.
func ParseFile(path string, opts Options) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	def, res := Parse(data, opts)
	if err := res.Err(); err != nil {
		return nil, err
	}
	def.Source = path
	return def, nil
}

func documentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read playbook directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsDocument(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// IsDocument reports whether a file name looks like a playbook document.
func IsDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}
