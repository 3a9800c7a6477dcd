package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloadable is anything that re-reads its files on change.
type Reloadable interface {
	Reload() error
}

// Reloader watches the policy file and playbook directory and triggers a
// hot reload after changes settle.
type Reloader struct {
	watcher  *fsnotify.Watcher
	target   Reloadable
	paths    []string
	debounce time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	reloads int
}

// NewReloader creates a file watcher for the given paths. Missing paths are
// skipped.
func NewReloader(target Reloadable, paths []string, log logrus.FieldLogger) (*Reloader, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{
		watcher:  watcher,
		target:   target,
		paths:    watched,
		debounce: 500 * time.Millisecond,
		log:      log,
	}, nil
}

// Paths returns the watched paths.
func (r *Reloader) Paths() []string { return r.paths }

// Reloads returns how many reloads have run.
func (r *Reloader) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (r *Reloader) reload() {
	err := r.target.Reload()
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()
	if err != nil {
		r.log.WithError(err).Error("hot-reload failed")
		return
	}
	r.log.Info("hot-reload complete")
}
