// Package approval persists human approval requests for runs parked in
// AwaitingApproval. One JSON file per run id.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("approval not found")
	// ErrResolved is returned when resolving a request that is no longer pending.
	ErrResolved = errors.New("approval already resolved")
)

// Approval is a single approval request and its state.
type Approval struct {
	RunID      string     `json:"run_id"`
	Playbook   string     `json:"playbook"`
	Action     string     `json:"action"`
	RiskLevel  string     `json:"risk_level"`
	Resource   string     `json:"resource"`
	Decision   string     `json:"decision"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store manages approval files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "playwatch-approvals")
	}
	return filepath.Join(home, ".playwatch", "approvals")
}

// Request creates a pending approval. No-op if one already exists for the run.
func (s *Store) Request(a Approval) error {
	if err := validateKey(a.RunID); err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(a.RunID)
	if _, err := os.Stat(path); err == nil {
		return nil // already exists
	}

	a.Status = StatusPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.writeAtomic(path, a)
}

// Approve resolves a pending request as approved.
func (s *Store) Approve(runID, by, note string) (*Approval, error) {
	return s.resolve(runID, StatusApproved, by, note)
}

// Deny resolves a pending request as denied.
func (s *Store) Deny(runID, by, note string) (*Approval, error) {
	return s.resolve(runID, StatusDenied, by, note)
}

// Expire resolves a pending request whose SLA ran out.
func (s *Store) Expire(runID string) (*Approval, error) {
	return s.resolve(runID, StatusExpired, "sla", "")
}

func (s *Store) resolve(runID string, status Status, by, note string) (*Approval, error) {
	if err := validateKey(runID); err != nil {
		return nil, fmt.Errorf("invalid run id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(runID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return a, fmt.Errorf("%w: run %s is %s", ErrResolved, runID, a.Status)
	}

	a.Status = status
	a.ResolvedBy = by
	a.Note = note
	now := time.Now().UTC()
	a.ResolvedAt = &now

	if err := s.writeAtomic(s.path(runID), *a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the approval for a run.
func (s *Store) Get(runID string) (*Approval, error) {
	if err := validateKey(runID); err != nil {
		return nil, fmt.Errorf("invalid run id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(runID)
}

// List returns approvals, oldest first. An empty status lists all.
func (s *Store) List(status Status) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var approvals []Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		approvals = append(approvals, *a)
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].CreatedAt.Before(approvals[j].CreatedAt) })
	return approvals, nil
}

// Cleanup removes resolved approvals older than age.
func (s *Store) Cleanup(age time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().UTC().Add(-age)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || a.ResolvedAt == nil || a.ResolvedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Approval, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

func (s *Store) writeAtomic(path string, a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
