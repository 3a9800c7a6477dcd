package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain across all runs. Entries are also indexed
// by run id in memory so a run's trail can be read back without a scan.
//
// A Log with an empty path keeps the chain in memory only.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	runs     map[string][]Entry
	mu       sync.Mutex
	now      func() time.Time
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it replays it to recover the chain tail and
// the per-run index.
func Open(path string) (*Log, error) {
	l := &Log{path: path, prevHash: GenesisHash, runs: make(map[string][]Entry), now: time.Now}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
			var e Entry
			if json.Unmarshal(lastLine, &e) == nil && e.RunID != "" {
				l.runs[e.RunID] = append(l.runs[e.RunID], e)
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			l.prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	l.file = file
	return l, nil
}

// Path returns the backing file, or "" for an in-memory log.
func (l *Log) Path() string { return l.path }

// Record appends an entry with hash chaining. It sets PrevHash, Seq, and
// Timestamp (if empty), writes the line, and syncs to disk. The entry joins
// the run index even when the file write fails, so a run's trail never skips
// a transition; the error is returned and the file chain does not advance.
func (l *Log) Record(entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	entry.Seq = len(l.runs[entry.RunID]) + 1
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.runs[entry.RunID] = append(l.runs[entry.RunID], entry)

	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return entry, fmt.Errorf("audit: write entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return entry, fmt.Errorf("audit: sync: %w", err)
		}
	}

	l.prevHash = HashLine(line)
	return entry, nil
}

// Entries returns a copy of one run's trail in append order.
func (l *Log) Entries(runID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.runs[runID]...)
}

// Forget drops a run from the in-memory index once it is archived. The file
// is not touched.
func (l *Log) Forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runID)
}

// Restore re-indexes an archived trail so later entries for the run continue
// its sequence. It does nothing when the run is already indexed.
func (l *Log) Restore(runID string, entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[runID]; ok {
		return
	}
	l.runs[runID] = append([]Entry(nil), entries...)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
