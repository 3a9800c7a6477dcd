// Package store archives terminal runs and their audit trails in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/model"
)

// ErrNotFound is returned when a run is not in the archive.
var ErrNotFound = errors.New("run not archived")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	playbook     TEXT NOT NULL,
	version      TEXT NOT NULL,
	state        TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT NOT NULL,
	environment  TEXT NOT NULL,
	resource_id  TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_playbook ON runs (playbook, started_at);
CREATE TABLE IF NOT EXISTS audit_entries (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	ts         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	step       TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	decision   TEXT NOT NULL,
	reasoning  TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Archive is the SQLite run archive.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path. ":memory:" is accepted.
func Open(path string) (*Archive, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("archive: create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	// One writer; an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Save stores a terminal run and its trail. Saving the same run again
// replaces the row and appends only entries not yet stored, so a manual
// rollback recorded after archiving is kept.
func (a *Archive) Save(ctx context.Context, run *model.ExecutionRun, entries []audit.Entry) error {
	run = run.Snapshot()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("archive: marshal run: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	var ended sql.NullString
	if run.EndedAt != nil {
		ended = sql.NullString{String: run.EndedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, playbook, version, state, outcome, reason, environment, resource_id, started_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state, outcome = excluded.outcome, reason = excluded.reason,
			ended_at = excluded.ended_at, data = excluded.data`,
		run.RunID, run.PlaybookName, run.PlaybookVersion, string(run.State), string(run.Outcome), string(run.Reason),
		run.Environment, run.ResourceID, run.StartedAt.UTC().Format(time.RFC3339Nano), ended, string(data))
	if err != nil {
		return fmt.Errorf("archive: save run %s: %w", run.RunID, err)
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO audit_entries (run_id, seq, ts, kind, step, from_state, to_state, decision, reasoning, prev_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.Seq, e.Timestamp, e.Kind, e.Step, e.From, e.To, e.Decision, e.Reasoning, e.PrevHash)
		if err != nil {
			return fmt.Errorf("archive: save audit entry %s/%d: %w", e.RunID, e.Seq, err)
		}
	}
	return tx.Commit()
}

// Get loads an archived run and its trail.
func (a *Archive) Get(ctx context.Context, runID string) (*model.ExecutionRun, []audit.Entry, error) {
	var data string
	err := a.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("archive: get run %s: %w", runID, err)
	}
	run := &model.ExecutionRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, nil, fmt.Errorf("archive: decode run %s: %w", runID, err)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, kind, step, from_state, to_state, decision, reasoning, prev_hash
		FROM audit_entries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: get trail %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Timestamp, &e.Kind, &e.Step, &e.From, &e.To, &e.Decision, &e.Reasoning, &e.PrevHash); err != nil {
			return nil, nil, fmt.Errorf("archive: scan trail %s: %w", runID, err)
		}
		e.Playbook = run.PlaybookName
		entries = append(entries, e)
	}
	return run, entries, rows.Err()
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Playbook string
	State    model.State
	Limit    int
}

// List returns archived runs, newest first.
func (a *Archive) List(ctx context.Context, f Filter) ([]*model.ExecutionRun, error) {
	var (
		where []string
		args  []any
	)
	if f.Playbook != "" {
		where = append(where, "playbook = ?")
		args = append(args, f.Playbook)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	query := "SELECT data FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutionRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		run := &model.ExecutionRun{}
		if err := json.Unmarshal([]byte(data), run); err != nil {
			return nil, fmt.Errorf("archive: decode: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
