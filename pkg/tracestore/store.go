// Package tracestore archives finished traces in a SQLite database so runs
// can be listed and replayed later.
package tracestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ormasoftchile/plantrace/pkg/trace"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	plan_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	succeeded  INTEGER NOT NULL,
	events     INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_plan ON runs(plan_id, created_at);
`

// Run is the listing entry for one archived trace.
type Run struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"planId"`
	CreatedAt time.Time `json:"createdAt"`
	Succeeded bool      `json:"succeeded"`
	Events    int       `json:"events"`
}

// Store is a trace archive backed by one SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens or creates the archive at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save archives t under runID, replacing any trace already stored there.
func (s *Store) Save(ctx context.Context, runID, planID string, t trace.Trace) error {
	if runID == "" {
		return errors.New("save trace: empty run id")
	}
	if t.Version == 0 {
		t.Version = trace.Version
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, created_at, succeeded, events, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			succeeded = excluded.succeeded,
			events = excluded.events,
			doc = excluded.doc`,
		runID, planID, s.now().UnixMilli(), t.Succeeded(), len(t.Events), string(doc))
	if err != nil {
		return fmt.Errorf("save trace %s: %w", runID, err)
	}
	return nil
}

// Get loads the trace stored under runID.
func (s *Store) Get(ctx context.Context, runID string) (*trace.Trace, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM runs WHERE id = ?`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load trace %s: %w", runID, err)
	}
	return trace.Decode(bytes.NewReader([]byte(doc)))
}

// List returns archived runs, newest first. An empty planID lists every plan.
func (s *Store) List(ctx context.Context, planID string) ([]Run, error) {
	query := `SELECT id, plan_id, created_at, succeeded, events FROM runs`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id = ?`
		args = append(args, planID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.PlanID, &created, &r.Succeeded, &r.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
