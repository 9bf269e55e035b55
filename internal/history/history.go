// Package history keeps a local journal of alerts and swap attempts so an
// operator can see what happened while they were away.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindSeatOpen       Kind = "seat_open"
	KindSwapFailure    Kind = "swap_failure"
	KindSwapDone       Kind = "swap_done"
	KindWatchDegraded  Kind = "watch_degraded"
	KindWatchRecovered Kind = "watch_recovered"
)

type Entry struct {
	ID     int64
	RunID  string
	At     time.Time
	Kind   Kind
	CRN    string
	Detail string
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			crn TEXT,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS events_at ON events(at);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, at, kind, crn, detail) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.At.UTC().Format(time.RFC3339Nano), string(e.Kind), e.CRN, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, at, kind, COALESCE(crn, ''), COALESCE(detail, '')
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at, kind string
		if err := rows.Scan(&e.ID, &e.RunID, &at, &kind, &e.CRN, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Kind = Kind(kind)
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse history time %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Recorder stamps entries with a run id and never fails its caller. A nil
// *Recorder discards everything.
type Recorder struct {
	store *Store
	runID string
	log   *zap.SugaredLogger
}

func NewRecorder(store *Store, runID string, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, runID: runID, log: log}
}

func (r *Recorder) Record(ctx context.Context, kind Kind, crn, detail string) {
	if r == nil || r.store == nil {
		return
	}
	e := Entry{RunID: r.runID, Kind: kind, CRN: crn, Detail: detail}
	if err := r.store.Record(ctx, e); err != nil {
		r.log.Warnf("[history] %v", err)
	}
}
