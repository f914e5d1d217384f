// Package store persists the refresh journal and the last published result
// in SQLite, so the status API can answer across restarts and refresh
// behavior stays inspectable after the fact.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"nextmeet/internal/model"
)

// Store manages all SQLite operations. WAL mode keeps concurrent reads from
// the web handlers cheap while the orchestrator writes.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and initializes the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refreshes (
		id             TEXT PRIMARY KEY,
		reason         TEXT NOT NULL,
		started_at     TEXT NOT NULL,
		finished_at    TEXT NOT NULL,
		source_count   INTEGER NOT NULL,
		failed_sources INTEGER NOT NULL,
		instance_count INTEGER NOT NULL,
		next_title     TEXT,
		note           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_refreshes_started ON refreshes(started_at);

	CREATE TABLE IF NOT EXISTS snapshot (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		published_at TEXT NOT NULL,
		payload      TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RefreshRecord is one journal row describing a completed pipeline run.
type RefreshRecord struct {
	ID            string
	Reason        string
	StartedAt     time.Time
	FinishedAt    time.Time
	SourceCount   int
	FailedSources int
	InstanceCount int
	NextTitle     string
	Note          string
}

// RecordRefresh appends a journal row.
func (s *Store) RecordRefresh(rec RefreshRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO refreshes
			(id, reason, started_at, finished_at, source_count, failed_sources, instance_count, next_title, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Reason,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.SourceCount, rec.FailedSources, rec.InstanceCount,
		rec.NextTitle, rec.Note,
	)
	if err != nil {
		return fmt.Errorf("record refresh: %w", err)
	}
	return nil
}

// LastRefresh returns the most recent journal row, or false when the
// journal is empty.
func (s *Store) LastRefresh() (RefreshRecord, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, reason, started_at, finished_at, source_count, failed_sources, instance_count, next_title, note
		FROM refreshes ORDER BY started_at DESC LIMIT 1`)

	var rec RefreshRecord
	var started, finished string
	err := row.Scan(&rec.ID, &rec.Reason, &started, &finished,
		&rec.SourceCount, &rec.FailedSources, &rec.InstanceCount, &rec.NextTitle, &rec.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshRecord{}, false, nil
	}
	if err != nil {
		return RefreshRecord{}, false, fmt.Errorf("last refresh: %w", err)
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return rec, true, nil
}

// Snapshot is the persisted form of the last published result.
type Snapshot struct {
	PublishedAt time.Time             `json:"published_at"`
	Next        *model.EventInstance  `json:"next,omitempty"`
	All         []model.EventInstance `json:"all"`
}

// SaveSnapshot replaces the single persisted snapshot row.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshot (id, published_at, payload) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET published_at = excluded.published_at, payload = excluded.payload`,
		snap.PublishedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot, or false when none exists.
func (s *Store) LoadSnapshot() (Snapshot, bool, error) {
	row := s.db.QueryRow(`SELECT payload FROM snapshot WHERE id = 1`)

	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}
