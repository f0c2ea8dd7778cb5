// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/eventrelay/internal/persistence/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	failed_at   INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_failed_at ON dead_letters (failed_at DESC);
CREATE INDEX IF NOT EXISTS dead_letters_event ON dead_letters (event_id);
`

// SQLiteStore persists entries in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the dead-letter database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Write(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letters (id, event_id, rule_id, target_id, error_kind, failed_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	error_kind = excluded.error_kind,
	failed_at  = excluded.failed_at,
	payload    = excluded.payload`,
		e.ID, e.Key.EventID, e.Key.RuleID, e.Key.TargetID, string(e.ErrorKind), e.FailedAt.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("deadletter: insert %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM dead_letters ORDER BY failed_at DESC, id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("deadletter: decode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM dead_letters WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("deadletter: get %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, fmt.Errorf("deadletter: decode %s: %w", id, err)
	}
	return e, nil
}

// PurgeBefore deletes entries that failed before t.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deadletter: purge: %w", err)
	}
	return res.RowsAffected()
}
