// Package store persists call records and fallback follow-ups in an
// embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_records (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		from_number TEXT,
		to_number TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		end_reason TEXT NOT NULL,
		transcript TEXT,
		booking_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS follow_ups (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		details TEXT,
		resolved BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_follow_ups_call ON follow_ups(call_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCallRecord upserts the record; retried persistence after a crash
// recovery must not fail on the primary key.
func (s *Store) SaveCallRecord(ctx context.Context, rec backend.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (id, direction, from_number, to_number, started_at, ended_at, end_reason, transcript, booking_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			transcript = excluded.transcript,
			booking_id = excluded.booking_id`,
		rec.ID, rec.Direction, rec.From, rec.To, rec.StartedAt.UTC(), rec.EndedAt.UTC(),
		rec.EndReason, rec.Transcript, rec.BookingID)
	if err != nil {
		return fmt.Errorf("store: save call record: %w", err)
	}
	return nil
}

// SaveFollowUp writes one follow-up row. Duplicate ids are ignored so a
// retried tool execution cannot double-book human work.
func (s *Store) SaveFollowUp(ctx context.Context, fu backend.FollowUp) error {
	createdAt := fu.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follow_ups (id, call_id, reason, details, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		fu.ID, fu.CallID, fu.Reason, fu.Details, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("store: save follow-up: %w", err)
	}
	return nil
}

// ListFollowUps returns the follow-ups recorded for a call, oldest first.
func (s *Store) ListFollowUps(ctx context.Context, callID string) ([]backend.FollowUp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, reason, details, created_at
		FROM follow_ups WHERE call_id = ? ORDER BY created_at ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("store: list follow-ups: %w", err)
	}
	defer rows.Close()

	var out []backend.FollowUp
	for rows.Next() {
		var fu backend.FollowUp
		if err := rows.Scan(&fu.ID, &fu.CallID, &fu.Reason, &fu.Details, &fu.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan follow-up: %w", err)
		}
		out = append(out, fu)
	}
	return out, rows.Err()
}

// GetCallRecord loads one call record.
func (s *Store) GetCallRecord(ctx context.Context, id string) (backend.CallRecord, bool, error) {
	var rec backend.CallRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, direction, from_number, to_number, started_at, ended_at, end_reason, transcript, booking_id
		FROM call_records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Direction, &rec.From, &rec.To, &rec.StartedAt, &rec.EndedAt,
			&rec.EndReason, &rec.Transcript, &rec.BookingID)
	if err == sql.ErrNoRows {
		return backend.CallRecord{}, false, nil
	}
	if err != nil {
		return backend.CallRecord{}, false, fmt.Errorf("store: get call record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
