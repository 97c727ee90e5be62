// Package store persists per-entry accepted state so restarts rehydrate the
// coordinator without re-geocoding or treating the first poll as a change.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no state has been persisted for an entry.
var ErrNotFound = errors.New("no persisted state for entry")

// EntryState is the durable state attached to one location entry.
type EntryState struct {
	EntryID          string
	LastLatitude     float64
	LastLongitude    float64
	LastLocationName string
	AcceptedAt       time.Time
}

// Store is a SQLite-backed state store, one row per entry.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	// Single writer; the coordinator serializes its own saves but multiple
	// entries may save concurrently.
	db.SetMaxOpenConns(1)

	const schema = `
		CREATE TABLE IF NOT EXISTS entry_state (
			entry_id           TEXT PRIMARY KEY,
			last_latitude      REAL NOT NULL,
			last_longitude     REAL NOT NULL,
			last_location_name TEXT NOT NULL DEFAULT '',
			accepted_at        TEXT NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts the accepted state for an entry.
func (s *Store) Save(state EntryState) error {
	const q = `
		INSERT INTO entry_state (entry_id, last_latitude, last_longitude, last_location_name, accepted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			last_latitude = excluded.last_latitude,
			last_longitude = excluded.last_longitude,
			last_location_name = excluded.last_location_name,
			accepted_at = excluded.accepted_at`
	_, err := s.db.Exec(q,
		state.EntryID,
		state.LastLatitude,
		state.LastLongitude,
		state.LastLocationName,
		state.AcceptedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save entry state: %w", err)
	}
	return nil
}

// Load returns the persisted state for an entry, or ErrNotFound.
func (s *Store) Load(entryID string) (EntryState, error) {
	const q = `
		SELECT entry_id, last_latitude, last_longitude, last_location_name, accepted_at
		FROM entry_state WHERE entry_id = ?`

	var state EntryState
	var acceptedAt string
	err := s.db.QueryRow(q, entryID).Scan(
		&state.EntryID,
		&state.LastLatitude,
		&state.LastLongitude,
		&state.LastLocationName,
		&acceptedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EntryState{}, ErrNotFound
	}
	if err != nil {
		return EntryState{}, fmt.Errorf("load entry state: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, acceptedAt)
	if err != nil {
		return EntryState{}, fmt.Errorf("parse accepted_at: %w", err)
	}
	state.AcceptedAt = ts
	return state, nil
}

// Delete removes the persisted state for an entry. Deleting a missing entry
// is not an error.
func (s *Store) Delete(entryID string) error {
	if _, err := s.db.Exec(`DELETE FROM entry_state WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("delete entry state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
