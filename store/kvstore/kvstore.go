// Package kvstore is a small durable key-value cell store over sqlite,
// holding client-local singletons: the stored permit and its usage
// counters, sync cursors, and the persisted queue status.
package kvstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Store reads and writes named cells within a sqlite database.
type Store struct {
	db *sql.DB
}

// Well-known cell names.
const (
	CellPermit       = "permit"
	CellPermitUsage  = "permit-usage"
	CellLastSyncedAt = "last-synced-at"
	CellPullCursor   = "pull-cursor"
	CellQueueStatus  = "queue-status"
)

// NewStore prepares the cells table within |db|.
func NewStore(db *sql.DB) (*Store, error) {
	var _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cells (
			name  TEXT PRIMARY KEY NOT NULL,
			value BLOB NOT NULL
		);`)
	if err != nil {
		return nil, fmt.Errorf("creating cells table: %w", err)
	}
	return &Store{db: db}, nil
}

// Get reads the cell |name|. The boolean is false if the cell is unset.
func (s *Store) Get(name string) ([]byte, bool, error) {
	var value []byte
	var err = s.db.QueryRow(`SELECT value FROM cells WHERE name = ?;`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("reading cell %q: %w", name, err)
	}
	return value, true, nil
}

// Put upserts the cell |name|.
func (s *Store) Put(name string, value []byte) error {
	var _, err = s.db.Exec(`
		INSERT INTO cells (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value;`, name, value)
	if err != nil {
		return fmt.Errorf("writing cell %q: %w", name, err)
	}
	return nil
}

// Delete removes the cell |name|. Deleting an unset cell is a no-op.
func (s *Store) Delete(name string) error {
	var _, err = s.db.Exec(`DELETE FROM cells WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("deleting cell %q: %w", name, err)
	}
	return nil
}

// GetJSON decodes the cell |name| into |into|.
func (s *Store) GetJSON(name string, into interface{}) (bool, error) {
	var value, ok, err = s.Get(name)
	if err != nil || !ok {
		return ok, err
	}
	if err = json.Unmarshal(value, into); err != nil {
		return true, fmt.Errorf("decoding cell %q: %w", name, err)
	}
	return true, nil
}

// PutJSON encodes |value| into the cell |name|.
func (s *Store) PutJSON(name string, value interface{}) error {
	var encoded, err = json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cell %q: %w", name, err)
	}
	return s.Put(name, encoded)
}
