// Package localdb is the client's durable relational store: receipt image
// rows, the local transaction mirror, and the persisted offline queue.
package localdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// DB wraps the sqlite database holding all client-local tables.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at |path| and applies migrations.
// A migration failure is fatal to the caller: the process must not start
// against a half-migrated store.
func Open(path string) (*DB, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening local DB: %w", err)
	}
	// The client runtime is a single cooperative process; one connection
	// keeps sqlite writes serialized.
	db.SetMaxOpenConns(1)

	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating local DB: %w", err)
	}
	return &DB{db: db}, nil
}

// SQL returns the underlying handle, for composing with other stores
// sharing this database file.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func migrate(db *sql.DB) error {
	var migrations = []string{
		`CREATE TABLE IF NOT EXISTS images (
			id              TEXT PRIMARY KEY NOT NULL,
			user_id         TEXT NOT NULL,
			trace_id        TEXT NOT NULL,
			status          TEXT NOT NULL,
			local_path      TEXT NOT NULL,
			object_key      TEXT NOT NULL DEFAULT '',
			md5             BLOB,
			original_size   INTEGER NOT NULL DEFAULT 0,
			compressed_size INTEGER NOT NULL DEFAULT 0,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			uploaded_at     INTEGER,
			processed_at    INTEGER,
			error           TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS images_status ON images (status, created_at);`,
		`CREATE INDEX IF NOT EXISTS images_user_md5 ON images (user_id, md5);`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY NOT NULL,
			user_id      TEXT NOT NULL,
			image_id     TEXT NOT NULL DEFAULT '',
			amount       INTEGER NOT NULL,
			type         TEXT NOT NULL,
			date         TEXT NOT NULL,
			merchant     TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL DEFAULT '',
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			version      INTEGER NOT NULL DEFAULT 0,
			dirty        INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			confirmed_at INTEGER,
			review_notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS transactions_dirty ON transactions (dirty);`,

		`CREATE TABLE IF NOT EXISTS offline_queue (
			id             TEXT PRIMARY KEY NOT NULL,
			type           TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			timestamp      INTEGER NOT NULL,
			payload        BLOB NOT NULL
		);`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying migration: %w", err)
		}
	}
	return nil
}
