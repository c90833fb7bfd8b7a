package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a sqlite database file read-write. The pool is capped at one
// connection: the modernc driver gives every pooled connection its own
// in-memory database when the DSN is ":memory:", and file databases gain
// nothing from concurrent writers anyway.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// OpenMemory opens a fresh private in-memory database.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}
