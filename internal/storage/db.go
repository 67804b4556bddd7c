package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the pure-Go SQLite database at path and enables foreign key
// enforcement, which SQLite otherwise leaves off by default.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// SQLITE_BUSY under our per-user application-level locking.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies the schema. It is idempotent and safe to call on every
// startup.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(Schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
