// Package db keeps a catalogue of scan runs and their points in sqlite.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/emittance.scan/internal/timeutil"
)

// DB wraps the sqlite handle of the run catalogue.
type DB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (creating when needed) the catalogue at path and applies the
// embedded migrations. Use ":memory:" for a throwaway catalogue.
func Open(path string) (*DB, error) {
	// Connection pragmas go in the DSN so every pooled connection gets them.
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, path: path, clock: timeutil.RealClock{}}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used for run timestamps.
func (db *DB) SetClock(c timeutil.Clock) { db.clock = c }

// Path returns the file the catalogue was opened from.
func (db *DB) Path() string { return db.path }

func (db *DB) applyPragmas() error {
	if db.path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	return nil
}
