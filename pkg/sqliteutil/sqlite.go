// Package sqliteutil opens SQLite databases with the pragmas the mirror
// store relies on.
package sqliteutil

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// OpenDB opens a SQLite database with WAL journaling, a busy timeout and
// foreign keys enabled. The connection pool is capped at one connection
// to serialize writes.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrapOpenError(path, err)
	}

	return db, nil
}

// wrapOpenError turns SQLITE_CANTOPEN into a message naming the directory
// problem instead of the opaque driver error.
func wrapOpenError(path string, err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code() != sqlite3.SQLITE_CANTOPEN {
		return err
	}

	dir := filepath.Dir(path)
	info, statErr := os.Stat(dir)
	switch {
	case os.IsNotExist(statErr):
		return fmt.Errorf("cannot create database at %q: directory %q does not exist", path, dir)
	case statErr == nil && !info.IsDir():
		return fmt.Errorf("cannot create database at %q: %q is not a directory", path, dir)
	default:
		return fmt.Errorf("cannot create database at %q: %w", path, err)
	}
}
