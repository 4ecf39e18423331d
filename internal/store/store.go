package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty file (pre-catalog)
// 1 - realm_metadata and realm_tables
const currentSchemaVersion = 1

// DefaultBusyTimeout bounds how long a writer waits for another process
// to release the file's write lock.
const DefaultBusyTimeout = 5 * time.Second

// Sentinel errors returned (wrapped) by store operations.
var (
	ErrTableExists      = errors.New("table already exists")
	ErrNoSuchTable      = errors.New("no such table")
	ErrNotInTransaction = errors.New("no write transaction in progress")
	ErrInTransaction    = errors.New("transaction in progress")
	ErrSessionClosed    = errors.New("session is closed")
)

// Options configures Open.
type Options struct {
	// BusyTimeout is passed to SQLite as busy_timeout. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Store is one open database file shared by any number of sessions.
// Uses SQLite with WAL mode so every session can pin its own snapshot.
type Store struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts Options) (*Store, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	db, err := sql.Open("sqlite3", dsn(path, busy))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works (creates the file if it doesn't exist)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every session holds one connection for its lifetime, so the pool is not
	// capped. Idle connections serve LatestVersion and WriteCopy.
	db.SetMaxIdleConns(2)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path, busyTimeout: busy}, nil
}

// dsn builds the go-sqlite3 connection string. Pragmas in the DSN are
// executed on every new connection.
func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		path, busy.Milliseconds())
}

// Close closes the database connection pool.
// Sessions must be closed first.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// BusyTimeout returns how long a writer waits for the write lock.
func (s *Store) BusyTimeout() time.Duration {
	return s.busyTimeout
}

// LatestVersion returns the most recently committed version of the file.
// Runs outside any session, so it always observes the newest commit.
func (s *Store) LatestVersion(ctx context.Context) (uint64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM realm_metadata WHERE id = 0`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read latest version: %w", err)
	}
	return uint64(v), nil
}

// WriteCopy writes the latest committed state of the database to dest.
// dest must not exist or must be an empty file.
func (s *Store) WriteCopy(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("write copy to %s: %w", dest, err)
	}
	return nil
}

// Remove deletes a database file together with its WAL and shared-memory files.
// Missing files are not an error.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// IsBusy reports whether err is SQLite reporting the database busy or locked.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// applySchema creates catalog tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
