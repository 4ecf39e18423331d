package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type txMode int

const (
	txNone txMode = iota
	txRead
	txWrite
)

// Session is a dedicated connection that holds at most one transaction.
//
// A read transaction pins the WAL snapshot it first reads from; a write
// transaction holds the file's exclusive write lock. Transactions are driven
// with raw BEGIN/COMMIT/ROLLBACK statements because BEGIN IMMEDIATE is not
// expressible through database/sql.TxOptions.
//
// Thread-safety: Session is not safe for concurrent use. Callers serialize access.
type Session struct {
	conn        *sql.Conn
	mode        txMode
	busyTimeout int64 // milliseconds, restored after Vacuum
}

// NewSession reserves a connection from the pool for a new session.
func (s *Store) NewSession(ctx context.Context) (*Session, error) {
	if s.db == nil {
		return nil, ErrSessionClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve connection: %w", err)
	}
	return &Session{conn: conn, busyTimeout: s.busyTimeout.Milliseconds()}, nil
}

// Close ends any open transaction and returns the connection to the pool.
func (x *Session) Close() error {
	if x.conn == nil {
		return nil
	}
	if x.mode != txNone {
		_, _ = x.conn.ExecContext(context.Background(), "ROLLBACK")
		x.mode = txNone
	}
	err := x.conn.Close()
	x.conn = nil
	return err
}

// InWrite reports whether a write transaction is open.
func (x *Session) InWrite() bool {
	return x.mode == txWrite
}

// BeginRead ends any read transaction and pins a new snapshot at the latest
// committed version.
func (x *Session) BeginRead(ctx context.Context) (Snapshot, error) {
	if err := x.EndRead(ctx); err != nil {
		return Snapshot{}, err
	}
	if _, err := x.exec(ctx, "BEGIN DEFERRED"); err != nil {
		return Snapshot{}, fmt.Errorf("begin read: %w", err)
	}
	x.mode = txRead

	// The first read fixes the snapshot.
	snap, err := x.Load(ctx)
	if err != nil {
		_ = x.EndRead(ctx)
		return Snapshot{}, err
	}
	return snap, nil
}

// EndRead releases the pinned read snapshot, if any.
func (x *Session) EndRead(ctx context.Context) error {
	switch x.mode {
	case txNone:
		return nil
	case txWrite:
		return ErrInTransaction
	}
	x.mode = txNone
	if _, err := x.exec(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("end read: %w", err)
	}
	return nil
}

// BeginWrite releases the read snapshot and starts an exclusive write
// transaction at the latest committed version. Blocks up to busy_timeout while
// another process holds the write lock.
func (x *Session) BeginWrite(ctx context.Context) (Snapshot, error) {
	if err := x.EndRead(ctx); err != nil {
		return Snapshot{}, err
	}
	if _, err := x.exec(ctx, "BEGIN IMMEDIATE"); err != nil {
		return Snapshot{}, fmt.Errorf("begin write: %w", err)
	}
	x.mode = txWrite

	snap, err := x.Load(ctx)
	if err != nil {
		_ = x.Rollback(ctx)
		return Snapshot{}, err
	}
	return snap, nil
}

// TryBeginWrite is BeginWrite with busy_timeout lowered to wait for this
// attempt. When another process holds the write lock past wait it fails with
// an error for which IsBusy reports true, and no transaction is open.
func (x *Session) TryBeginWrite(ctx context.Context, wait time.Duration) (Snapshot, error) {
	if _, err := x.exec(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", wait.Milliseconds())); err != nil {
		return Snapshot{}, fmt.Errorf("begin write: %w", err)
	}
	defer func() {
		_, _ = x.exec(context.Background(), fmt.Sprintf("PRAGMA busy_timeout = %d", x.busyTimeout))
	}()
	return x.BeginWrite(ctx)
}

// Commit increments the commit counter and commits the write transaction.
// Returns the new version. On failure the transaction is rolled back.
func (x *Session) Commit(ctx context.Context) (uint64, error) {
	if x.mode != txWrite {
		return 0, ErrNotInTransaction
	}
	if _, err := x.exec(ctx, `UPDATE realm_metadata SET version = version + 1 WHERE id = 0`); err != nil {
		_ = x.Rollback(ctx)
		return 0, fmt.Errorf("commit: bump version: %w", err)
	}
	var v int64
	if err := x.conn.QueryRowContext(ctx, `SELECT version FROM realm_metadata WHERE id = 0`).Scan(&v); err != nil {
		_ = x.Rollback(ctx)
		return 0, fmt.Errorf("commit: read version: %w", err)
	}
	if _, err := x.exec(ctx, "COMMIT"); err != nil {
		_ = x.Rollback(ctx)
		return 0, fmt.Errorf("commit: %w", err)
	}
	x.mode = txNone
	return uint64(v), nil
}

// Rollback discards the write transaction.
func (x *Session) Rollback(ctx context.Context) error {
	if x.mode != txWrite {
		return ErrNotInTransaction
	}
	x.mode = txNone
	if _, err := x.exec(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Load reads the catalog visible to the current transaction.
func (x *Session) Load(ctx context.Context) (Snapshot, error) {
	if x.conn == nil {
		return Snapshot{}, ErrSessionClosed
	}

	var version, schemaVersion int64
	err := x.conn.QueryRowContext(ctx,
		`SELECT version, schema_version FROM realm_metadata WHERE id = 0`,
	).Scan(&version, &schemaVersion)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load metadata: %w", err)
	}

	rows, err := x.conn.QueryContext(ctx, `SELECT ordinal, name FROM realm_tables ORDER BY ordinal ASC`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := []TableInfo{}
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Ordinal, &t.Name); err != nil {
			return Snapshot{}, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate tables: %w", err)
	}

	return Snapshot{
		Version:       uint64(version),
		SchemaVersion: uint64(schemaVersion),
		Tables:        tables,
	}, nil
}

// CreateTable adds a schema object and its physical table.
func (x *Session) CreateTable(ctx context.Context, name string) (TableInfo, error) {
	if x.mode != txWrite {
		return TableInfo{}, ErrNotInTransaction
	}
	if _, ok, err := x.lookup(ctx, name); err != nil {
		return TableInfo{}, err
	} else if ok {
		return TableInfo{}, fmt.Errorf("create table %q: %w", name, ErrTableExists)
	}

	res, err := x.exec(ctx, `INSERT INTO realm_tables (name) VALUES (?)`, name)
	if err != nil {
		return TableInfo{}, fmt.Errorf("create table %q: %w", name, err)
	}
	ordinal, err := res.LastInsertId()
	if err != nil {
		return TableInfo{}, fmt.Errorf("create table %q: %w", name, err)
	}
	if _, err := x.exec(ctx, fmt.Sprintf(`CREATE TABLE %s (id INTEGER PRIMARY KEY)`, physicalName(ordinal))); err != nil {
		return TableInfo{}, fmt.Errorf("create table %q: %w", name, err)
	}
	return TableInfo{Ordinal: ordinal, Name: name}, nil
}

// RenameTable changes the name of a schema object. The physical table keeps
// its ordinal-based name.
func (x *Session) RenameTable(ctx context.Context, oldName, newName string) error {
	if x.mode != txWrite {
		return ErrNotInTransaction
	}
	t, ok, err := x.lookup(ctx, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rename table %q: %w", oldName, ErrNoSuchTable)
	}
	if oldName == newName {
		return nil
	}
	if _, exists, err := x.lookup(ctx, newName); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("rename table %q to %q: %w", oldName, newName, ErrTableExists)
	}
	if _, err := x.exec(ctx, `UPDATE realm_tables SET name = ? WHERE ordinal = ?`, newName, t.Ordinal); err != nil {
		return fmt.Errorf("rename table %q: %w", oldName, err)
	}
	return nil
}

// RemoveTable drops a schema object and its physical table.
func (x *Session) RemoveTable(ctx context.Context, name string) error {
	if x.mode != txWrite {
		return ErrNotInTransaction
	}
	t, ok, err := x.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remove table %q: %w", name, ErrNoSuchTable)
	}
	if _, err := x.exec(ctx, `DELETE FROM realm_tables WHERE ordinal = ?`, t.Ordinal); err != nil {
		return fmt.Errorf("remove table %q: %w", name, err)
	}
	if _, err := x.exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, physicalName(t.Ordinal))); err != nil {
		return fmt.Errorf("remove table %q: %w", name, err)
	}
	return nil
}

// SetSchemaVersion stores v in the write transaction.
func (x *Session) SetSchemaVersion(ctx context.Context, v uint64) error {
	if x.mode != txWrite {
		return ErrNotInTransaction
	}
	if _, err := x.exec(ctx, `UPDATE realm_metadata SET schema_version = ? WHERE id = 0`, int64(v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Vacuum rebuilds the database file to reclaim free pages.
// Returns false without error when another connection keeps the file busy.
// Must be called with no transaction open.
func (x *Session) Vacuum(ctx context.Context) (bool, error) {
	if x.mode != txNone {
		return false, ErrInTransaction
	}
	if _, err := x.exec(ctx, "PRAGMA busy_timeout = 0"); err != nil {
		return false, fmt.Errorf("vacuum: %w", err)
	}
	defer func() {
		_, _ = x.exec(context.Background(), fmt.Sprintf("PRAGMA busy_timeout = %d", x.busyTimeout))
	}()

	if _, err := x.exec(ctx, "VACUUM"); err != nil {
		if IsBusy(err) {
			return false, nil
		}
		return false, fmt.Errorf("vacuum: %w", err)
	}
	if _, err := x.exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil && !IsBusy(err) {
		return false, fmt.Errorf("vacuum: checkpoint: %w", err)
	}
	return true, nil
}

func (x *Session) lookup(ctx context.Context, name string) (TableInfo, bool, error) {
	t := TableInfo{Name: name}
	err := x.conn.QueryRowContext(ctx, `SELECT ordinal FROM realm_tables WHERE name = ?`, name).Scan(&t.Ordinal)
	if errors.Is(err, sql.ErrNoRows) {
		return TableInfo{}, false, nil
	}
	if err != nil {
		return TableInfo{}, false, fmt.Errorf("lookup table %q: %w", name, err)
	}
	return t, true, nil
}

func (x *Session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if x.conn == nil {
		return nil, ErrSessionClosed
	}
	return x.conn.ExecContext(ctx, query, args...)
}

// physicalName returns the SQLite table backing the schema object with the given ordinal.
func physicalName(ordinal int64) string {
	return fmt.Sprintf("obj_%d", ordinal)
}
