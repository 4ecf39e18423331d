// Package store provides the SQLite-backed versioned storage engine under realm handles.
//
// The engine exposes:
//   - Sessions: one dedicated connection per realm handle
//   - Read snapshots: a deferred transaction pinned to one WAL snapshot
//   - Write snapshots: BEGIN IMMEDIATE, exclusive across processes
//   - Commit counter: realm_metadata.version, incremented by every commit
//   - Catalog: realm_tables maps schema object names to physical obj_<ordinal> tables
//
// # Critical Patterns
//
// Snapshot pinning
//   - A read snapshot is only fixed once the first SELECT runs, so BeginRead
//     loads the snapshot immediately after BEGIN
//
// Schema version sentinel
//   - schema_version is stored as the int64 bit pattern of the uint64 value
//   - -1 therefore reads back as NotVersioned
//
// # Database Configuration
//
//   - WAL mode: Concurrent readers pinned to their own snapshot
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for the inter-process write lock (default 5 seconds)
//   - foreign_keys=ON: Enforce referential integrity
//
// Pragmas are passed in the DSN so they apply to every pooled connection, not just
// the first one.
package store
