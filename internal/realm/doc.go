// Package realm implements realm handles: sessions on a versioned,
// transactional store file.
//
// A Registry opens handles and shares one store per file among them. Each
// Handle follows a small state machine:
//
//	Closed <- Open <-> InTransaction
//
// Outside a transaction a handle reads a pinned snapshot of the file. Only one
// handle per file can be in a transaction at a time; writers in this process
// queue on the registry, writers in other processes on SQLite's file lock.
//
// Change notification:
//   - WaitForChange blocks until a newer version is committed. StopWaitForChange
//     releases every waiter of the file.
//   - A Notifier passed to Open, and a SchemaListener registered later, are
//     held weakly and called after commits and refreshes.
//
// Errors are *Error values with a Kind; use the IsXxx helpers to test them.
package realm
