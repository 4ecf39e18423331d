package realm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/realmstore/internal/store"
)

// beginAttempt is how long one attempt to take the file's write lock waits
// before the handle lock is released and the attempt repeated.
const beginAttempt = 50 * time.Millisecond

// State is the lifecycle state of a Handle.
type State int

const (
	// StateClosed is terminal. Every operation except Close, Finalize and the
	// state queries fails with InvalidState.
	StateClosed State = iota
	// StateOpen means a read snapshot is bound and no write is in progress.
	StateOpen
	// StateInTransaction means the handle holds the file's write transaction.
	StateInTransaction
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateInTransaction:
		return "in_transaction"
	default:
		return "unknown"
	}
}

// Handle is one session on a realm file.
//
// A Handle is bound to a snapshot of the file. Outside a transaction it reads
// a pinned snapshot that only moves on Refresh (or automatically with
// auto-refresh). Inside a transaction it holds the file's only write
// transaction and sees its own uncommitted changes.
//
// Thread-safety: all methods are safe for concurrent use. Notifier and schema
// listener callbacks run without the handle lock held.
type Handle struct {
	id       string
	registry *Registry
	cfg      Config

	mu          sync.Mutex
	state       State
	shared      *sharedStore
	session     *store.Session
	snap        store.Snapshot
	base        store.Snapshot // snapshot the write transaction started from
	autoRefresh bool
	binding     *bindingContext
	closed      chan struct{} // closed by Close; wakes waiters
}

// ID returns the handle's unique id.
func (h *Handle) ID() string {
	return h.id
}

// Path returns the absolute path of the realm file.
func (h *Handle) Path() string {
	return h.cfg.Path
}

// Config returns a copy of the configuration the handle was opened with.
func (h *Handle) Config() Config {
	return h.cfg.clone()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsClosed reports whether Close has been called.
func (h *Handle) IsClosed() bool {
	return h.State() == StateClosed
}

// IsInTransaction reports whether a write transaction is open.
func (h *Handle) IsInTransaction() bool {
	return h.State() == StateInTransaction
}

// Close ends the session. Any write transaction is rolled back. Calling Close
// again is a no-op. Goroutines blocked in WaitForChange on this handle return false.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *Handle) closeLocked() error {
	if h.state == StateClosed {
		return nil
	}
	inWrite := h.state == StateInTransaction
	h.state = StateClosed
	close(h.closed)

	var errs []error
	// Session.Close rolls back any open transaction.
	if err := h.session.Close(); err != nil {
		errs = append(errs, ioError(err, "Unable to close realm session."))
	}
	if inWrite {
		h.shared.unlockWriter()
	}
	if err := h.registry.release(h.shared); err != nil {
		errs = append(errs, err)
	}
	slog.Debug("realm handle closed", "handle", h.id, "path", h.cfg.Path)
	return errors.Join(errs...)
}

// Finalize closes the handle if needed and drops its references to the store
// and the binding context. It is the explicit reclamation step after Close
// and may be called repeatedly.
func (h *Handle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.closeLocked()
	h.session = nil
	h.shared = nil
	h.binding = nil
	h.snap = store.Snapshot{}
	return err
}

// BeginTransaction starts the write transaction.
//
// It blocks while another handle holds the write transaction, in this process
// or another one. The handle's snapshot moves to the latest version.
func (h *Handle) BeginTransaction(ctx context.Context) error {
	h.mu.Lock()
	if err := h.checkCanBeginLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	ss, abort := h.shared, h.closed
	h.mu.Unlock()

	// Wait for the writer slot without holding the handle lock, so Close can wake us.
	if err := ss.lockWriter(ctx, abort); err != nil {
		if errors.Is(err, errHandleClosed) {
			return invalidState("Cannot begin a write transaction on a closed Realm.")
		}
		return err
	}

	// The file lock is taken in short attempts with the handle lock released in
	// between, so Close and reads are not held up by another process's writer.
	h.mu.Lock()
	prev := h.snap
	h.mu.Unlock()
	deadline := time.Now().Add(ss.store.BusyTimeout())
	for {
		h.mu.Lock()
		if err := h.checkCanBeginLocked(); err != nil {
			h.mu.Unlock()
			ss.unlockWriter()
			return err
		}

		snap, err := h.session.TryBeginWrite(ctx, beginAttempt)
		if err == nil {
			h.snap = snap
			h.base = snap
			h.state = StateInTransaction
			ev := h.eventLocked(prev, snap)
			slog.Debug("write transaction started", "handle", h.id, "version", snap.Version)
			h.mu.Unlock()

			ev.deliver()
			return nil
		}

		retry := store.IsBusy(err) && time.Now().Before(deadline)
		rerr := h.rebindLocked(ctx)
		ev := h.eventLocked(prev, h.snap)
		if rerr == nil {
			prev = h.snap
		}
		h.mu.Unlock()

		ev.deliver()
		switch {
		case rerr != nil:
			ss.unlockWriter()
			return ioError(errors.Join(err, rerr), "Unable to begin a write transaction.")
		case !retry:
			ss.unlockWriter()
			return ioError(err, "Unable to begin a write transaction.")
		case ctx.Err() != nil:
			ss.unlockWriter()
			return ctx.Err()
		}
	}
}

func (h *Handle) checkCanBeginLocked() error {
	switch h.state {
	case StateClosed:
		return invalidState("Cannot begin a write transaction on a closed Realm.")
	case StateInTransaction:
		return invalidState("The Realm is already in a write transaction.")
	}
	if h.cfg.mode() == SchemaModeReadOnly {
		return invalidState("Can't perform transactions on read-only Realms.")
	}
	return nil
}

// CommitTransaction commits the write transaction and binds the new version.
//
// The notifier runs after the handle is back in StateOpen. If it closes the
// handle, the commit stands and the post-commit refresh is skipped.
func (h *Handle) CommitTransaction(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateInTransaction {
		h.mu.Unlock()
		return invalidState("Can't commit a non-existing write transaction.")
	}

	prev := h.base
	version, err := h.session.Commit(ctx)
	if err != nil {
		// Commit rolled back; the handle stays usable.
		h.state = StateOpen
		h.shared.unlockWriter()
		rerr := h.rebindLocked(ctx)
		h.mu.Unlock()
		return ioError(errors.Join(err, rerr), "Unable to commit the write transaction.")
	}

	snap, err := h.session.BeginRead(ctx)
	h.shared.unlockWriter()
	h.shared.signal.publish(version)
	h.state = StateOpen
	if err != nil {
		h.mu.Unlock()
		return ioError(err, "Committed version %d but could not bind it.", version)
	}
	h.snap = snap
	ev := h.eventLocked(prev, snap)
	slog.Debug("write transaction committed", "handle", h.id, "version", version)
	h.mu.Unlock()

	ev.deliver()

	h.mu.Lock()
	if h.state != StateOpen {
		// Closed, or a new transaction was begun from the notifier.
		h.mu.Unlock()
		return nil
	}
	ev, _, err = h.refreshLocked(ctx)
	h.mu.Unlock()

	ev.deliver()
	return err
}

// CancelTransaction discards every change made since BeginTransaction.
// The handle's version is left unchanged.
func (h *Handle) CancelTransaction(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInTransaction {
		return invalidState("Can't cancel a non-existing write transaction.")
	}
	err := h.session.Rollback(ctx)
	h.state = StateOpen
	// Re-pin before releasing the writer slot so no in-process commit lands in between.
	rerr := h.rebindLocked(ctx)
	h.shared.unlockWriter()
	if err != nil || rerr != nil {
		return ioError(errors.Join(err, rerr), "Unable to cancel the write transaction.")
	}
	slog.Debug("write transaction cancelled", "handle", h.id, "version", h.snap.Version)
	return nil
}

// Refresh moves the handle's snapshot to the latest committed version.
// Returns true if the snapshot advanced.
func (h *Handle) Refresh(ctx context.Context) (bool, error) {
	h.mu.Lock()
	switch h.state {
	case StateClosed:
		h.mu.Unlock()
		return false, invalidState("Cannot refresh a closed Realm.")
	case StateInTransaction:
		h.mu.Unlock()
		return false, invalidState("Cannot refresh a Realm instance inside a transaction.")
	}
	ev, advanced, err := h.refreshLocked(ctx)
	h.mu.Unlock()

	ev.deliver()
	return advanced, err
}

// refreshLocked re-pins the read snapshot if a newer version exists.
// Must be called in StateOpen.
func (h *Handle) refreshLocked(ctx context.Context) (changeEvent, bool, error) {
	latest, err := h.shared.store.LatestVersion(ctx)
	if err != nil {
		return changeEvent{}, false, ioError(err, "Unable to refresh the Realm.")
	}
	if latest == h.snap.Version {
		return changeEvent{}, false, nil
	}

	prev := h.snap
	snap, err := h.session.BeginRead(ctx)
	if err != nil {
		return changeEvent{}, false, ioError(err, "Unable to refresh the Realm.")
	}
	h.snap = snap
	h.shared.signal.publish(snap.Version)
	slog.Debug("realm refreshed", "handle", h.id, "from", prev.Version, "to", snap.Version)
	return h.eventLocked(prev, snap), snap.Version != prev.Version, nil
}

// rebindLocked pins a fresh read snapshot after a write transaction ended.
func (h *Handle) rebindLocked(ctx context.Context) error {
	snap, err := h.session.BeginRead(ctx)
	if err != nil {
		return err
	}
	h.snap = snap
	return nil
}

func (h *Handle) eventLocked(prev, next store.Snapshot) changeEvent {
	if h.binding == nil || prev.Version == next.Version {
		return changeEvent{}
	}
	ev := changeEvent{binding: h.binding, changed: true}
	if !prev.SameShape(next) {
		ev.schemaChanged = true
		ev.schema = schemaOf(next)
	}
	return ev
}

// observe returns the snapshot read operations see, refreshing first when
// auto-refresh is on and no transaction is open.
func (h *Handle) observe(ctx context.Context) (store.Snapshot, error) {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return store.Snapshot{}, errClosed()
	}
	var (
		ev  changeEvent
		err error
	)
	if h.autoRefresh && h.state == StateOpen {
		ev, _, err = h.refreshLocked(ctx)
	}
	snap := h.snap
	h.mu.Unlock()

	ev.deliver()
	return snap, err
}

func errClosed() *Error {
	return invalidState("This Realm instance has already been closed, making it unusable.")
}

// CurrentVersion returns the version of the bound snapshot. It never refreshes.
func (h *Handle) CurrentVersion() (VersionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return VersionID{}, errClosed()
	}
	return versionIDFor(h.snap.Version), nil
}

// SchemaVersion returns the schema version of the bound snapshot, or
// NotVersioned if none was ever set.
func (h *Handle) SchemaVersion(ctx context.Context) (uint64, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return 0, err
	}
	return snap.SchemaVersion, nil
}

// SetSchemaVersion stores v. Requires a write transaction.
func (h *Handle) SetSchemaVersion(ctx context.Context, v uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWriteLocked("set the schema version"); err != nil {
		return err
	}
	if err := h.session.SetSchemaVersion(ctx, v); err != nil {
		return ioError(err, "Unable to set the schema version.")
	}
	return h.reloadLocked(ctx)
}

// Schema returns the schema descriptor of the bound snapshot.
func (h *Handle) Schema(ctx context.Context) (Schema, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return Schema{}, err
	}
	return schemaOf(snap), nil
}

// IsEmpty reports whether the schema has no tables.
func (h *Handle) IsEmpty(ctx context.Context) (bool, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return false, err
	}
	return len(snap.Tables) == 0, nil
}

// Size returns the number of tables.
func (h *Handle) Size(ctx context.Context) (int, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return 0, err
	}
	return len(snap.Tables), nil
}

// SetAutoRefresh turns auto-refresh on or off.
func (h *Handle) SetAutoRefresh(enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return errClosed()
	}
	h.autoRefresh = enabled
	return nil
}

// AutoRefresh reports whether auto-refresh is on.
func (h *Handle) AutoRefresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.autoRefresh
}

// RegisterSchemaChangedCallback replaces the schema listener. The handle keeps
// only a weak reference to l. Without a Notifier given at open time this is a no-op.
func (h *Handle) RegisterSchemaChangedCallback(l *SchemaListener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return errClosed()
	}
	if h.binding == nil {
		return nil
	}
	h.binding.setSchemaListener(l)
	return nil
}

// WaitForChange blocks until a version newer than the handle's snapshot is
// committed to the file (true), or until StopWaitForChange is called on any
// handle of the file, this handle is closed, or ctx ends (false).
//
// A pending newer version returns true immediately; WaitForChange does not
// refresh.
func (h *Handle) WaitForChange(ctx context.Context) (bool, error) {
	h.mu.Lock()
	switch h.state {
	case StateClosed:
		h.mu.Unlock()
		return false, errClosed()
	case StateInTransaction:
		h.mu.Unlock()
		return false, invalidState("Cannot wait for changes inside of a transaction.")
	}
	seen, sig, done := h.snap.Version, h.shared.signal, h.closed
	h.mu.Unlock()

	return sig.wait(ctx, seen, done)
}

// StopWaitForChange releases every goroutine blocked in WaitForChange on this
// file. Later waits return false until EnableWaitForChange is called or the
// file is reopened after all of its handles were closed.
func (h *Handle) StopWaitForChange() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return nil
	}
	h.shared.signal.release()
	return nil
}

// EnableWaitForChange re-arms WaitForChange after StopWaitForChange.
func (h *Handle) EnableWaitForChange() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return errClosed()
	}
	h.shared.signal.rearm()
	return nil
}

// checkWriteLocked fails unless a write transaction is open.
func (h *Handle) checkWriteLocked(action string) error {
	switch h.state {
	case StateClosed:
		return errClosed()
	case StateOpen:
		return invalidState("Cannot %s outside a write transaction.", action)
	}
	return nil
}

// reloadLocked rereads the catalog inside the write transaction.
func (h *Handle) reloadLocked(ctx context.Context) error {
	snap, err := h.session.Load(ctx)
	if err != nil {
		return ioError(err, "Unable to read the schema.")
	}
	h.snap = snap
	return nil
}
