package realm

import (
	"context"
	"errors"
	"log/slog"
)

// errResetFile asks Open to delete the file and open it again.
var errResetFile = errors.New("realm file must be reset")

// prepareSchema reconciles the file's schema version with the configured one.
// Runs once, right after the handle is bound.
//
// The first decision is taken on the bound snapshot. Another handle may
// initialize or migrate the file while this one waits for the write lock, so
// the decision is taken again on the write snapshot before any callback runs.
func (h *Handle) prepareSchema(ctx context.Context) error {
	h.mu.Lock()
	current := h.snap.SchemaVersion
	h.mu.Unlock()

	write, err := h.planSchema(current)
	if err != nil || !write {
		return err
	}

	if err := h.BeginTransaction(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	current = h.snap.SchemaVersion
	h.mu.Unlock()

	write, err = h.planSchema(current)
	if err != nil || !write {
		if cerr := h.CancelTransaction(ctx); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	return h.runInWrite(ctx, func() error {
		return h.applySchema(ctx, current)
	})
}

// planSchema reports whether the file at schema version current needs a write
// transaction to reach the configured version.
func (h *Handle) planSchema(current uint64) (bool, error) {
	cfg := h.cfg
	target := cfg.SchemaVersion

	if current == NotVersioned {
		if cfg.mode() == SchemaModeReadOnly {
			return false, nil
		}
		return cfg.Initialization != nil || target != NotVersioned, nil
	}

	if target == NotVersioned || target == current {
		return false, nil
	}
	if target < current {
		return false, &Error{
			Kind:    KindInvalidSchemaVersion,
			Path:    cfg.Path,
			Message: formatMessage("Provided schema version %d is less than last set version %d.", target, current),
		}
	}

	switch cfg.mode() {
	case SchemaModeResetFile:
		if h.registry.refs(h.shared) > 1 {
			return false, &Error{
				Kind:    KindSchemaMismatch,
				Path:    cfg.Path,
				Message: "Cannot reset a realm file that is open elsewhere.",
			}
		}
		return false, errResetFile
	case SchemaModeReadOnly:
		return false, &Error{
			Kind:    KindSchemaMismatch,
			Path:    cfg.Path,
			Message: formatMessage("Schema version %d of a read-only Realm does not match the requested version %d.", current, target),
		}
	}

	if cfg.Migration == nil {
		return false, &Error{
			Kind:    KindSchemaMismatch,
			Path:    cfg.Path,
			Message: formatMessage("Migration is required due to schema version change from %d to %d.", current, target),
		}
	}
	return true, nil
}

// applySchema runs the initialization or migration callback for a file at
// schema version current and stores the target version. Requires a write
// transaction.
func (h *Handle) applySchema(ctx context.Context, current uint64) error {
	cfg := h.cfg
	target := cfg.SchemaVersion

	if current == NotVersioned {
		if cfg.Initialization != nil {
			slog.Info("initializing realm", "handle", h.id, "path", cfg.Path)
			if err := cfg.Initialization(ctx, h); err != nil {
				return err
			}
		}
		if target == NotVersioned {
			return nil
		}
		return h.SetSchemaVersion(ctx, target)
	}

	slog.Info("migrating realm", "handle", h.id, "path", cfg.Path, "from", current, "to", target)
	if err := cfg.Migration(ctx, h, current, target); err != nil {
		return err
	}
	return h.SetSchemaVersion(ctx, target)
}

// runInWrite runs fn inside the write transaction already begun by the caller.
// A callback that ends the transaction itself is respected. fn's error is
// classified for Open.
func (h *Handle) runInWrite(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		if h.IsInTransaction() {
			_ = h.CancelTransaction(ctx)
		}
		return classifyCallbackError(h.cfg.Path, err)
	}
	if !h.IsInTransaction() {
		return nil
	}
	return h.CommitTransaction(ctx)
}
