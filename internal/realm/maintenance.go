package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/realmstore/internal/seal"
)

// Compact rebuilds the file to reclaim unused space.
//
// Compaction is advisory: it returns false without error when the handle is
// read-only, when other handles of this registry share the file, when another
// handle holds the write transaction, or when another process keeps the file busy.
func (h *Handle) Compact(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateClosed:
		return false, errClosed()
	case StateInTransaction:
		return false, invalidState("Cannot compact a Realm within a transaction.")
	}
	if h.cfg.mode() == SchemaModeReadOnly {
		return false, nil
	}
	if h.registry.refs(h.shared) > 1 {
		return false, nil
	}
	if !h.shared.tryLockWriter() {
		return false, nil
	}
	defer h.shared.unlockWriter()

	if err := h.session.EndRead(ctx); err != nil {
		return false, ioError(err, "Unable to compact the Realm.")
	}
	ok, err := h.session.Vacuum(ctx)
	rerr := h.rebindLocked(ctx)
	if err != nil || rerr != nil {
		return false, ioError(errors.Join(err, rerr), "Unable to compact the Realm.")
	}
	slog.Info("realm compacted", "handle", h.id, "path", h.cfg.Path, "compacted", ok)
	return ok, nil
}

// WriteCopy writes the latest committed state of the file to dest, which must
// not exist. With a non-nil key the copy is sealed with it. Uncommitted changes
// of an open write transaction are not included.
func (h *Handle) WriteCopy(ctx context.Context, dest string, key []byte) error {
	if key != nil && len(key) != EncryptionKeySize {
		return illegalArgument("Encryption key must be %d bytes, got %d.", EncryptionKeySize, len(key))
	}
	if dest == "" {
		return illegalArgument("A destination path is required.")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return errClosed()
	}
	if _, err := os.Stat(dest); err == nil {
		return ioError(os.ErrExist, "File at path '%s' already exists.", dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return ioError(err, "Unable to write a copy to '%s'.", dest)
	}

	if key == nil {
		if err := h.shared.store.WriteCopy(ctx, dest); err != nil {
			return ioError(err, "Unable to write a copy to '%s'.", dest)
		}
		slog.Info("realm copy written", "handle", h.id, "dest", dest)
		return nil
	}

	tempDir := h.cfg.TempDir
	if tempDir == "" {
		tempDir = h.registry.TempDir()
	}
	staging := filepath.Join(tempDir, fmt.Sprintf("copy-%s.db", h.registry.ids.Generate()))
	defer os.Remove(staging)

	if err := h.shared.store.WriteCopy(ctx, staging); err != nil {
		return ioError(err, "Unable to write a copy to '%s'.", dest)
	}
	if err := seal.SealFile(staging, dest, key); err != nil {
		return ioError(err, "Unable to write an encrypted copy to '%s'.", dest)
	}
	slog.Info("realm copy written", "handle", h.id, "dest", dest, "encrypted", true)
	return nil
}
