package realm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/realmstore/internal/seal"
	"github.com/roach88/realmstore/internal/store"
)

// sharedStore is one open realm file, shared by every handle of the registry
// opened against the same path.
//
// Encrypted files are unsealed into a working copy in the temporary directory
// and sealed back over the original when the last handle closes. The working
// copy is private to this process.
//
// refs is guarded by the registry mutex.
type sharedStore struct {
	path     string // the realm file as configured (absolute)
	workPath string // the SQLite database actually opened
	key      []byte
	store    *store.Store
	refs     int

	// writeSem serializes write transactions within the process. SQLite's
	// file lock serializes them across processes.
	writeSem chan struct{}
	signal   *commitSignal
	watcher  *commitWatcher
}

func openShared(ctx context.Context, path string, key []byte, tempDir string, ids IDGenerator, busy time.Duration) (*sharedStore, error) {
	sealed, err := isSealedFile(path)
	if err != nil {
		return nil, ioError(err, "Unable to open a realm at path '%s'.", path)
	}

	workPath := path
	if key != nil {
		if err := os.MkdirAll(tempDir, 0o700); err != nil {
			return nil, ioError(err, "Unable to create temporary directory '%s'.", tempDir)
		}
		workPath = filepath.Join(tempDir, fmt.Sprintf("realm-%s.db", ids.Generate()))
		if sealed {
			if err := seal.UnsealFile(path, workPath, key); err != nil {
				_ = store.Remove(workPath)
				return nil, ioError(err, "Unable to open an encrypted realm at path '%s'.", path)
			}
		} else if nonEmpty(path) {
			return nil, ioError(seal.ErrNotSealed, "Realm file at path '%s' is not encrypted.", path)
		}
	} else if sealed {
		return nil, ioError(seal.ErrNotSealed, "Realm file at path '%s' is encrypted; an encryption key is required.", path)
	}

	st, err := store.Open(workPath, store.Options{BusyTimeout: busy})
	if err != nil {
		if key != nil {
			_ = store.Remove(workPath)
		}
		return nil, ioError(err, "Unable to open a realm at path '%s'.", path)
	}

	latest, err := st.LatestVersion(ctx)
	if err != nil {
		_ = st.Close()
		if key != nil {
			_ = store.Remove(workPath)
		}
		return nil, ioError(err, "Unable to open a realm at path '%s'.", path)
	}

	ss := &sharedStore{
		path:     path,
		workPath: workPath,
		key:      key,
		store:    st,
		writeSem: make(chan struct{}, 1),
		signal:   newCommitSignal(latest),
	}

	// A working copy is never written by another process.
	if key == nil {
		w, err := watchCommits(workPath, st.LatestVersion, ss.signal)
		if err != nil {
			slog.Warn("commits by other processes will not wake waiters", "path", path, "error", err)
		} else {
			ss.watcher = w
		}
	}

	slog.Info("realm store opened", "path", path, "version", latest, "encrypted", key != nil)
	return ss, nil
}

// close releases the file. Called once, by the last handle.
func (ss *sharedStore) close() error {
	ss.watcher.Close()

	err := ss.store.Close()
	if err != nil {
		err = ioError(err, "Unable to close realm at path '%s'.", ss.path)
	}
	if ss.key != nil {
		if err == nil {
			if rerr := seal.ResealFile(ss.workPath, ss.path, ss.key); rerr != nil {
				// The working copy is kept so the data can be recovered.
				slog.Error("failed to reseal realm", "path", ss.path, "work_path", ss.workPath, "error", rerr)
				return ioError(rerr, "Unable to write encrypted realm at path '%s'.", ss.path)
			}
		}
		if rerr := store.Remove(ss.workPath); rerr != nil {
			slog.Warn("failed to remove working copy", "work_path", ss.workPath, "error", rerr)
		}
	}
	slog.Info("realm store closed", "path", ss.path)
	return err
}

// lockWriter takes the in-process writer slot, giving up when ctx ends or
// abort is closed.
func (ss *sharedStore) lockWriter(ctx context.Context, abort <-chan struct{}) error {
	select {
	case ss.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errHandleClosed
	}
}

// tryLockWriter takes the writer slot only if it is free.
func (ss *sharedStore) tryLockWriter() bool {
	select {
	case ss.writeSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (ss *sharedStore) unlockWriter() {
	<-ss.writeSem
}

var errHandleClosed = errors.New("handle closed")

// isSealedFile reports whether path holds a sealed container.
// A missing file is not sealed.
func isSealedFile(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := make([]byte, seal.HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return seal.IsSealed(header[:n]), nil
}

func nonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
