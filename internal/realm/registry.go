package realm

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/realmstore/internal/store"
)

// Registry owns the process-scoped realm state: the temporary directory and
// the set of open files. Handles opened against the same path through one
// Registry share a single store.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	tempDir     string
	tempDirSet  bool
	opened      bool
	ids         IDGenerator
	busyTimeout time.Duration
	stores      map[string]*sharedStore
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets the generator for handle ids. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithBusyTimeout bounds how long BeginTransaction waits for another process
// to release the write lock. Defaults to store.DefaultBusyTimeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(r *Registry) { r.busyTimeout = d }
}

// NewRegistry creates a registry with no open files.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ids:         UUIDv7Generator{},
		busyTimeout: store.DefaultBusyTimeout,
		stores:      make(map[string]*sharedStore),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init sets the temporary directory used for working copies and staging files.
//
// It may be called once, before the first Open. Calling it again with the same
// directory is a no-op; any other later call fails with InvalidState.
func (r *Registry) Init(tempDir string) error {
	if tempDir == "" {
		return illegalArgument("Temporary directory must not be empty.")
	}
	dir, err := filepath.Abs(tempDir)
	if err != nil {
		return illegalArgument("Invalid temporary directory '%s'.", tempDir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tempDirSet {
		if r.tempDir == dir {
			return nil
		}
		return invalidState("Temporary directory is already set to '%s'.", r.tempDir)
	}
	if r.opened {
		return invalidState("Temporary directory must be set before the first realm is opened.")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ioError(err, "Unable to create temporary directory '%s'.", dir)
	}
	r.tempDir = dir
	r.tempDirSet = true
	return nil
}

// TempDir returns the directory set by Init, or os.TempDir when Init was never called.
func (r *Registry) TempDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tempDirLocked()
}

func (r *Registry) tempDirLocked() string {
	if r.tempDirSet {
		return r.tempDir
	}
	return os.TempDir()
}

// OpenHandles returns the number of open handles across all files.
func (r *Registry) OpenHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ss := range r.stores {
		n += ss.refs
	}
	return n
}

// Open opens a handle on cfg.Path.
//
// The handle is bound to the file's latest snapshot. Schema handling then runs
// as configured by cfg; if it fails, the handle is closed and the error is
// returned. A BindingContext is attached only when notifier is non-nil.
func (r *Registry) Open(ctx context.Context, cfg Config, notifier *Notifier) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, illegalArgument("Invalid realm path '%s'.", cfg.Path)
	}
	cfg.Path = abs

	h, err := r.openHandle(ctx, cfg, notifier)
	if err != nil {
		return nil, err
	}

	err = h.prepareSchema(ctx)
	if err == errResetFile {
		if err := h.Close(); err != nil {
			return nil, err
		}
		if err := r.removeFile(cfg); err != nil {
			return nil, err
		}
		slog.Info("realm file reset", "path", cfg.Path)
		if h, err = r.openHandle(ctx, cfg, notifier); err != nil {
			return nil, err
		}
		err = h.prepareSchema(ctx)
	}
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (r *Registry) openHandle(ctx context.Context, cfg Config, notifier *Notifier) (*Handle, error) {
	ss, err := r.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	session, err := ss.store.NewSession(ctx)
	if err != nil {
		_ = r.release(ss)
		return nil, ioError(err, "Unable to open a realm at path '%s'.", cfg.Path)
	}
	snap, err := session.BeginRead(ctx)
	if err != nil {
		_ = session.Close()
		_ = r.release(ss)
		return nil, ioError(err, "Unable to open a realm at path '%s'.", cfg.Path)
	}

	h := &Handle{
		id:          r.ids.Generate(),
		registry:    r,
		cfg:         cfg,
		state:       StateOpen,
		shared:      ss,
		session:     session,
		snap:        snap,
		autoRefresh: cfg.AutoRefresh,
		closed:      make(chan struct{}),
	}
	if notifier != nil {
		h.binding = newBindingContext(notifier)
	}
	slog.Debug("realm handle opened", "handle", h.id, "path", cfg.Path, "version", snap.Version)
	return h, nil
}

// acquire returns the shared store for cfg.Path, opening it on first use.
func (r *Registry) acquire(ctx context.Context, cfg Config) (*sharedStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opened = true
	if ss, ok := r.stores[cfg.Path]; ok {
		if !bytes.Equal(ss.key, cfg.EncryptionKey) {
			return nil, illegalArgument("Realm at path '%s' is already open with a different encryption key.", cfg.Path)
		}
		ss.refs++
		return ss, nil
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = r.tempDirLocked()
	}
	ss, err := openShared(ctx, cfg.Path, cfg.EncryptionKey, tempDir, r.ids, r.busyTimeout)
	if err != nil {
		return nil, err
	}
	ss.refs = 1
	r.stores[cfg.Path] = ss
	return ss, nil
}

// release drops one reference; the last one closes the store.
func (r *Registry) release(ss *sharedStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss.refs--
	if ss.refs > 0 {
		return nil
	}
	delete(r.stores, ss.path)
	return ss.close()
}

// refs returns how many handles share ss.
func (r *Registry) refs(ss *sharedStore) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ss.refs
}

// removeFile deletes a realm file that no handle holds.
func (r *Registry) removeFile(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stores[cfg.Path]; ok {
		return &Error{Kind: KindSchemaMismatch, Path: cfg.Path, Message: "Cannot reset a realm file that is open elsewhere."}
	}
	if err := store.Remove(cfg.Path); err != nil {
		return ioError(err, "Unable to delete realm at path '%s'.", cfg.Path)
	}
	return nil
}
