package realm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmstore/internal/seal"
	"github.com/roach88/realmstore/internal/testutil"
)

func TestRegistry_InitOnce(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	require.NoError(t, r.Init(dir))
	assert.Equal(t, dir, r.TempDir())
	require.NoError(t, r.Init(dir), "same directory again is a no-op")

	err := r.Init(t.TempDir())
	assert.True(t, IsInvalidState(err), "got %v", err)
	assert.Equal(t, dir, r.TempDir())
}

func TestRegistry_InitAfterOpen(t *testing.T) {
	r := NewRegistry()
	h := openTestHandle(t, r, plainConfig(t), nil)
	require.NoError(t, h.Close())

	err := r.Init(t.TempDir())
	assert.True(t, IsInvalidState(err), "got %v", err)
	assert.Equal(t, os.TempDir(), r.TempDir())
}

func TestRegistry_InitEmpty(t *testing.T) {
	assert.True(t, IsIllegalArgument(NewRegistry().Init("")))
}

func TestRegistry_IndependentRegistries(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	require.NoError(t, a.Init(t.TempDir()))
	require.NoError(t, b.Init(t.TempDir()))
	assert.NotEqual(t, a.TempDir(), b.TempDir())
}

func TestRegistry_SharesStorePerPath(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	a := openTestHandle(t, r, cfg, nil)
	b := openTestHandle(t, r, cfg, nil)
	c := openTestHandle(t, r, plainConfig(t), nil)

	assert.Same(t, a.shared, b.shared)
	assert.NotSame(t, a.shared, c.shared)
	assert.Equal(t, 3, r.OpenHandles())

	require.NoError(t, a.Close())
	assert.Equal(t, 2, r.OpenHandles())
	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, r.OpenHandles())
}

func TestRegistry_RelativePathsShareStore(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	a := openTestHandle(t, r, cfg, nil)

	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, cfg.Path)
	require.NoError(t, err)
	b := openTestHandle(t, r, Config{Path: rel, SchemaVersion: NotVersioned}, nil)

	assert.Same(t, a.shared, b.shared)
	assert.Equal(t, cfg.Path, b.Path())
}

func TestOpen_InvalidConfig(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Open(context.Background(), Config{}, nil)
	assert.True(t, IsIllegalArgument(err))
	assert.Equal(t, 0, r.OpenHandles())
}

func TestOpen_BadPath(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Open(context.Background(), Config{Path: "/nonexistent/dir/x.realm", SchemaVersion: NotVersioned}, nil)
	assert.True(t, IsIoError(err), "got %v", err)
	assert.Equal(t, 0, r.OpenHandles())
}

func TestOpen_FreshFileRunsInitialization(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.SchemaVersion = 3
	var calls int
	cfg.Initialization = func(ctx context.Context, h *Handle) error {
		calls++
		assert.True(t, h.IsInTransaction())
		_, err := h.CreateTable(ctx, "class_Person")
		return err
	}

	h := openTestHandle(t, r, cfg, nil)
	ctx := context.Background()
	assert.Equal(t, 1, calls)

	v, err := h.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
	has, err := h.HasTable(ctx, "class_Person")
	require.NoError(t, err)
	assert.True(t, has)
	require.NoError(t, h.Close())

	// Existing files are not initialized again.
	h = openTestHandle(t, r, cfg, nil)
	assert.Equal(t, 1, calls)
}

func TestOpen_FreshFileWithoutTargetStaysUnversioned(t *testing.T) {
	r := newTestRegistry(t)
	h := openTestHandle(t, r, plainConfig(t), nil)

	v, err := h.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NotVersioned, v)
	assert.Equal(t, VersionID{}, mustVersion(t, h), "nothing was committed")
}

func TestOpen_FreshFileZeroTarget(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.SchemaVersion = 0
	h := openTestHandle(t, r, cfg, nil)

	v, err := h.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

// versionedFile creates a realm file at schema version v and returns its config.
func versionedFile(t *testing.T, r *Registry, v uint64) Config {
	t.Helper()
	cfg := plainConfig(t)
	cfg.SchemaVersion = v
	h, err := r.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	createTables(t, h, "class_Person")
	require.NoError(t, h.Close())
	return cfg
}

func TestOpen_LowerSchemaVersion(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 5)
	cfg.SchemaVersion = 4

	_, err := r.Open(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, IsInvalidSchemaVersion(err))
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Provided schema version 4 is less than last set version 5.", re.Message)
	assert.Equal(t, 0, r.OpenHandles(), "failed open releases the store")
}

func TestOpen_NoTargetAcceptsAnyVersion(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 5)
	cfg.SchemaVersion = NotVersioned

	h := openTestHandle(t, r, cfg, nil)
	v, err := h.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestOpen_MigrationRequiredWithoutCallback(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = 2

	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsSchemaMismatch(err), "got %v", err)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, cfg.Path, re.Path)
}

func TestOpen_MigrationRuns(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = 2
	cfg.Migration = func(ctx context.Context, h *Handle, oldVersion, newVersion uint64) error {
		assert.Equal(t, uint64(1), oldVersion)
		assert.Equal(t, uint64(2), newVersion)
		return h.RenameTable(ctx, "class_Person", "class_Human")
	}

	h := openTestHandle(t, r, cfg, nil)
	ctx := context.Background()
	v, err := h.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	has, err := h.HasTable(ctx, "class_Human")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOpen_MigrationErrorsClassified(t *testing.T) {
	tests := []struct {
		name  string
		fail  error
		check func(t *testing.T, err error)
	}{
		{
			name: "schema mismatch",
			fail: fmt.Errorf("property 'age' removed: %w", ErrSchemaMismatch),
			check: func(t *testing.T, err error) {
				assert.True(t, IsSchemaMismatch(err))
				var re *Error
				require.ErrorAs(t, err, &re)
				assert.NotEmpty(t, re.Path)
				assert.Contains(t, re.Message, "property 'age' removed")
			},
		},
		{
			name: "invalid schema version",
			fail: fmt.Errorf("cannot migrate from 1: %w", ErrInvalidSchemaVersion),
			check: func(t *testing.T, err error) {
				assert.True(t, IsInvalidSchemaVersion(err))
			},
		},
		{
			name: "realm error passes through",
			fail: illegalArgument("bad property"),
			check: func(t *testing.T, err error) {
				assert.True(t, IsIllegalArgument(err))
				assert.Equal(t, "ILLEGAL_ARGUMENT: bad property", err.Error())
			},
		},
		{
			name: "other error unchanged",
			fail: errors.New("disk on fire"),
			check: func(t *testing.T, err error) {
				assert.Equal(t, KindUnexpected, KindOf(err))
				assert.EqualError(t, err, "disk on fire")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			cfg := versionedFile(t, r, 1)
			cfg.SchemaVersion = 2
			cfg.Migration = func(ctx context.Context, h *Handle, _, _ uint64) error {
				if _, err := h.CreateTable(ctx, "class_Partial"); err != nil {
					return err
				}
				return tt.fail
			}

			_, err := r.Open(context.Background(), cfg, nil)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, 0, r.OpenHandles())

			// The failed migration left nothing behind.
			cfg.SchemaVersion = NotVersioned
			cfg.Migration = nil
			h := openTestHandle(t, r, cfg, nil)
			ctx := context.Background()
			v, err := h.SchemaVersion(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)
			has, err := h.HasTable(ctx, "class_Partial")
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestOpen_InitializationErrorClassified(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.SchemaVersion = 1
	cfg.Initialization = func(context.Context, *Handle) error {
		return fmt.Errorf("seed data invalid: %w", ErrSchemaMismatch)
	}

	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsSchemaMismatch(err), "got %v", err)
}

func TestOpen_ResetFile(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = 2
	cfg.SchemaMode = SchemaModeResetFile

	h := openTestHandle(t, r, cfg, nil)
	ctx := context.Background()
	v, err := h.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	empty, err := h.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty, "old tables are gone")
}

func TestOpen_ResetFileWhileShared(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = NotVersioned
	holder := openTestHandle(t, r, cfg, nil)

	cfg.SchemaVersion = 2
	cfg.SchemaMode = SchemaModeResetFile
	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsSchemaMismatch(err), "got %v", err)

	has, err := holder.HasTable(context.Background(), "class_Person")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, 1, r.OpenHandles())
}

func TestOpen_ReadOnlyMismatch(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = 2
	cfg.SchemaMode = SchemaModeReadOnly

	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsSchemaMismatch(err), "got %v", err)

	cfg.SchemaVersion = 1
	h := openTestHandle(t, r, cfg, nil)
	has, err := h.HasTable(context.Background(), "class_Person")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOpen_Encrypted(t *testing.T) {
	r := newTestRegistry(t)
	key := testutil.Key(t)
	cfg := plainConfig(t)
	cfg.EncryptionKey = key
	ctx := context.Background()

	h, err := r.Open(ctx, cfg, nil)
	require.NoError(t, err)
	createTables(t, h, "class_Secret")
	require.NoError(t, h.Close())

	// The file at rest is sealed and the working copy is gone.
	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.True(t, seal.IsSealed(data))
	leftovers, err := filepath.Glob(filepath.Join(r.TempDir(), "realm-*.db*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	h = openTestHandle(t, r, cfg, nil)
	has, err := h.HasTable(ctx, "class_Secret")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOpen_EncryptedWorkingCopyIsPrivate(t *testing.T) {
	cfg := plainConfig(t)
	cfg.EncryptionKey = testutil.Key(t)
	seed := newTestRegistry(t)
	h, err := seed.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	createTables(t, h, "class_Secret")
	require.NoError(t, h.Close())

	// Two registries stand in for two processes.
	a := openTestHandle(t, newTestRegistry(t), cfg, nil)
	b := openTestHandle(t, newTestRegistry(t), cfg, nil)
	assert.NotEqual(t, cfg.Path, a.shared.workPath)
	assert.NotEqual(t, cfg.Path, b.shared.workPath)
	assert.NotEqual(t, a.shared.workPath, b.shared.workPath)
	assert.Nil(t, a.shared.watcher, "no cross-process watcher on a working copy")
}

func TestOpen_EncryptedWrongKey(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.EncryptionKey = testutil.Key(t)
	h, err := r.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	createTables(t, h, "A")
	require.NoError(t, h.Close())

	cfg.EncryptionKey = testutil.Key(t)
	_, err = r.Open(context.Background(), cfg, nil)
	assert.True(t, IsIoError(err), "got %v", err)
	assert.ErrorIs(t, err, seal.ErrDecrypt)

	cfg.EncryptionKey = nil
	_, err = r.Open(context.Background(), cfg, nil)
	assert.True(t, IsIoError(err), "opening a sealed file without a key: %v", err)
}

func TestOpen_KeyOnPlainFile(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 0)

	cfg.EncryptionKey = testutil.Key(t)
	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsIoError(err), "got %v", err)
}

func TestOpen_SharedWithDifferentKey(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.EncryptionKey = testutil.Key(t)
	_ = openTestHandle(t, r, cfg, nil)

	cfg.EncryptionKey = testutil.Key(t)
	_, err := r.Open(context.Background(), cfg, nil)
	assert.True(t, IsIllegalArgument(err), "got %v", err)
	assert.Equal(t, 1, r.OpenHandles())
}

func TestOpen_ConfigIsCopied(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.EncryptionKey = testutil.Key(t)
	h := openTestHandle(t, r, cfg, nil)

	cfg.EncryptionKey[0] ^= 0xff
	assert.NotEqual(t, cfg.EncryptionKey, h.Config().EncryptionKey)
}

// openConcurrently opens cfg from n goroutines at once and returns the handles
// that opened and the errors of those that did not.
func openConcurrently(t *testing.T, r *Registry, cfg Config, n int) ([]*Handle, []error) {
	t.Helper()
	var (
		mu      sync.Mutex
		handles []*Handle
		errs    []error
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := r.Open(context.Background(), cfg, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			handles = append(handles, h)
		}()
	}
	close(start)
	wg.Wait()
	for _, h := range handles {
		t.Cleanup(func() { _ = h.Close() })
	}
	return handles, errs
}

func TestOpen_ConcurrentInitializationRunsOnce(t *testing.T) {
	r := newTestRegistry(t)
	cfg := plainConfig(t)
	cfg.SchemaVersion = 1
	var calls atomic.Int32
	cfg.Initialization = func(ctx context.Context, h *Handle) error {
		calls.Add(1)
		v, err := h.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		if v != NotVersioned {
			return fmt.Errorf("initializing a file at schema version %d", v)
		}
		// Give the other openers time to queue on the write lock.
		time.Sleep(20 * time.Millisecond)
		_, err = h.CreateTable(ctx, "class_Person")
		return err
	}

	const openers = 8
	handles, errs := openConcurrently(t, r, cfg, openers)
	require.Empty(t, errs)
	require.Len(t, handles, openers)
	assert.Equal(t, int32(1), calls.Load())

	ctx := context.Background()
	for _, h := range handles {
		v, err := h.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)
	}
	n, err := handles[0].Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_ConcurrentMigrationRunsOnce(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	cfg.SchemaVersion = 2

	var calls atomic.Int32
	var seen []uint64
	var mu sync.Mutex
	cfg.Migration = func(ctx context.Context, h *Handle, oldVersion, newVersion uint64) error {
		calls.Add(1)
		v, err := h.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, oldVersion, v)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return h.RenameTable(ctx, "class_Person", "class_Human")
	}

	const openers = 8
	handles, errs := openConcurrently(t, r, cfg, openers)
	require.Empty(t, errs)
	require.Len(t, handles, openers)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []uint64{1, 1}, seen, "oldVersion is the file's version when the migration runs")

	ctx := context.Background()
	for _, h := range handles {
		v, err := h.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), v)
	}
}

func TestOpen_TargetBelowVersionSetWhileWaiting(t *testing.T) {
	r := newTestRegistry(t)
	cfg := versionedFile(t, r, 1)
	ctx := context.Background()

	// A holds the write lock while B opens with a migration to 2.
	a := openTestHandle(t, r, cfg, nil)
	require.NoError(t, a.BeginTransaction(ctx))

	migrating := cfg
	migrating.SchemaVersion = 2
	migrating.Migration = func(ctx context.Context, h *Handle, oldVersion, newVersion uint64) error {
		t.Errorf("migration ran from %d to %d", oldVersion, newVersion)
		return nil
	}
	done := make(chan error, 1)
	go func() {
		h, err := r.Open(ctx, migrating, nil)
		if err == nil {
			_ = h.Close()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.SetSchemaVersion(ctx, 3))
	require.NoError(t, a.CommitTransaction(ctx))

	select {
	case err := <-done:
		assert.True(t, IsInvalidSchemaVersion(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not finish after the write lock was released")
	}
}
