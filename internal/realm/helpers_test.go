package realm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/realmstore/internal/testutil"
)

// newTestRegistry creates a registry with deterministic ids and its own temp dir.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(WithIDGenerator(testutil.NewSequentialIDGenerator("h")))
	require.NoError(t, r.Init(t.TempDir()))
	return r
}

// plainConfig returns a config for a fresh, unversioned realm file.
func plainConfig(t *testing.T) Config {
	t.Helper()
	return Config{Path: testutil.RealmPath(t, "test.realm"), SchemaVersion: NotVersioned}
}

// openTestHandle opens cfg and closes the handle when the test ends.
func openTestHandle(t *testing.T, r *Registry, cfg Config, n *Notifier) *Handle {
	t.Helper()
	h, err := r.Open(context.Background(), cfg, n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// createTables commits one transaction creating the named tables.
func createTables(t *testing.T, h *Handle, names ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.BeginTransaction(ctx))
	for _, name := range names {
		_, err := h.CreateTable(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, h.CommitTransaction(ctx))
}

func mustVersion(t *testing.T, h *Handle) VersionID {
	t.Helper()
	v, err := h.CurrentVersion()
	require.NoError(t, err)
	return v
}
