package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSession_FreshSnapshot(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	snap, err := x.BeginRead(ctx)
	if err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	if snap.Version != 0 {
		t.Errorf("Version = %d, want 0", snap.Version)
	}
	if snap.SchemaVersion != NotVersioned {
		t.Errorf("SchemaVersion = %d, want NotVersioned", snap.SchemaVersion)
	}
	if snap.Tables == nil || len(snap.Tables) != 0 {
		t.Errorf("Tables = %v, want empty non-nil slice", snap.Tables)
	}
}

func TestSession_CommitIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	for want := uint64(1); want <= 3; want++ {
		if _, err := x.BeginWrite(ctx); err != nil {
			t.Fatalf("BeginWrite() failed: %v", err)
		}
		got, err := x.Commit(ctx)
		if err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		if got != want {
			t.Errorf("Commit() = %d, want %d", got, want)
		}
	}

	latest, err := s.LatestVersion(ctx)
	if err != nil {
		t.Fatalf("LatestVersion() failed: %v", err)
	}
	if latest != 3 {
		t.Errorf("LatestVersion() = %d, want 3", latest)
	}
}

func TestSession_ReadSnapshotIsPinned(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	reader := createTestSession(t, s)
	writer := createTestSession(t, s)

	if _, err := reader.BeginRead(ctx); err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}

	if _, err := writer.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	if _, err := writer.CreateTable(ctx, "class_Dog"); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	if _, err := writer.Commit(ctx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	pinned, err := reader.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if pinned.Version != 0 || len(pinned.Tables) != 0 {
		t.Errorf("pinned snapshot moved: version=%d tables=%v", pinned.Version, pinned.TableNames())
	}

	fresh, err := reader.BeginRead(ctx)
	if err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	if fresh.Version != 1 {
		t.Errorf("fresh Version = %d, want 1", fresh.Version)
	}
	if _, ok := fresh.Lookup("class_Dog"); !ok {
		t.Error("fresh snapshot missing class_Dog")
	}
}

func TestSession_RollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	if _, err := x.CreateTable(ctx, "class_Dog"); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	if err := x.SetSchemaVersion(ctx, 7); err != nil {
		t.Fatalf("SetSchemaVersion() failed: %v", err)
	}
	if err := x.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}

	snap, err := x.BeginRead(ctx)
	if err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	if len(snap.Tables) != 0 {
		t.Errorf("Tables = %v after rollback, want none", snap.TableNames())
	}
	if snap.SchemaVersion != NotVersioned {
		t.Errorf("SchemaVersion = %d after rollback, want NotVersioned", snap.SchemaVersion)
	}
	if physicalTableExists(t, s.db, "obj_1") {
		t.Error("physical table survived rollback")
	}
}

func TestSession_TableLifecycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}

	person, err := x.CreateTable(ctx, "class_Person")
	if err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	snap, err := x.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, ok := snap.Lookup("class_Person"); !ok {
		t.Fatal("class_Person missing from write snapshot")
	}

	if _, err := x.CreateTable(ctx, "class_Person"); !errors.Is(err, ErrTableExists) {
		t.Errorf("duplicate CreateTable() error = %v, want ErrTableExists", err)
	}
	if _, err := x.CreateTable(ctx, "class_Dog"); err != nil {
		t.Fatalf("CreateTable(Dog) failed: %v", err)
	}

	if err := x.RenameTable(ctx, "class_Person", "class_Dog"); !errors.Is(err, ErrTableExists) {
		t.Errorf("rename onto existing error = %v, want ErrTableExists", err)
	}
	if err := x.RenameTable(ctx, "class_Ghost", "class_Cat"); !errors.Is(err, ErrNoSuchTable) {
		t.Errorf("rename missing error = %v, want ErrNoSuchTable", err)
	}
	if err := x.RenameTable(ctx, "class_Person", "class_Human"); err != nil {
		t.Fatalf("RenameTable() failed: %v", err)
	}
	if err := x.RemoveTable(ctx, "class_Dog"); err != nil {
		t.Fatalf("RemoveTable() failed: %v", err)
	}
	if err := x.RemoveTable(ctx, "class_Dog"); !errors.Is(err, ErrNoSuchTable) {
		t.Errorf("second RemoveTable() error = %v, want ErrNoSuchTable", err)
	}

	if _, err := x.Commit(ctx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	snap, err = x.BeginRead(ctx)
	if err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	names := snap.TableNames()
	if len(names) != 1 || names[0] != "class_Human" {
		t.Errorf("tables = %v, want [class_Human]", names)
	}
	human, _ := snap.Lookup("class_Human")
	if human.Ordinal != person.Ordinal {
		t.Errorf("rename changed ordinal: %d -> %d", person.Ordinal, human.Ordinal)
	}
	if !physicalTableExists(t, s.db, physicalName(person.Ordinal)) {
		t.Error("physical table for class_Human missing")
	}
}

func TestSession_CreationOrder(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	want := []string{"class_Zebra", "class_Ant", "class_Mole"}
	for _, name := range want {
		if _, err := x.CreateTable(ctx, name); err != nil {
			t.Fatalf("CreateTable(%s) failed: %v", name, err)
		}
	}
	snap, err := x.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if fmt.Sprint(snap.TableNames()) != fmt.Sprint(want) {
		t.Errorf("TableNames() = %v, want %v", snap.TableNames(), want)
	}
}

func TestSession_CaseSensitiveNames(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	if _, err := x.CreateTable(ctx, "class_person"); err != nil {
		t.Fatalf("CreateTable(person) failed: %v", err)
	}
	if _, err := x.CreateTable(ctx, "class_Person"); err != nil {
		t.Fatalf("CreateTable(Person) failed: %v", err)
	}
	if _, err := x.Commit(ctx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func TestSession_SchemaVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	for _, v := range []uint64{0, 42, NotVersioned - 1, NotVersioned} {
		if _, err := x.BeginWrite(ctx); err != nil {
			t.Fatalf("BeginWrite() failed: %v", err)
		}
		if err := x.SetSchemaVersion(ctx, v); err != nil {
			t.Fatalf("SetSchemaVersion(%d) failed: %v", v, err)
		}
		if _, err := x.Commit(ctx); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		snap, err := x.BeginRead(ctx)
		if err != nil {
			t.Fatalf("BeginRead() failed: %v", err)
		}
		if snap.SchemaVersion != v {
			t.Errorf("SchemaVersion = %d, want %d", snap.SchemaVersion, v)
		}
	}
}

func TestSession_MutationsRequireWrite(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginRead(ctx); err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	if _, err := x.CreateTable(ctx, "class_A"); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("CreateTable() error = %v, want ErrNotInTransaction", err)
	}
	if err := x.RenameTable(ctx, "class_A", "class_B"); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("RenameTable() error = %v, want ErrNotInTransaction", err)
	}
	if err := x.RemoveTable(ctx, "class_A"); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("RemoveTable() error = %v, want ErrNotInTransaction", err)
	}
	if err := x.SetSchemaVersion(ctx, 1); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("SetSchemaVersion() error = %v, want ErrNotInTransaction", err)
	}
	if _, err := x.Commit(ctx); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("Commit() error = %v, want ErrNotInTransaction", err)
	}
	if err := x.Rollback(ctx); !errors.Is(err, ErrNotInTransaction) {
		t.Errorf("Rollback() error = %v, want ErrNotInTransaction", err)
	}
}

func TestSession_VacuumRequiresNoTransaction(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x := createTestSession(t, s)

	if _, err := x.BeginRead(ctx); err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	if _, err := x.Vacuum(ctx); !errors.Is(err, ErrInTransaction) {
		t.Errorf("Vacuum() in read error = %v, want ErrInTransaction", err)
	}
	if err := x.EndRead(ctx); err != nil {
		t.Fatalf("EndRead() failed: %v", err)
	}

	ok, err := x.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum() failed: %v", err)
	}
	if !ok {
		t.Error("Vacuum() = false on an idle store")
	}

	// busy_timeout is restored on the session's connection
	var busy string
	if err := x.conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busy != "5000" {
		t.Errorf("busy_timeout = %s after Vacuum, want 5000", busy)
	}
}

func TestSession_TryBeginWriteBusy(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	// A second pool on the same file holds the write lock like another process.
	other, err := Open(s.Path(), Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { other.Close() })
	holder := createTestSession(t, other)
	if _, err := holder.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}

	x := createTestSession(t, s)
	if _, err := x.BeginRead(ctx); err != nil {
		t.Fatalf("BeginRead() failed: %v", err)
	}
	start := time.Now()
	_, err = x.TryBeginWrite(ctx, 20*time.Millisecond)
	if !IsBusy(err) {
		t.Fatalf("TryBeginWrite() error = %v, want busy", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("TryBeginWrite() waited %v, want about 20ms", elapsed)
	}
	if x.InWrite() {
		t.Error("InWrite() = true after a failed attempt")
	}

	var busy string
	if err := x.conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busy != "5000" {
		t.Errorf("busy_timeout = %s after TryBeginWrite, want 5000", busy)
	}

	if err := holder.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if _, err := x.TryBeginWrite(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("TryBeginWrite() after release failed: %v", err)
	}
	if !x.InWrite() {
		t.Error("InWrite() = false after a successful attempt")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	x, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	if _, err := x.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	if err := x.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := x.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := x.Load(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Load() after Close error = %v, want ErrSessionClosed", err)
	}

	// The write lock was released by Close
	y := createTestSession(t, s)
	if _, err := y.BeginWrite(ctx); err != nil {
		t.Fatalf("BeginWrite() after Close failed: %v", err)
	}
	if err := y.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
}
