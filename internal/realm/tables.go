package realm

import (
	"context"
	"errors"

	"github.com/roach88/realmstore/internal/store"
)

// Table refers to one schema object by its full stored name.
type Table struct {
	name    string
	ordinal int64
}

// Name returns the full stored name, including any TablePrefix.
func (t Table) Name() string { return t.name }

// ClassName returns the name without TablePrefix.
func (t Table) ClassName() string { return ClassName(t.name) }

func tableFrom(info store.TableInfo) Table {
	return Table{name: info.Name, ordinal: info.Ordinal}
}

func noSuchTable(name string) *Error {
	return illegalArgument("The class '%s' doesn't exist in this Realm.", ClassName(name))
}

func nameInUse(name string) *Error {
	return newError(KindNameInUse, "Class already exists: '%s'.", ClassName(name))
}

// GetTable returns the table with exactly this name.
func (h *Handle) GetTable(ctx context.Context, name string) (Table, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return Table{}, err
	}
	info, ok := snap.Lookup(name)
	if !ok {
		return Table{}, noSuchTable(name)
	}
	return tableFrom(info), nil
}

// HasTable reports whether a table with exactly this name exists.
func (h *Handle) HasTable(ctx context.Context, name string) (bool, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return false, err
	}
	_, ok := snap.Lookup(name)
	return ok, nil
}

// TableName returns the name of the index-th table in creation order.
func (h *Handle) TableName(ctx context.Context, index int) (string, error) {
	snap, err := h.observe(ctx)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(snap.Tables) {
		return "", illegalArgument("Table index %d is out of range [0, %d).", index, len(snap.Tables))
	}
	return snap.Tables[index].Name, nil
}

// CreateTable adds a table. Requires a write transaction.
func (h *Handle) CreateTable(ctx context.Context, name string) (Table, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWriteLocked("create a table"); err != nil {
		return Table{}, err
	}
	if err := validateTableName(name); err != nil {
		return Table{}, err
	}
	if _, ok := h.snap.Lookup(name); ok {
		return Table{}, nameInUse(name)
	}

	info, err := h.session.CreateTable(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrTableExists) {
			return Table{}, nameInUse(name)
		}
		return Table{}, ioError(err, "Unable to create class '%s'.", ClassName(name))
	}
	if err := h.reloadLocked(ctx); err != nil {
		return Table{}, err
	}
	return tableFrom(info), nil
}

// RenameTable changes a table's name. Requires a write transaction.
func (h *Handle) RenameTable(ctx context.Context, oldName, newName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWriteLocked("rename a table"); err != nil {
		return err
	}
	if _, ok := h.snap.Lookup(oldName); !ok {
		return noSuchTable(oldName)
	}
	if err := validateTableName(newName); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if _, ok := h.snap.Lookup(newName); ok {
		return nameInUse(newName)
	}

	if err := h.session.RenameTable(ctx, oldName, newName); err != nil {
		return ioError(err, "Unable to rename class '%s'.", ClassName(oldName))
	}
	return h.reloadLocked(ctx)
}

// RemoveTable deletes a table. Requires a write transaction.
func (h *Handle) RemoveTable(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWriteLocked("remove a table"); err != nil {
		return err
	}
	if _, ok := h.snap.Lookup(name); !ok {
		return noSuchTable(name)
	}

	if err := h.session.RemoveTable(ctx, name); err != nil {
		return ioError(err, "Unable to remove class '%s'.", ClassName(name))
	}
	return h.reloadLocked(ctx)
}
