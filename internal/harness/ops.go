package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/roach88/realmstore/internal/realm"
)

// operation is one step type.
type operation struct {
	// args lists required argument names.
	args []string

	// blocking operations may run async.
	blocking bool

	run func(ctx context.Context, x *runner, hs *handleState, args map[string]any) (any, error)
}

// errNotOpen is returned for steps on a handle that was never opened.
var errNotOpen = errors.New("handle was never opened")

// operations maps op names to implementations.
//
// Values are kept to JSON-friendly types for the trace: bool, int, uint64,
// string, []string and string-keyed maps.
var operations = map[string]operation{
	"open":     {run: opOpen},
	"close":    {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) { return nil, h.Close() })},
	"finalize": {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) { return nil, h.Finalize() })},

	"begin":  {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) { return nil, h.BeginTransaction(ctx) }), blocking: true},
	"commit": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) { return nil, h.CommitTransaction(ctx) })},
	"cancel": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) { return nil, h.CancelTransaction(ctx) })},
	"refresh": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.Refresh(ctx)
	})},

	"is_closed":         {run: opIsClosed},
	"is_in_transaction": {run: opIsInTransaction},
	"current_version": {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		v, err := h.CurrentVersion()
		if err != nil {
			return nil, err
		}
		return v.String(), nil
	})},
	"schema_version": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		v, err := h.SchemaVersion(ctx)
		if err != nil {
			return nil, err
		}
		return schemaVersionValue(v), nil
	})},
	"set_schema_version": {args: []string{"version"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		v, err := argSchemaVersion(args, "version")
		if err != nil {
			return nil, err
		}
		return nil, h.SetSchemaVersion(ctx, v)
	})},
	"is_empty": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.IsEmpty(ctx)
	})},
	"size": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.Size(ctx)
	})},
	"schema": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		s, err := h.Schema(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": schemaVersionValue(s.Version), "tables": s.Tables}, nil
	})},

	"create_table": {args: []string{"name"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		t, err := h.CreateTable(ctx, argString(args, "name"))
		if err != nil {
			return nil, err
		}
		return t.Name(), nil
	})},
	"get_table": {args: []string{"name"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		t, err := h.GetTable(ctx, argString(args, "name"))
		if err != nil {
			return nil, err
		}
		return t.Name(), nil
	})},
	"has_table": {args: []string{"name"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		return h.HasTable(ctx, argString(args, "name"))
	})},
	"table_name": {args: []string{"index"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		i, err := argInt(args, "index")
		if err != nil {
			return nil, err
		}
		return h.TableName(ctx, i)
	})},
	"rename_table": {args: []string{"from", "to"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		return nil, h.RenameTable(ctx, argString(args, "from"), argString(args, "to"))
	})},
	"remove_table": {args: []string{"name"}, run: withHandle(func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error) {
		return nil, h.RemoveTable(ctx, argString(args, "name"))
	})},

	"set_auto_refresh": {args: []string{"enabled"}, run: withHandle(func(_ context.Context, h *realm.Handle, args map[string]any) (any, error) {
		enabled, _ := args["enabled"].(bool)
		return nil, h.SetAutoRefresh(enabled)
	})},
	"auto_refresh": {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.AutoRefresh(), nil
	})},

	"compact": {run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.Compact(ctx)
	})},
	"write_copy": {args: []string{"name"}, run: opWriteCopy},

	"wait_for_change": {blocking: true, run: withHandle(func(ctx context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return h.WaitForChange(ctx)
	})},
	"stop_wait_for_change": {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return nil, h.StopWaitForChange()
	})},
	"enable_wait_for_change": {run: withHandle(func(_ context.Context, h *realm.Handle, _ map[string]any) (any, error) {
		return nil, h.EnableWaitForChange()
	})},
	"await": {args: []string{"id"}, run: opAwait},

	"notifications":            {run: opNotifications},
	"register_schema_listener": {run: opRegisterSchemaListener},
	"schema_notifications":     {run: opSchemaNotifications},
}

func withHandle(fn func(ctx context.Context, h *realm.Handle, args map[string]any) (any, error)) func(context.Context, *runner, *handleState, map[string]any) (any, error) {
	return func(ctx context.Context, _ *runner, hs *handleState, args map[string]any) (any, error) {
		h := hs.handle()
		if h == nil {
			return nil, errNotOpen
		}
		return fn(ctx, h, args)
	}
}

func opOpen(ctx context.Context, x *runner, hs *handleState, _ map[string]any) (any, error) {
	if h := hs.handle(); h != nil && !h.IsClosed() {
		return nil, fmt.Errorf("handle %s is already open", hs.spec.Name)
	}
	h, err := x.registry.Open(ctx, x.config(hs.spec), hs.notifier)
	if err != nil {
		return nil, err
	}
	hs.setHandle(h)
	return nil, nil
}

func opIsClosed(_ context.Context, _ *runner, hs *handleState, _ map[string]any) (any, error) {
	h := hs.handle()
	return h == nil || h.IsClosed(), nil
}

func opIsInTransaction(_ context.Context, _ *runner, hs *handleState, _ map[string]any) (any, error) {
	h := hs.handle()
	return h != nil && h.IsInTransaction(), nil
}

func opWriteCopy(ctx context.Context, x *runner, hs *handleState, args map[string]any) (any, error) {
	h := hs.handle()
	if h == nil {
		return nil, errNotOpen
	}
	var key []byte
	if encrypted, _ := args["encrypted"].(bool); encrypted {
		key = scenarioKey
	}
	dest := filepath.Join(x.dir, "copies", argString(args, "name"))
	return nil, h.WriteCopy(ctx, dest, key)
}

func opAwait(ctx context.Context, x *runner, _ *handleState, args map[string]any) (any, error) {
	return x.await(ctx, argString(args, "id"))
}

func opNotifications(_ context.Context, _ *runner, hs *handleState, _ map[string]any) (any, error) {
	return hs.notifications.Load(), nil
}

func opRegisterSchemaListener(_ context.Context, _ *runner, hs *handleState, _ map[string]any) (any, error) {
	h := hs.handle()
	if h == nil {
		return nil, errNotOpen
	}
	return nil, h.RegisterSchemaChangedCallback(hs.schemaListener)
}

func opSchemaNotifications(_ context.Context, _ *runner, hs *handleState, _ map[string]any) (any, error) {
	return hs.schemaChanges.Load(), nil
}

func schemaVersionValue(v uint64) any {
	if v == realm.NotVersioned {
		return "not_versioned"
	}
	return v
}

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string) (int, error) {
	switch v := args[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("arg %q must be an integer, got %T", name, args[name])
	}
}

func argSchemaVersion(args map[string]any, name string) (uint64, error) {
	switch v := args[name].(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("arg %q must not be negative", name)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case string:
		if v == "not_versioned" {
			return realm.NotVersioned, nil
		}
	}
	return 0, fmt.Errorf("arg %q must be a non-negative integer or \"not_versioned\", got %v", name, args[name])
}
