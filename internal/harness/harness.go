package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/realmstore/internal/realm"
	"github.com/roach88/realmstore/internal/testutil"
)

// AwaitTimeout bounds how long an await step waits for its async step.
const AwaitTimeout = 5 * time.Second

// scenarioKey is the encryption key of handles with encrypted: true.
var scenarioKey = func() []byte {
	key := make([]byte, realm.EncryptionKeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}()

// handleState is one named handle and its observers.
type handleState struct {
	spec HandleSpec

	mu sync.Mutex
	h  *realm.Handle

	// Strong references keep the weakly held observers alive for the whole run.
	notifier       *realm.Notifier
	notifications  atomic.Int64
	schemaListener *realm.SchemaListener
	schemaChanges  atomic.Int64
}

func (hs *handleState) handle() *realm.Handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.h
}

func (hs *handleState) setHandle(h *realm.Handle) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.h = h
}

type asyncResult struct {
	value any
	err   error
}

// runner executes one scenario.
type runner struct {
	dir      string
	registry *realm.Registry
	handles  map[string]*handleState

	mu      sync.Mutex
	pending map[string]chan asyncResult
	wg      sync.WaitGroup
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temporary directory with its own registry.
// Handle ids are sequential, so runs are reproducible.
//
// Execution flow:
// 1. Create the directory and registry
// 2. Execute steps, checking expect clauses
// 3. Evaluate assertions
// 4. Close every handle and wait for async steps
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "realm-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	registry := realm.NewRegistry(realm.WithIDGenerator(testutil.NewSequentialIDGenerator("h")))
	if err := registry.Init(filepath.Join(dir, "tmp")); err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "copies"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create copy directory: %w", err)
	}

	x := &runner{
		dir:      dir,
		registry: registry,
		handles:  make(map[string]*handleState, len(scenario.Handles)),
		pending:  make(map[string]chan asyncResult),
	}
	for _, spec := range scenario.Handles {
		x.handles[spec.Name] = newHandleState(spec)
	}
	defer x.shutdown()

	result := NewResult()
	for i, step := range scenario.Steps {
		x.execute(ctx, i, step, result)
	}

	for _, msg := range x.evaluateAssertions(ctx, result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHandleState(spec HandleSpec) *handleState {
	hs := &handleState{spec: spec}
	if spec.Notifier {
		hs.notifier = &realm.Notifier{DidChange: func() { hs.notifications.Add(1) }}
	}
	hs.schemaListener = realm.NewSchemaListener(func(realm.Schema) { hs.schemaChanges.Add(1) })
	return hs
}

// execute runs one step, records it and checks its expectation.
func (x *runner) execute(ctx context.Context, index int, step Step, result *Result) {
	hs := x.handles[step.Handle]
	op := operations[step.Op]

	if step.Async != "" {
		ch := make(chan asyncResult, 1)
		x.mu.Lock()
		x.pending[step.Async] = ch
		x.mu.Unlock()

		x.wg.Add(1)
		go func() {
			defer x.wg.Done()
			v, err := op.run(ctx, x, hs, step.Args)
			ch <- asyncResult{value: v, err: err}
		}()
		result.AddTrace(TraceEvent{Handle: step.Handle, Op: step.Op, Args: step.Args, Async: step.Async})
		return
	}

	value, err := op.run(ctx, x, hs, step.Args)
	event := TraceEvent{Handle: step.Handle, Op: step.Op, Args: step.Args, Value: value}
	if err != nil {
		event.Value = nil
		event.Error = string(realm.KindOf(err))
	}
	event = result.AddTrace(event)

	if msg := checkExpect(step, value, err); msg != "" {
		result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, event.Key(), msg))
	}
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(step Step, value any, err error) string {
	exp := step.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			return fmt.Sprintf("unexpected error: %v", err)
		}
	}
	if exp == nil {
		return ""
	}
	if exp.Error != "" {
		if err == nil {
			return fmt.Sprintf("expected error %s, got success (value %v)", exp.Error, value)
		}
		if got := string(realm.KindOf(err)); got != exp.Error {
			return fmt.Sprintf("expected error %s, got %s: %v", exp.Error, got, err)
		}
		return ""
	}
	if exp.Value != nil && !sameValue(exp.Value, value) {
		return fmt.Sprintf("expected value %v, got %v", exp.Value, value)
	}
	return ""
}

// sameValue compares a YAML-decoded expectation with an operation result.
// Both sides are rendered with fmt, which prints numbers, bools, strings,
// slices and sorted maps the same way regardless of their Go types.
func sameValue(expected, actual any) bool {
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

// await collects the result of an async step.
func (x *runner) await(ctx context.Context, id string) (any, error) {
	x.mu.Lock()
	ch, ok := x.pending[id]
	delete(x.pending, id)
	x.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending async step %q", id)
	}

	timer := time.NewTimer(AwaitTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("async step %q did not finish within %s", id, AwaitTimeout)
	}
}

// config builds the realm configuration of a handle.
func (x *runner) config(spec HandleSpec) realm.Config {
	file := spec.File
	if file == "" {
		file = "default"
	}
	cfg := realm.Config{
		Path:          filepath.Join(x.dir, file+".realm"),
		SchemaVersion: realm.NotVersioned,
		SchemaMode:    realm.SchemaMode(spec.SchemaMode),
		AutoRefresh:   spec.AutoRefresh,
	}
	if spec.SchemaVersion != nil {
		cfg.SchemaVersion = *spec.SchemaVersion
	}
	if spec.Encrypted {
		cfg.EncryptionKey = scenarioKey
	}
	if spec.Initialization != nil {
		cb := spec.Initialization.run
		cfg.Initialization = func(ctx context.Context, h *realm.Handle) error { return cb(ctx, h) }
	}
	if spec.Migration != nil {
		cb := spec.Migration.run
		cfg.Migration = func(ctx context.Context, h *realm.Handle, _, _ uint64) error { return cb(ctx, h) }
	}
	return cfg
}

// run executes a scripted callback.
func (cb *Callback) run(ctx context.Context, h *realm.Handle) error {
	for _, name := range cb.CreateTables {
		if _, err := h.CreateTable(ctx, name); err != nil {
			return err
		}
	}
	switch cb.Fail {
	case "schema_mismatch":
		return fmt.Errorf("scripted failure: %w", realm.ErrSchemaMismatch)
	case "invalid_schema_version":
		return fmt.Errorf("scripted failure: %w", realm.ErrInvalidSchemaVersion)
	case "other":
		return errors.New("scripted failure")
	}
	return nil
}

// shutdown closes every handle, which also releases blocked async steps.
func (x *runner) shutdown() {
	for _, hs := range x.handles {
		if h := hs.handle(); h != nil {
			_ = h.Close()
		}
	}
	x.wg.Wait()
}
