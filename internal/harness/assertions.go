package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/realmstore/internal/realm"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			outcome := fmt.Sprint(event.Value)
			if event.Error != "" {
				outcome = event.Error
			}
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Seq, event.Key(), event.Args, outcome)
		}
	}

	return buf.String()
}

// matchesOp reports whether an event matches "op" or "handle.op".
func matchesOp(event TraceEvent, op string) bool {
	if strings.Contains(op, ".") {
		return event.Key() == op
	}
	return event.Op == op
}

// assertTraceContains checks that some step matched the op.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchesOp(event, assertion.Op) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s", assertion.Op),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that ops first appear in the given order.
// Ops don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int64, len(assertion.Ops))
	for _, event := range trace {
		for _, op := range assertion.Ops {
			if positions[op] == 0 && matchesOp(event, op) {
				positions[op] = event.Seq
			}
		}
	}

	for _, op := range assertion.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", assertion.Ops),
				Actual:   fmt.Sprintf("missing step: %s", op),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Ops); i++ {
		prev, curr := assertion.Ops[i-1], assertion.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Ops),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the op appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesOp(event, assertion.Op) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalSchema checks the latest committed schema of a handle's file.
func assertFinalSchema(schema realm.Schema, assertion Assertion) error {
	tables := schema.Tables
	if assertion.Tables != nil && !slices.Equal(tables, assertion.Tables) {
		return &AssertionError{
			Type:     AssertFinalSchema,
			Expected: fmt.Sprintf("tables %v", assertion.Tables),
			Actual:   fmt.Sprintf("tables %v", tables),
		}
	}
	if assertion.Version != nil && *assertion.Version != schema.Version {
		return &AssertionError{
			Type:     AssertFinalSchema,
			Expected: fmt.Sprintf("schema version %v", schemaVersionValue(*assertion.Version)),
			Actual:   fmt.Sprintf("schema version %v", schemaVersionValue(schema.Version)),
		}
	}
	return nil
}

// finalSchema reads the latest committed schema of the handle's file. A
// closed or never opened handle is inspected through a temporary read-only
// handle that sets no target version.
func (x *runner) finalSchema(ctx context.Context, name string) (realm.Schema, error) {
	hs := x.handles[name]
	if h := hs.handle(); h != nil && !h.IsClosed() && !h.IsInTransaction() {
		if _, err := h.Refresh(ctx); err != nil {
			return realm.Schema{}, err
		}
		return h.Schema(ctx)
	}

	cfg := x.config(hs.spec)
	cfg.SchemaVersion = realm.NotVersioned
	cfg.SchemaMode = realm.SchemaModeReadOnly
	cfg.Migration = nil
	cfg.Initialization = nil
	h, err := x.registry.Open(ctx, cfg, nil)
	if err != nil {
		return realm.Schema{}, err
	}
	defer h.Close()
	return h.Schema(ctx)
}

// EvaluateAssertions checks trace assertions against a trace and returns a
// message per failure. final_schema assertions need a live scenario and are
// reported as failures here.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	return evaluate(trace, assertions, func(i int, _ Assertion) error {
		return fmt.Errorf("assertions[%d]: final_schema requires a running scenario", i)
	})
}

func (x *runner) evaluateAssertions(ctx context.Context, trace []TraceEvent, assertions []Assertion) []string {
	return evaluate(trace, assertions, func(_ int, a Assertion) error {
		schema, err := x.finalSchema(ctx, a.Handle)
		if err != nil {
			return &AssertionError{
				Type:     AssertFinalSchema,
				Expected: fmt.Sprintf("readable schema for handle %s", a.Handle),
				Actual:   fmt.Sprintf("error: %v", err),
			}
		}
		return assertFinalSchema(schema, a)
	})
}

func evaluate(trace []TraceEvent, assertions []Assertion, finalSchema func(int, Assertion) error) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(trace, assertion)
		case AssertFinalSchema:
			err = finalSchema(i, assertion)
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
