// Package harness runs realm handle scenarios written in YAML.
//
// A scenario declares named handles and a sequence of steps. Each step runs
// one handle operation against a real store in a fresh temporary directory,
// is recorded in a trace, and is checked against its expect clause. Traces can
// be compared against golden files for regression testing.
//
// # Scenario Format
//
//	name: two_handle_wait
//	description: "A waiter wakes when another handle commits"
//	handles:
//	  - name: a
//	  - name: b
//	    notifier: true
//	steps:
//	  - {handle: a, op: open}
//	  - {handle: b, op: open}
//	  - {handle: b, op: wait_for_change, async: w1}
//	  - {handle: a, op: begin}
//	  - {handle: a, op: create_table, args: {name: Person}}
//	  - {handle: a, op: commit}
//	  - {handle: b, op: await, args: {id: w1}, expect: {value: true}}
//	assertions:
//	  - type: final_schema
//	    handle: a
//	    tables: [Person]
//
// Handles with the same file share one realm file. Steps marked async run in
// the background; a later await step collects their result.
//
// # Assertion Types
//
//   - trace_contains: an operation (optionally on one handle) appears in the trace
//   - trace_order: operations appear in the given order
//   - trace_count: an operation appears exactly N times
//   - final_schema: a handle's schema after the last step
//
// # Deterministic Testing
//
// Handle ids come from testutil.SequentialIDGenerator, file paths stay out of
// the trace and errors are recorded by kind only, so the same scenario always
// produces the same trace.
package harness
