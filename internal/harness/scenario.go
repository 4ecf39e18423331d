package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sequence of handle operations and the expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Handles declares the handles steps refer to. Handles are not opened
	// until an open step runs.
	Handles []HandleSpec `yaml:"handles"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and schema.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// HandleSpec configures one named handle.
type HandleSpec struct {
	// Name is how steps refer to the handle.
	Name string `yaml:"name"`

	// File is a logical file name; handles with the same file share a realm
	// file. Defaults to "default".
	File string `yaml:"file,omitempty"`

	// SchemaVersion is the target version. Omitted means no target.
	SchemaVersion *uint64 `yaml:"schema_version,omitempty"`

	// SchemaMode is automatic, reset_file or read_only.
	SchemaMode string `yaml:"schema_mode,omitempty"`

	// AutoRefresh is the initial auto-refresh setting.
	AutoRefresh bool `yaml:"auto_refresh,omitempty"`

	// Encrypted opens the file with the scenario key.
	Encrypted bool `yaml:"encrypted,omitempty"`

	// Notifier attaches a counting notifier, read with the notifications op.
	Notifier bool `yaml:"notifier,omitempty"`

	// Initialization runs on fresh files.
	Initialization *Callback `yaml:"initialization,omitempty"`

	// Migration runs when the file's version differs from SchemaVersion.
	Migration *Callback `yaml:"migration,omitempty"`
}

// Callback describes a scripted initialization or migration.
type Callback struct {
	// CreateTables are created in the callback's transaction.
	CreateTables []string `yaml:"create_tables,omitempty"`

	// Fail makes the callback return an error after creating tables:
	// schema_mismatch, invalid_schema_version or other.
	Fail string `yaml:"fail,omitempty"`
}

// Step is one operation.
type Step struct {
	// Handle names a HandleSpec.
	Handle string `yaml:"handle"`

	// Op is the operation name; see the operation table in ops.go.
	Op string `yaml:"op"`

	// Args are the operation arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Async runs the step in the background under this id. Only blocking
	// operations may be async.
	Async string `yaml:"async,omitempty"`

	// Expect checks the outcome. If nil, the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Value is compared with the operation's result.
	Value any `yaml:"value,omitempty"`

	// Error is the expected error kind, such as INVALID_STATE.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final schema.
type Assertion struct {
	// Type is trace_contains, trace_order, trace_count or final_schema.
	Type string `yaml:"type"`

	// Op is "op" or "handle.op" (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Ops are the expected order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Handle is the handle to inspect (final_schema).
	Handle string `yaml:"handle,omitempty"`

	// Tables are the expected table names in creation order (final_schema).
	Tables []string `yaml:"tables,omitempty"`

	// Version is the expected schema version (final_schema). Omitted means not checked.
	Version *uint64 `yaml:"version,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalSchema   = "final_schema"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "step:" vs "steps:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that all required fields are present and references resolve.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Handles) == 0 {
		return fmt.Errorf("at least one handle is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	handles := make(map[string]bool, len(s.Handles))
	for i, h := range s.Handles {
		if h.Name == "" {
			return fmt.Errorf("handles[%d]: name is required", i)
		}
		if handles[h.Name] {
			return fmt.Errorf("handles[%d]: duplicate handle %q", i, h.Name)
		}
		handles[h.Name] = true
		switch h.SchemaMode {
		case "", "automatic", "reset_file", "read_only":
		default:
			return fmt.Errorf("handles[%d]: unknown schema_mode %q", i, h.SchemaMode)
		}
		for _, cb := range []*Callback{h.Initialization, h.Migration} {
			if cb == nil {
				continue
			}
			switch cb.Fail {
			case "", "schema_mismatch", "invalid_schema_version", "other":
			default:
				return fmt.Errorf("handles[%d]: unknown callback failure %q", i, cb.Fail)
			}
		}
	}

	asyncIDs := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, handles, asyncIDs); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, handles); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, handles, asyncIDs map[string]bool) error {
	if !handles[step.Handle] {
		return fmt.Errorf("steps[%d]: unknown handle %q", index, step.Handle)
	}
	op, ok := operations[step.Op]
	if !ok {
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	for _, arg := range op.args {
		if _, ok := step.Args[arg]; !ok {
			return fmt.Errorf("steps[%d]: %s requires arg %q", index, step.Op, arg)
		}
	}
	if step.Async != "" {
		if !op.blocking {
			return fmt.Errorf("steps[%d]: %s cannot be async", index, step.Op)
		}
		if asyncIDs[step.Async] {
			return fmt.Errorf("steps[%d]: duplicate async id %q", index, step.Async)
		}
		asyncIDs[step.Async] = true
		if step.Expect != nil {
			return fmt.Errorf("steps[%d]: async steps are checked by await", index)
		}
	}
	if step.Op == "await" {
		id, _ := step.Args["id"].(string)
		if !asyncIDs[id] {
			return fmt.Errorf("steps[%d]: await of unknown async id %q", index, id)
		}
	}
	return nil
}

// validateAssertion checks that an assertion has required fields for its type.
func validateAssertion(index int, a Assertion, handles map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalSchema:
		if !handles[a.Handle] {
			return fmt.Errorf("assertions[%d]: unknown handle %q for final_schema", index, a.Handle)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
