package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Handle string         `json:"handle"`
	Op     string         `json:"op"`
	Args   map[string]any `json:"args,omitempty"`
	Async  string         `json:"async,omitempty"`
	Value  any            `json:"value,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Key returns "handle.op", the form used by trace assertions.
func (e TraceEvent) Key() string {
	return e.Handle + "." + e.Op
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every step in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event and assigns its sequence number.
func (r *Result) AddTrace(e TraceEvent) TraceEvent {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
	return e
}
