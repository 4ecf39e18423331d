package realm

import (
	"sync"
	"weak"
)

// Notifier receives change notifications for one handle.
//
// The handle holds the Notifier weakly: the caller keeps it alive for as long
// as it wants notifications. Once it has been collected, notifications are
// silently skipped. DidChange may be nil.
type Notifier struct {
	// DidChange is called after a commit or refresh advanced the handle's snapshot.
	// It runs on the goroutine that caused the change, without any handle lock
	// held, so it may call back into the handle (including Close).
	DidChange func()
}

// SchemaListener is called when the set of schema objects or the schema
// version changes. Like Notifier it is held weakly.
type SchemaListener struct {
	fn func(Schema)
}

// NewSchemaListener wraps fn for RegisterSchemaChangedCallback.
func NewSchemaListener(fn func(Schema)) *SchemaListener {
	return &SchemaListener{fn: fn}
}

// bindingContext is the observer slot of a handle. It exists only when the
// handle was opened with a Notifier.
type bindingContext struct {
	mu       sync.Mutex
	notifier weak.Pointer[Notifier]
	schema   weak.Pointer[SchemaListener]
}

func newBindingContext(n *Notifier) *bindingContext {
	return &bindingContext{notifier: weak.Make(n)}
}

// setSchemaListener replaces the previous listener.
func (b *bindingContext) setSchemaListener(l *SchemaListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schema = weak.Make(l)
}

func (b *bindingContext) didChange() {
	if b == nil {
		return
	}
	b.mu.Lock()
	n := b.notifier.Value()
	b.mu.Unlock()
	if n == nil || n.DidChange == nil {
		return
	}
	n.DidChange()
}

func (b *bindingContext) schemaChanged(s Schema) {
	if b == nil {
		return
	}
	b.mu.Lock()
	l := b.schema.Value()
	b.mu.Unlock()
	if l == nil || l.fn == nil {
		return
	}
	l.fn(s)
}

// changeEvent is a notification computed under the handle lock and delivered
// after it is released.
type changeEvent struct {
	binding       *bindingContext
	changed       bool
	schemaChanged bool
	schema        Schema
}

func (e changeEvent) deliver() {
	if !e.changed {
		return
	}
	e.binding.didChange()
	if e.schemaChanged {
		e.binding.schemaChanged(e.schema)
	}
}
