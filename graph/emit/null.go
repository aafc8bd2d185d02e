package emit

// NullEmitter implements Emitter by discarding all events.
//
// It is the engine's default when no emitter is configured. Use it to turn
// off lifecycle events without changing call sites, or in tests that do not
// inspect events. It is safe for concurrent use.
//
// Example usage:
//
//	engine, err := graph.New(registry, templates, graph.WithEmitter(emit.NewNullEmitter()))
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event. It never blocks and performs no I/O.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
