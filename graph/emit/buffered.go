package emit

import "sync"

// BufferedEmitter implements Emitter by keeping every event in memory,
// grouped by instance.
//
// Useful for tests, debugging and the CLI's run command, which prints an
// instance's event history after it finishes.
//
// Example:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(registry, templates, graph.WithEmitter(emitter))
//
//	id, _ := engine.StartWorkflow(ctx, "research-report", input)
//	_, _ = engine.Wait(ctx, id)
//
//	failures := emitter.GetHistoryWithFilter(id, emit.HistoryFilter{Msg: emit.MsgStepFailed})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic.
type HistoryFilter struct {
	// StepID filters by step.
	StepID string

	// Msg filters by message type (e.g., "step_failed").
	Msg string

	// MinAttempt filters events with Attempt >= MinAttempt (nil = no lower bound).
	MinAttempt *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// GetHistory returns a copy of the events emitted for instanceID, in order.
func (b *BufferedEmitter) GetHistory(instanceID string) []Event {
	return b.GetHistoryWithFilter(instanceID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for instanceID matching filter, in order.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[instanceID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.StepID != "" && event.StepID != f.StepID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinAttempt != nil && event.Attempt < *f.MinAttempt {
		return false
	}
	return true
}

// Clear removes stored events for instanceID, or for every instance when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, instanceID)
	}
}
