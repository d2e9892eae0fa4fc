package emit

import "sync"

// MemoryEmitter captures events in memory with query support.
//
// Use it in tests to assert on emitted events, or in development as a
// lightweight activity feed. All events are retained until Clear is called,
// so long-running production processes should prefer a persisted event log.
type MemoryEmitter struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryEmitter creates an empty in-memory event capture.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit appends the event to the in-memory history.
func (m *MemoryEmitter) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of all captured events in append order.
func (m *MemoryEmitter) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByEntity returns the captured events for one entity, in append order.
func (m *MemoryEmitter) ByEntity(entityID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// ByType returns the captured events of one kind, in append order.
func (m *MemoryEmitter) ByType(t EventType) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of captured events of one kind.
func (m *MemoryEmitter) Count(t EventType) int {
	return len(m.ByType(t))
}

// Clear discards all captured events.
func (m *MemoryEmitter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
