// Package emit provides the append-only event log and its observability
// taps for the workflow engine.
//
// Components record domain events (status changes, task creation,
// escalations, run provenance) through the Emitter interface. Emitters are
// pluggable backends:
//   - Logging: LogEmitter (text or JSON lines)
//   - Capture: MemoryEmitter (in-memory history for tests and dashboards)
//   - Tracing: OTelEmitter (OpenTelemetry spans)
//   - Fan-out: MultiEmitter
//   - Discard: NullEmitter
package emit

// Emitter receives domain events from the engine.
//
// Implementations should be:
//   - Non-blocking: never slow down a lifecycle transition or agent run
//   - Thread-safe: events arrive concurrently from multiple goroutines
//   - Resilient: a failing backend must not crash the workflow
type Emitter interface {
	// Emit records one event. Emit must not panic; backend failures are
	// handled internally.
	Emit(event Event)
}

// NullEmitter discards all events. Use it where observability is not wanted
// without changing calling code.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that drops every event.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(Event) {}

// MultiEmitter fans each event out to several backends in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every configured emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
