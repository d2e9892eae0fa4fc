package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes structured event output to a writer.
//
// Two output modes are supported:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line, machine-readable
//
// Example text output:
//
//	[status_changed] entity=m-001 actor=paralegal title="Status changed to active"
//
// Example JSON output:
//
//	{"id":"...","entity_id":"m-001","type":"status_changed",...}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer (stdout
// when nil). Set jsonMode for JSON-lines output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event in the configured format. Write failures are
// swallowed: logging must never disturb the workflow.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}
	line := fmt.Sprintf("[%s]", event.Type)
	if event.EntityID != "" {
		line += " entity=" + event.EntityID
	}
	if event.WorkItemID != "" {
		line += " work_item=" + event.WorkItemID
	}
	line += " actor=" + event.Actor
	line += fmt.Sprintf(" title=%q", event.Title)
	fmt.Fprintln(l.writer, line)
}
