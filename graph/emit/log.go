package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[step_dispatched] instance=9f1c template=research-report step=search attempt=1
//
// Example JSON output:
//
//	{"instance_id":"9f1c","template_id":"research-report","step_id":"search","attempt":1,"msg":"step_dispatched"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter writing to writer (os.Stdout if nil).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event as one line. Lines from concurrent callers never
// interleave.
func (l *LogEmitter) Emit(event Event) {
	var line []byte
	if l.jsonMode {
		line = formatJSON(event)
	} else {
		line = formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(line)
}

// jsonEvent is the JSON line layout. Workflow-level events omit the step fields.
type jsonEvent struct {
	InstanceID string                 `json:"instance_id"`
	TemplateID string                 `json:"template_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	Msg        string                 `json:"msg"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

func formatJSON(event Event) []byte {
	data, err := json.Marshal(jsonEvent{
		InstanceID: event.InstanceID,
		TemplateID: event.TemplateID,
		StepID:     event.StepID,
		Attempt:    event.Attempt,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		data, _ = json.Marshal(map[string]string{
			"instance_id": event.InstanceID,
			"msg":         event.Msg,
			"error":       "marshal event: " + err.Error(),
		})
	}
	return append(data, '\n')
}

// formatText renders "[msg] instance=.. template=.. step=.. attempt=N meta={..}",
// skipping fields that are empty.
func formatText(event Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] instance=%s", event.Msg, event.InstanceID)
	if event.TemplateID != "" {
		b.WriteString(" template=" + event.TemplateID)
	}
	if event.StepID != "" {
		b.WriteString(" step=" + event.StepID)
	}
	if event.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", event.Attempt)
	}
	if len(event.Meta) > 0 {
		if meta, err := json.Marshal(event.Meta); err == nil {
			b.WriteString(" meta=")
			b.Write(meta)
		} else {
			fmt.Fprintf(&b, " meta=%v", event.Meta)
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}
