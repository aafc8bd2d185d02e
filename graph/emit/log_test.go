package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		InstanceID: "inst-001",
		TemplateID: "research-report",
		StepID:     "search",
		Attempt:    2,
		Msg:        MsgStepRetry,
		Meta:       map[string]interface{}{"backoff_ms": 250},
	})

	output := buf.String()
	for _, want := range []string{
		"[step_retry]",
		"instance=inst-001",
		"template=research-report",
		"step=search",
		"attempt=2",
		`meta={"backoff_ms":250}`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
	if !strings.HasSuffix(output, "\n") {
		t.Error("expected output to end with newline")
	}
}

func TestLogEmitter_TextOmitsEmptyMeta(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, false).Emit(Event{InstanceID: "inst", Msg: MsgWorkflowStarted})

	if strings.Contains(buf.String(), "meta=") {
		t.Errorf("expected no meta in output, got: %s", buf.String())
	}
}

func TestLogEmitter_JSONFormatting(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{InstanceID: "inst-1", StepID: "a", Msg: MsgStepDispatched})
	emitter.Emit(Event{InstanceID: "inst-1", StepID: "a", Attempt: 1, Msg: MsgStepSucceeded,
		Meta: map[string]interface{}{"duration_ms": 12}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %q", len(lines), buf.String())
	}

	var decoded struct {
		InstanceID string                 `json:"instance_id"`
		StepID     string                 `json:"step_id"`
		Attempt    int                    `json:"attempt"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.InstanceID != "inst-1" || decoded.StepID != "a" || decoded.Attempt != 1 {
		t.Errorf("unexpected identifiers: %+v", decoded)
	}
	if decoded.Msg != MsgStepSucceeded {
		t.Errorf("msg = %q, want %q", decoded.Msg, MsgStepSucceeded)
	}
	if decoded.Meta["duration_ms"] != float64(12) {
		t.Errorf("duration_ms = %v, want 12", decoded.Meta["duration_ms"])
	}
}

func TestLogEmitter_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			emitter.Emit(Event{InstanceID: "inst", Attempt: i, Msg: MsgStepRetry})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("corrupted line: %q", line)
		}
	}
}

func TestLogEmitter_TextOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, false).Emit(Event{InstanceID: "inst", Msg: MsgWorkflowFinished})

	got := buf.String()
	if got != "[workflow_finished] instance=inst\n" {
		t.Errorf("unexpected line: %q", got)
	}
}
