package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapEmitter_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{InstanceID: "inst-1", StepID: "draft", Attempt: 3, Msg: MsgStepFailed,
		Meta: map[string]interface{}{"error": "boom"}})
	emitter.Emit(Event{InstanceID: "inst-1", StepID: "draft", Attempt: 1, Msg: MsgStepRetry})
	emitter.Emit(Event{InstanceID: "inst-1", StepID: "draft", Msg: MsgStepDispatched})

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.WarnLevel, zapcore.InfoLevel, zapcore.DebugLevel}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entry %d level = %v, want %v", i, entries[i].Level, want)
		}
	}

	fields := entries[0].ContextMap()
	if fields["instance_id"] != "inst-1" {
		t.Errorf("instance_id = %v, want inst-1", fields["instance_id"])
	}
	if fields["step_id"] != "draft" {
		t.Errorf("step_id = %v, want draft", fields["step_id"])
	}
	if fields["attempt"] != int64(3) {
		t.Errorf("attempt = %v, want 3", fields["attempt"])
	}
	if fields["error"] != "boom" {
		t.Errorf("error = %v, want boom", fields["error"])
	}
	if fields["component"] != "events" {
		t.Errorf("component = %v, want events", fields["component"])
	}
}

func TestZapEmitter_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{InstanceID: "inst", Msg: MsgStepDispatched})
	emitter.Emit(Event{InstanceID: "inst", Msg: MsgCheckpointFailed})

	if logs.Len() != 1 {
		t.Fatalf("expected only the warn entry, got %d entries", logs.Len())
	}
	if logs.All()[0].Message != MsgCheckpointFailed {
		t.Errorf("message = %q, want %q", logs.All()[0].Message, MsgCheckpointFailed)
	}
}

func TestZapEmitter_NilLogger(t *testing.T) {
	NewZapEmitter(nil).Emit(Event{Msg: MsgStepFailed})
}
