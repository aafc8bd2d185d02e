package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(tp.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newRecordingTracer(t)

	emitter.Emit(Event{
		InstanceID: "inst-001",
		TemplateID: "listing-optimizer",
		StepID:     "comparables",
		Attempt:    1,
		Msg:        MsgStepSucceeded,
		Meta: map[string]interface{}{
			"kind":       "comparables",
			"tokens_in":  150,
			"model":      "claude",
			"cached":     false,
			"latency":    2 * time.Second,
			"fraction":   0.5,
			"big":        int64(7),
			"unexpected": []string{"x"},
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgStepSucceeded {
		t.Errorf("span name = %q, want %q", span.Name, MsgStepSucceeded)
	}

	attrs := attributeMap(span.Attributes)
	want := map[string]interface{}{
		"stepgraph.instance_id":   "inst-001",
		"stepgraph.template_id":   "listing-optimizer",
		"stepgraph.step_id":       "comparables",
		"stepgraph.attempt":       int64(1),
		"stepgraph.kind":          "comparables",
		"stepgraph.llm.tokens_in": int64(150),
		"stepgraph.llm.model":     "claude",
		"stepgraph.cached":        false,
		"stepgraph.latency":       int64(2000),
		"stepgraph.fraction":      0.5,
		"stepgraph.big":           int64(7),
		"stepgraph.unexpected":    "[x]",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %v (%T), want %v (%T)", k, attrs[k], attrs[k], v, v)
		}
	}
	if span.Status.Code == codes.Error {
		t.Error("expected non-error status")
	}
}

func TestOTelEmitter_EmitWithError(t *testing.T) {
	exporter, emitter := newRecordingTracer(t)

	emitter.Emit(Event{
		InstanceID: "inst-001",
		StepID:     "draft",
		Msg:        MsgStepFailed,
		Meta:       map[string]interface{}{"error": "backend unavailable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "backend unavailable" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event on span")
	}
}

func TestOTelEmitter_DurationBackdatesStart(t *testing.T) {
	exporter, emitter := newRecordingTracer(t)

	emitter.Emit(Event{
		InstanceID: "inst",
		StepID:     "search",
		Msg:        MsgStepSucceeded,
		Meta:       map[string]interface{}{"duration_ms": int64(1500)},
	})

	span := exporter.GetSpans()[0]
	got := span.EndTime.Sub(span.StartTime)
	if got != 1500*time.Millisecond {
		t.Errorf("span duration = %v, want 1.5s", got)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newRecordingTracer(t)

	events := []Event{
		{InstanceID: "inst", Msg: MsgWorkflowStarted},
		{InstanceID: "inst", StepID: "a", Msg: MsgStepDispatched},
		{InstanceID: "inst", Msg: MsgWorkflowFinished},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch() error = %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("expected 3 spans, got %d", got)
	}

	if err := emitter.EmitBatch(context.Background(), nil); err != nil {
		t.Errorf("EmitBatch(nil) error = %v", err)
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	emitter := NewOTelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{InstanceID: "inst", Msg: MsgWorkflowStarted})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 exported span after flush, got %d", got)
	}
}
