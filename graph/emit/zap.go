package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter implements Emitter by logging each event through a zap logger.
//
// Failure events are logged at warn level, retries and workflow lifecycle
// events at info, and step progress at debug.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates an emitter logging to logger. A nil logger discards
// every event.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.With(zap.String("component", "events"))}
}

// Emit logs event with its identifiers and metadata as fields.
func (z *ZapEmitter) Emit(event Event) {
	level := levelFor(event.Msg)
	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields, zap.String("instance_id", event.InstanceID))
	if event.TemplateID != "" {
		fields = append(fields, zap.String("template_id", event.TemplateID))
	}
	if event.StepID != "" {
		fields = append(fields, zap.String("step_id", event.StepID))
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}

func levelFor(msg string) zapcore.Level {
	switch msg {
	case MsgStepFailed, MsgCheckpointFailed, MsgStepPropagated:
		return zapcore.WarnLevel
	case MsgStepRetry, MsgWorkflowStarted, MsgWorkflowFinished, MsgWorkflowResumed, MsgWorkflowCancelled:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
