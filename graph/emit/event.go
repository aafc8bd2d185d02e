package emit

// Event represents an observability event emitted during workflow execution.
//
// Events describe the lifecycle of an instance and its steps:
//   - workflow start and termination
//   - step dispatch, retries and outcome
//   - dependency failure propagation
//   - checkpoint write failures
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr or a zap logger
//   - Send to OpenTelemetry
//   - Keep an in-memory history for tests and debugging
type Event struct {
	// InstanceID identifies the workflow instance that emitted this event.
	InstanceID string

	// TemplateID identifies the template the instance runs.
	TemplateID string

	// StepID identifies which step emitted this event.
	// Empty string for workflow-level events.
	StepID string

	// Attempt is the one-based attempt number for step events.
	// Zero for workflow-level events.
	Attempt int

	// Msg is the event type, one of the Msg constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "kind": Step kind
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "backoff_ms": Delay before the next attempt
	//   - "status": Terminal workflow status
	Meta map[string]interface{}
}

// Event message types.
const (
	MsgWorkflowStarted   = "workflow_started"
	MsgWorkflowResumed   = "workflow_resumed"
	MsgWorkflowFinished  = "workflow_finished"
	MsgWorkflowCancelled = "workflow_cancelled"
	MsgStepDispatched    = "step_dispatched"
	MsgStepRetry         = "step_retry"
	MsgStepSucceeded     = "step_succeeded"
	MsgStepFailed        = "step_failed"
	MsgStepPropagated    = "step_dependency_failed"
	MsgCheckpointFailed  = "checkpoint_failed"
)
