// Package graph provides the workflow orchestration engine for stepgraph.
package graph

import (
	"errors"
	"fmt"
)

// ErrTemplateInvalid indicates a template whose dependency relation is not a DAG.
// Cycles, self-references, duplicate step IDs and references to undeclared
// steps are all reported with this error. It is fatal at load time.
var ErrTemplateInvalid = errors.New("template invalid")

// ErrTemplateNotFound is returned by a TemplateStore when no template has the requested ID.
var ErrTemplateNotFound = errors.New("template not found")

// ErrStepTransient marks a backend failure that is worth retrying.
// Backends may wrap it directly or use Retryable. Transient errors never leave
// the Executor unless retries are exhausted.
var ErrStepTransient = errors.New("step transient failure")

// ErrStepFatal marks a step's terminal failure: either the backend classified
// the error as non-retryable or every attempt allowed by the policy failed.
var ErrStepFatal = errors.New("step fatal failure")

// ErrCancelled is the cause recorded on steps that were still pending when the
// caller cancelled their instance.
var ErrCancelled = errors.New("workflow cancelled")

// ErrTimedOut is the cause recorded on steps that were still pending when the
// instance's global deadline elapsed.
var ErrTimedOut = errors.New("workflow timed out")

// ErrCheckpointWriteFailed is reported when a checkpoint could not be persisted
// after the configured number of attempts. It is logged and never fatal to the
// running workflow.
var ErrCheckpointWriteFailed = errors.New("checkpoint write failed")

// ErrCheckpointVersion is returned when a stored checkpoint carries a schema
// version this build does not understand.
var ErrCheckpointVersion = errors.New("checkpoint schema version mismatch")

// ErrTemplateChanged is returned when resuming an instance whose template no
// longer matches the fingerprint recorded in its checkpoint.
var ErrTemplateChanged = errors.New("template changed since checkpoint")

// ErrInstanceNotFound is returned for an instance ID that is neither running
// nor present in the checkpoint store.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrUnknownStepKind is returned when a step's kind has no registered capability.
var ErrUnknownStepKind = errors.New("unknown step kind")

// ErrMaxAttemptsExceeded is returned when a step fails more times than allowed by its retry policy.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrDependencyFailed is the cause recorded on steps failed by propagation.
var ErrDependencyFailed = errors.New("dependency failed")

// ErrAborted is the cause recorded on pending steps when the FailFast policy
// stops an instance after its first step failure.
var ErrAborted = errors.New("aborted after step failure")

// ErrNoProgress is returned when the scheduler detects that no step is running,
// none is ready and some are still blocked. This cannot happen for a valid DAG.
var ErrNoProgress = errors.New("no progress: no runnable steps")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrEngineClosed is returned by StartWorkflow and Resume after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// Error codes carried by EngineError and StepError.
const (
	CodeTemplateInvalid       = "TEMPLATE_INVALID"
	CodeTemplateNotFound      = "TEMPLATE_NOT_FOUND"
	CodeStepTransient         = "STEP_TRANSIENT"
	CodeStepFatal             = "STEP_FATAL"
	CodeCancelled             = "CANCELLED"
	CodeTimedOut              = "TIMED_OUT"
	CodeCheckpointWriteFailed = "CHECKPOINT_WRITE_FAILED"
	CodeDependencyFailed      = "DEPENDENCY_FAILED"
	CodeAborted               = "ABORTED"
	CodeUnknownKind           = "UNKNOWN_KIND"
)

var codeSentinels = map[string]error{
	CodeTemplateInvalid:       ErrTemplateInvalid,
	CodeTemplateNotFound:      ErrTemplateNotFound,
	CodeStepTransient:         ErrStepTransient,
	CodeStepFatal:             ErrStepFatal,
	CodeCancelled:             ErrCancelled,
	CodeTimedOut:              ErrTimedOut,
	CodeCheckpointWriteFailed: ErrCheckpointWriteFailed,
	CodeDependencyFailed:      ErrDependencyFailed,
	CodeAborted:               ErrAborted,
	CodeUnknownKind:           ErrUnknownStepKind,
}

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the wrapped error, or the sentinel matching Code.
func (e *EngineError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return codeSentinels[e.Code]
}

// StepError is the terminal failure of a single step. It is stored in
// StepState.LastError and persisted with checkpoints, so it carries its
// classification as a Code rather than relying on the original error value.
//
// After a checkpoint reload Cause is nil; Unwrap then falls back to the
// sentinel for Code so errors.Is(err, ErrCancelled) keeps working.
type StepError struct {
	StepID   string `json:"step_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
	Cause    error  `json:"-"`
}

func (e *StepError) Error() string {
	if e.StepID == "" {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("step %s: %s: %s", e.StepID, e.Code, e.Message)
}

// Unwrap exposes both the classification sentinel and the original cause.
func (e *StepError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// newStepError builds a StepError classified by code.
func newStepError(stepID, code string, attempts int, cause error) *StepError {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &StepError{StepID: stepID, Code: code, Message: msg, Attempts: attempts, Cause: cause}
}

// RetryableError marks an error as transient. Backends wrap failures with
// Retryable; the Executor retries them according to the step's RetryPolicy.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so that IsRetryable reports true. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// FatalError marks an error as non-retryable even if it wraps a transient cause.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that IsRetryable reports false. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetryable reports whether err is classified as transient.
//
// Classification order:
//   - FatalError anywhere in the chain: not retryable
//   - RetryableError or ErrStepTransient in the chain: retryable
//   - anything else: not retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return errors.Is(err, ErrStepTransient)
}

// WorkflowError is returned by Wait for instances that ended Failed or TimedOut.
// It carries a snapshot of every step so partial output stays inspectable.
type WorkflowError struct {
	InstanceID string
	Status     WorkflowStatus
	Steps      map[string]StepState
	Partial    *Result
	Err        error
}

func (e *WorkflowError) Error() string {
	failed := 0
	for _, st := range e.Steps {
		if st.Status == StepFailed {
			failed++
		}
	}
	return fmt.Sprintf("workflow %s %s: %d of %d steps failed: %v",
		e.InstanceID, e.Status, failed, len(e.Steps), e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
