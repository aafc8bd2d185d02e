package graph

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a WorkflowInstance.
//
//	Pending -> Running -> {Completed | Failed | TimedOut}
//
// Terminal states are final.
type WorkflowStatus string

// Workflow statuses.
const (
	StatusPending   WorkflowStatus = "Pending"
	StatusRunning   WorkflowStatus = "Running"
	StatusCompleted WorkflowStatus = "Completed"
	StatusFailed    WorkflowStatus = "Failed"
	StatusTimedOut  WorkflowStatus = "TimedOut"
)

// Terminal reports whether s is a final state.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// canTransition enforces monotonic status changes.
func (s WorkflowStatus) canTransition(to WorkflowStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step.
//
//	Blocked -> Ready -> Running -> {Succeeded | Failed}
//	Blocked -> Failed   (dependency failure, cancellation)
type StepStatus string

// Step statuses.
const (
	StepBlocked   StepStatus = "Blocked"
	StepReady     StepStatus = "Ready"
	StepRunning   StepStatus = "Running"
	StepSucceeded StepStatus = "Succeeded"
	StepFailed    StepStatus = "Failed"
)

// Done reports whether the step reached Succeeded or Failed.
func (s StepStatus) Done() bool {
	return s == StepSucceeded || s == StepFailed
}

// StepState is the progress of one step within an instance.
//
// Output is set only on Succeeded, LastError only on Failed. Attempts counts
// every invocation of the step's capability, including the one in progress.
type StepState struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Output    []byte     `json:"output,omitempty"`
	LastError *StepError `json:"last_error,omitempty"`
}

func (s *StepState) clone() *StepState {
	c := *s
	c.Output = append([]byte(nil), s.Output...)
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return &c
}

// WorkflowInstance is one execution of a template against concrete input.
//
// The instance is owned by its control loop. Callers only ever see snapshots
// returned by Engine.GetStatus and Engine.Wait; mutating a snapshot has no
// effect on the running workflow.
type WorkflowInstance struct {
	InstanceID  string                `json:"instance_id"`
	TemplateID  string                `json:"template_id"`
	GlobalInput []byte                `json:"global_input,omitempty"`
	Status      WorkflowStatus        `json:"status"`
	StepStates  map[string]*StepState `json:"step_states"`
	StartedAt   time.Time             `json:"started_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	FinalResult *Result               `json:"final_result,omitempty"`

	// Err is the terminal cause for Failed and TimedOut instances.
	Err *StepError `json:"error,omitempty"`

	fingerprint string
}

// newInstance creates a Pending instance with every step Blocked.
func newInstance(id string, tmpl *WorkflowTemplate, input []byte, now time.Time) *WorkflowInstance {
	inst := &WorkflowInstance{
		InstanceID:  id,
		TemplateID:  tmpl.ID(),
		GlobalInput: append([]byte(nil), input...),
		Status:      StatusPending,
		StepStates:  make(map[string]*StepState, tmpl.Len()),
		StartedAt:   now,
		UpdatedAt:   now,
		fingerprint: tmpl.Fingerprint(),
	}
	for _, sid := range tmpl.StepIDs() {
		inst.StepStates[sid] = &StepState{StepID: sid, Status: StepBlocked}
	}
	return inst
}

// Snapshot returns a deep copy of the instance.
func (w *WorkflowInstance) Snapshot() *WorkflowInstance {
	c := *w
	c.GlobalInput = append([]byte(nil), w.GlobalInput...)
	c.StepStates = make(map[string]*StepState, len(w.StepStates))
	for id, st := range w.StepStates {
		c.StepStates[id] = st.clone()
	}
	if w.FinalResult != nil {
		c.FinalResult = w.FinalResult.clone()
	}
	if w.Err != nil {
		e := *w.Err
		c.Err = &e
	}
	return &c
}

// Steps returns step states by value.
func (w *WorkflowInstance) Steps() map[string]StepState {
	out := make(map[string]StepState, len(w.StepStates))
	for id, st := range w.StepStates {
		out[id] = *st.clone()
	}
	return out
}

// Count returns the number of steps in status s.
func (w *WorkflowInstance) Count(s StepStatus) int {
	n := 0
	for _, st := range w.StepStates {
		if st.Status == s {
			n++
		}
	}
	return n
}

// setStatus applies a monotonic status change. It reports false when the
// transition is not allowed.
func (w *WorkflowInstance) setStatus(to WorkflowStatus, now time.Time) bool {
	if !w.Status.canTransition(to) {
		return false
	}
	w.Status = to
	w.UpdatedAt = now
	return true
}
