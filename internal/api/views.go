package api

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dshills/stepgraph/graph"
)

// InstanceView is the JSON form of a workflow instance. Step outputs are
// embedded as JSON rather than base64.
type InstanceView struct {
	InstanceID string               `json:"instance_id"`
	TemplateID string               `json:"template_id"`
	Status     graph.WorkflowStatus `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Steps      []StepView           `json:"steps"`
	Result     *graph.Result        `json:"result,omitempty"`
	Error      *graph.StepError     `json:"error,omitempty"`
}

// StepView is the JSON form of one step's state.
type StepView struct {
	StepID   string           `json:"step_id"`
	Status   graph.StepStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Output   json.RawMessage  `json:"output,omitempty"`
	Error    *graph.StepError `json:"error,omitempty"`
}

// NewInstanceView converts a snapshot. Steps are listed in template order
// when the template is known, by ID otherwise.
func NewInstanceView(inst *graph.WorkflowInstance, tmpl *graph.WorkflowTemplate) InstanceView {
	v := InstanceView{
		InstanceID: inst.InstanceID,
		TemplateID: inst.TemplateID,
		Status:     inst.Status,
		StartedAt:  inst.StartedAt,
		UpdatedAt:  inst.UpdatedAt,
		Result:     inst.FinalResult,
		Error:      inst.Err,
	}

	var order []string
	if tmpl != nil {
		order = tmpl.StepIDs()
	} else {
		for id := range inst.StepStates {
			order = append(order, id)
		}
		sort.Strings(order)
	}
	for _, id := range order {
		st, ok := inst.StepStates[id]
		if !ok {
			continue
		}
		v.Steps = append(v.Steps, StepView{
			StepID:   id,
			Status:   st.Status,
			Attempts: st.Attempts,
			Output:   RawJSON(st.Output),
			Error:    st.LastError,
		})
	}
	return v
}

// RawJSON returns b as a raw JSON value, or b encoded as a JSON string when
// it is not valid JSON. Empty input returns nil.
func RawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

// TemplateView describes a template.
type TemplateView struct {
	ID          string             `json:"id"`
	Fingerprint string             `json:"fingerprint"`
	Kinds       []string           `json:"kinds"`
	Steps       []TemplateStepView `json:"steps"`
}

// TemplateStepView describes one step of a template.
type TemplateStepView struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	DependsOn []string `json:"depends_on,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
}

// NewTemplateView converts a template.
func NewTemplateView(t *graph.WorkflowTemplate) TemplateView {
	v := TemplateView{ID: t.ID(), Fingerprint: t.Fingerprint(), Kinds: t.Kinds()}
	for _, s := range t.Steps() {
		sv := TemplateStepView{ID: s.ID, Kind: s.Kind, DependsOn: s.DependsOn}
		if s.Timeout > 0 {
			sv.Timeout = s.Timeout.String()
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}
