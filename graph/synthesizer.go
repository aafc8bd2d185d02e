package graph

import (
	"bytes"
	"encoding/json"
)

// StepOutput is one succeeded step's output within a Result.
type StepOutput struct {
	StepID string
	Kind   string
	Output []byte
}

// Result is the aggregated output of an instance: the outputs of every
// Succeeded step, in template declaration order.
//
// A Result built for a Failed or TimedOut instance is partial.
type Result struct {
	TemplateID string
	Outputs    []StepOutput
}

// Synthesize walks tmpl in declaration order and collects the outputs of
// Succeeded steps. Steps in any other status are skipped.
func Synthesize(tmpl *WorkflowTemplate, states map[string]*StepState) *Result {
	res := &Result{TemplateID: tmpl.ID()}
	for _, def := range tmpl.steps {
		st := states[def.ID]
		if st == nil || st.Status != StepSucceeded {
			continue
		}
		res.Outputs = append(res.Outputs, StepOutput{
			StepID: def.ID,
			Kind:   def.Kind,
			Output: append([]byte(nil), st.Output...),
		})
	}
	return res
}

// Output returns the output of stepID.
func (r *Result) Output(stepID string) ([]byte, bool) {
	for _, o := range r.Outputs {
		if o.StepID == stepID {
			return o.Output, true
		}
	}
	return nil, false
}

// StepIDs returns the IDs of the collected outputs in order.
func (r *Result) StepIDs() []string {
	ids := make([]string, len(r.Outputs))
	for i, o := range r.Outputs {
		ids[i] = o.StepID
	}
	return ids
}

func (r *Result) clone() *Result {
	c := &Result{TemplateID: r.TemplateID, Outputs: make([]StepOutput, len(r.Outputs))}
	for i, o := range r.Outputs {
		o.Output = append([]byte(nil), o.Output...)
		c.Outputs[i] = o
	}
	return c
}

// MarshalJSON renders the result as
//
//	{"template_id": "...", "outputs": {"<step>": <output>, ...}}
//
// with outputs in declaration order. Outputs that are valid JSON are
// embedded as-is; anything else is encoded as a JSON string.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"template_id":`)
	id, err := json.Marshal(r.TemplateID)
	if err != nil {
		return nil, err
	}
	buf.Write(id)
	buf.WriteString(`,"outputs":{`)
	for i, o := range r.Outputs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(o.StepID)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(asJSON(o.Output))
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}
