// Package templates loads workflow templates from YAML documents.
//
// A document declares one template:
//
//	id: research-report
//	description: Web research and market analysis merged into a report.
//	steps:
//	  - id: search
//	    kind: web-search
//	    input:
//	      query: "${input.topic} real estate market"
//	  - id: report
//	    kind: research-report
//	    depends_on: [search]
//	    timeout: 3m
//
// Steps without an input mapping receive graph.DefaultInput. Setting
// input_mode to "passthrough" hands the step the workflow input unchanged.
package templates

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stepgraph/graph"
)

// Document is the YAML form of a workflow template.
type Document struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDocument `yaml:"steps" json:"steps"`
}

// StepDocument is the YAML form of a graph.StepDefinition.
type StepDocument struct {
	ID        string            `yaml:"id" json:"id"`
	Kind      string            `yaml:"kind" json:"kind"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Input     map[string]string `yaml:"input,omitempty" json:"input,omitempty"`
	InputMode string            `yaml:"input_mode,omitempty" json:"input_mode,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Decode parses a YAML document. Unknown fields are rejected.
func Decode(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("", fmt.Errorf("decode template document: %w", err))
	}
	return &doc, nil
}

// Build validates the document and returns the immutable template.
func (d *Document) Build() (*graph.WorkflowTemplate, error) {
	steps := make([]graph.StepDefinition, 0, len(d.Steps))
	for i, s := range d.Steps {
		def := graph.StepDefinition{
			ID:        s.ID,
			Kind:      s.Kind,
			DependsOn: s.DependsOn,
			Timeout:   s.Timeout,
		}
		switch s.InputMode {
		case "", "mapping":
			if len(s.Input) > 0 {
				def.Input = graph.FieldMapping(s.Input)
			}
		case "passthrough":
			if len(s.Input) > 0 {
				return nil, invalid(d.ID, fmt.Errorf("step %d (%s): input_mode passthrough cannot have an input mapping", i, s.ID))
			}
			def.Input = graph.PassThrough
		default:
			return nil, invalid(d.ID, fmt.Errorf("step %d (%s): unknown input_mode %q", i, s.ID, s.InputMode))
		}
		if s.Timeout < 0 {
			return nil, invalid(d.ID, fmt.Errorf("step %s: negative timeout", s.ID))
		}
		steps = append(steps, def)
	}
	return graph.NewTemplate(d.ID, steps...)
}

// Parse decodes and builds a template in one call.
func Parse(data []byte) (*graph.WorkflowTemplate, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return doc.Build()
}

func invalid(id string, err error) error {
	msg := err.Error()
	if id != "" {
		msg = fmt.Sprintf("template %q: %s", id, msg)
	}
	return &graph.EngineError{Message: msg, Code: graph.CodeTemplateInvalid, Err: fmt.Errorf("%w: %w", graph.ErrTemplateInvalid, err)}
}
