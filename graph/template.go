package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepDefinition declares one step of a WorkflowTemplate.
//
// Kind selects the capability in the Registry. DependsOn lists the step IDs
// that must succeed before this step may run. Input assembles the step's input
// from the workflow's global input and the outputs of DependsOn; a nil Input
// uses DefaultInput.
type StepDefinition struct {
	ID        string
	Kind      string
	DependsOn []string
	Input     InputBuilder

	// Timeout overrides the per-attempt timeout registered for Kind.
	Timeout time.Duration
}

// WorkflowTemplate is an immutable, validated DAG of steps.
//
// Templates are built with NewTemplate and shared read-only by every instance
// that runs them. All accessors return copies.
type WorkflowTemplate struct {
	id          string
	steps       []StepDefinition
	index       map[string]int
	order       []int
	dependents  map[string][]string
	fingerprint string
}

// NewTemplate validates steps and returns an immutable template.
//
// Validation uses Kahn's algorithm: in-degrees are computed from DependsOn and
// zero in-degree steps are removed repeatedly. If any step remains when the
// queue empties, the template contains a cycle and ErrTemplateInvalid is
// returned naming the steps involved. Steps are never silently dropped.
//
// Example:
//
//	tmpl, err := graph.NewTemplate("report",
//	    graph.StepDefinition{ID: "research", Kind: "research"},
//	    graph.StepDefinition{ID: "draft", Kind: "draft", DependsOn: []string{"research"}},
//	)
func NewTemplate(id string, steps ...StepDefinition) (*WorkflowTemplate, error) {
	if id == "" {
		return nil, invalidTemplate(id, "template ID cannot be empty")
	}
	if len(steps) == 0 {
		return nil, invalidTemplate(id, "template has no steps")
	}

	t := &WorkflowTemplate{
		id:         id,
		steps:      make([]StepDefinition, len(steps)),
		index:      make(map[string]int, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for i, s := range steps {
		if s.ID == "" {
			return nil, invalidTemplate(id, fmt.Sprintf("step %d has empty ID", i))
		}
		if s.Kind == "" {
			return nil, invalidTemplate(id, fmt.Sprintf("step %s has empty kind", s.ID))
		}
		if _, dup := t.index[s.ID]; dup {
			return nil, invalidTemplate(id, "duplicate step ID: "+s.ID)
		}
		s.DependsOn = append([]string(nil), s.DependsOn...)
		t.steps[i] = s
		t.index[s.ID] = i
	}

	for _, s := range t.steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, invalidTemplate(id, "step "+s.ID+" depends on itself")
			}
			if _, ok := t.index[dep]; !ok {
				return nil, invalidTemplate(id, fmt.Sprintf("step %s depends on undeclared step %s", s.ID, dep))
			}
			if seen[dep] {
				return nil, invalidTemplate(id, fmt.Sprintf("step %s lists dependency %s twice", s.ID, dep))
			}
			seen[dep] = true
			t.dependents[dep] = append(t.dependents[dep], s.ID)
		}
		if r, ok := s.Input.(interface{ StepRefs() []string }); ok {
			for _, ref := range r.StepRefs() {
				if !seen[ref] {
					return nil, invalidTemplate(id, fmt.Sprintf("step %s input references %s which is not a dependency", s.ID, ref))
				}
			}
		}
	}

	order, err := t.topoSort()
	if err != nil {
		return nil, err
	}
	t.order = order
	t.fingerprint = t.computeFingerprint()
	return t, nil
}

// topoSort runs Kahn's algorithm. Ties are broken by declaration order so the
// resulting order is deterministic.
func (t *WorkflowTemplate) topoSort() ([]int, error) {
	inDegree := make([]int, len(t.steps))
	for i, s := range t.steps {
		inDegree[i] = len(s.DependsOn)
	}

	queue := make([]int, 0, len(t.steps))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(t.steps))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)

		for _, depID := range t.dependents[t.steps[i].ID] {
			j := t.index[depID]
			inDegree[j]--
			if inDegree[j] == 0 {
				queue = insertSorted(queue, j)
			}
		}
	}

	if len(order) != len(t.steps) {
		var remaining []string
		for i, d := range inDegree {
			if d > 0 {
				remaining = append(remaining, t.steps[i].ID)
			}
		}
		return nil, invalidTemplate(t.id, "dependency cycle among steps: "+strings.Join(remaining, ", "))
	}
	return order, nil
}

// insertSorted inserts v into the ascending slice q.
func insertSorted(q []int, v int) []int {
	pos := sort.SearchInts(q, v)
	q = append(q, 0)
	copy(q[pos+1:], q[pos:])
	q[pos] = v
	return q
}

func invalidTemplate(id, msg string) error {
	return &EngineError{
		Message: fmt.Sprintf("template %q: %s", id, msg),
		Code:    CodeTemplateInvalid,
	}
}

// computeFingerprint hashes the template's structure: step IDs, kinds,
// dependencies and any describable input builders.
func (t *WorkflowTemplate) computeFingerprint() string {
	h := sha256.New()
	h.Write([]byte(t.id))
	for _, s := range t.steps {
		h.Write([]byte{0})
		h.Write([]byte(s.ID))
		h.Write([]byte{0})
		h.Write([]byte(s.Kind))
		for _, dep := range s.DependsOn {
			h.Write([]byte{1})
			h.Write([]byte(dep))
		}
		if d, ok := s.Input.(fmt.Stringer); ok {
			h.Write([]byte{2})
			h.Write([]byte(d.String()))
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ID returns the template identifier.
func (t *WorkflowTemplate) ID() string { return t.id }

// Len returns the number of steps.
func (t *WorkflowTemplate) Len() int { return len(t.steps) }

// Fingerprint identifies the template's structure. Checkpoints record it so a
// changed template is detected on resume.
func (t *WorkflowTemplate) Fingerprint() string { return t.fingerprint }

// Steps returns the step definitions in declaration order.
func (t *WorkflowTemplate) Steps() []StepDefinition {
	out := make([]StepDefinition, len(t.steps))
	for i, s := range t.steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out[i] = s
	}
	return out
}

// StepIDs returns the step IDs in declaration order.
func (t *WorkflowTemplate) StepIDs() []string {
	ids := make([]string, len(t.steps))
	for i, s := range t.steps {
		ids[i] = s.ID
	}
	return ids
}

// Step returns the definition of stepID.
func (t *WorkflowTemplate) Step(stepID string) (StepDefinition, bool) {
	i, ok := t.index[stepID]
	if !ok {
		return StepDefinition{}, false
	}
	s := t.steps[i]
	s.DependsOn = append([]string(nil), s.DependsOn...)
	return s, true
}

// TopologicalOrder returns step IDs in an order where every step follows all
// of its dependencies.
func (t *WorkflowTemplate) TopologicalOrder() []string {
	ids := make([]string, len(t.order))
	for i, idx := range t.order {
		ids[i] = t.steps[idx].ID
	}
	return ids
}

// Dependents returns the IDs of steps that list stepID in DependsOn.
func (t *WorkflowTemplate) Dependents(stepID string) []string {
	return append([]string(nil), t.dependents[stepID]...)
}

// Kinds returns the distinct step kinds used by the template, sorted.
func (t *WorkflowTemplate) Kinds() []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, s := range t.steps {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			kinds = append(kinds, s.Kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
