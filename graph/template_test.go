package graph_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/dshills/stepgraph/graph"
)

func step(id, kind string, deps ...string) graph.StepDefinition {
	return graph.StepDefinition{ID: id, Kind: kind, DependsOn: deps}
}

func TestNewTemplate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		steps   []graph.StepDefinition
		wantErr string
	}{
		{
			name:  "single step",
			id:    "t",
			steps: []graph.StepDefinition{step("a", "k")},
		},
		{
			name:  "diamond",
			id:    "t",
			steps: []graph.StepDefinition{step("a", "k"), step("b", "k", "a"), step("c", "k", "a"), step("d", "k", "b", "c")},
		},
		{
			name:    "empty id",
			steps:   []graph.StepDefinition{step("a", "k")},
			wantErr: "template ID cannot be empty",
		},
		{
			name:    "no steps",
			id:      "t",
			wantErr: "no steps",
		},
		{
			name:    "empty step id",
			id:      "t",
			steps:   []graph.StepDefinition{step("", "k")},
			wantErr: "empty ID",
		},
		{
			name:    "empty kind",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "")},
			wantErr: "empty kind",
		},
		{
			name:    "duplicate id",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "k"), step("a", "k")},
			wantErr: "duplicate step ID: a",
		},
		{
			name:    "self reference",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "k", "a")},
			wantErr: "depends on itself",
		},
		{
			name:    "undeclared dependency",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "k", "missing")},
			wantErr: "undeclared step missing",
		},
		{
			name:    "duplicate dependency",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "k"), step("b", "k", "a", "a")},
			wantErr: "twice",
		},
		{
			name:    "two step cycle",
			id:      "t",
			steps:   []graph.StepDefinition{step("a", "k", "b"), step("b", "k", "a")},
			wantErr: "dependency cycle among steps: a, b",
		},
		{
			name: "cycle behind valid prefix",
			id:   "t",
			steps: []graph.StepDefinition{
				step("root", "k"),
				step("x", "k", "root", "z"),
				step("y", "k", "x"),
				step("z", "k", "y"),
			},
			wantErr: "dependency cycle among steps: x, y, z",
		},
		{
			name: "mapping references non-dependency",
			id:   "t",
			steps: []graph.StepDefinition{
				step("a", "k"),
				step("b", "k"),
				{ID: "c", Kind: "k", DependsOn: []string{"a"}, Input: graph.FieldMapping{"x": "${steps.b.text}"}},
			},
			wantErr: "references b which is not a dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := graph.NewTemplate(tt.id, tt.steps...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewTemplate() error = %v", err)
				}
				if tmpl.Len() != len(tt.steps) {
					t.Errorf("Len() = %d, want %d", tmpl.Len(), len(tt.steps))
				}
				return
			}
			if err == nil {
				t.Fatalf("NewTemplate() succeeded, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, graph.ErrTemplateInvalid) {
				t.Errorf("error %v does not wrap ErrTemplateInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestWorkflowTemplate_TopologicalOrder(t *testing.T) {
	tmpl, err := graph.NewTemplate("t",
		step("report", "k", "analyze", "news"),
		step("search", "k"),
		step("analyze", "k", "search"),
		step("news", "k"),
	)
	if err != nil {
		t.Fatal(err)
	}

	got := strings.Join(tmpl.TopologicalOrder(), ",")
	want := "search,analyze,news,report"
	if got != want {
		t.Errorf("TopologicalOrder() = %s, want %s", got, want)
	}

	if got := strings.Join(tmpl.StepIDs(), ","); got != "report,search,analyze,news" {
		t.Errorf("StepIDs() = %s, want declaration order", got)
	}
	if got := tmpl.Dependents("search"); len(got) != 1 || got[0] != "analyze" {
		t.Errorf("Dependents(search) = %v, want [analyze]", got)
	}
}

func TestWorkflowTemplate_Immutable(t *testing.T) {
	deps := []string{"a"}
	tmpl, err := graph.NewTemplate("t", step("a", "k"), graph.StepDefinition{ID: "b", Kind: "k", DependsOn: deps})
	if err != nil {
		t.Fatal(err)
	}

	deps[0] = "mutated"
	def, _ := tmpl.Step("b")
	if def.DependsOn[0] != "a" {
		t.Errorf("template shares caller's DependsOn slice")
	}

	def.DependsOn[0] = "mutated"
	again, _ := tmpl.Step("b")
	if again.DependsOn[0] != "a" {
		t.Errorf("Step() returns template's internal slice")
	}
}

func TestWorkflowTemplate_Fingerprint(t *testing.T) {
	base, _ := graph.NewTemplate("t", step("a", "k"), step("b", "k", "a"))
	same, _ := graph.NewTemplate("t", step("a", "k"), step("b", "k", "a"))
	kind, _ := graph.NewTemplate("t", step("a", "k"), step("b", "other", "a"))
	mapping, _ := graph.NewTemplate("t", step("a", "k"),
		graph.StepDefinition{ID: "b", Kind: "k", DependsOn: []string{"a"}, Input: graph.FieldMapping{"x": "${steps.a}"}})

	if !strings.HasPrefix(base.Fingerprint(), "sha256:") {
		t.Errorf("Fingerprint() = %q, want sha256 prefix", base.Fingerprint())
	}
	if base.Fingerprint() != same.Fingerprint() {
		t.Errorf("identical templates have different fingerprints")
	}
	if base.Fingerprint() == kind.Fingerprint() {
		t.Errorf("changing a kind did not change the fingerprint")
	}
	if base.Fingerprint() == mapping.Fingerprint() {
		t.Errorf("adding an input mapping did not change the fingerprint")
	}
}

func TestWorkflowTemplate_Kinds(t *testing.T) {
	tmpl, _ := graph.NewTemplate("t", step("a", "research"), step("b", "draft", "a"), step("c", "research", "a"))
	got := strings.Join(tmpl.Kinds(), ",")
	if got != "draft,research" {
		t.Errorf("Kinds() = %s, want draft,research", got)
	}
}

// TestProperty_NewTemplate_AcceptsExactlyDAGs generates random dependency
// relations where every edge points to an earlier step (always acyclic) and
// optionally adds one edge pointing forward, which closes a cycle.
func TestProperty_NewTemplate_AcceptsExactlyDAGs(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "steps")
		steps := make([]graph.StepDefinition, n)
		for i := 0; i < n; i++ {
			steps[i] = graph.StepDefinition{ID: fmt.Sprintf("s%d", i), Kind: "k"}
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					steps[i].DependsOn = append(steps[i].DependsOn, fmt.Sprintf("s%d", j))
				}
			}
		}

		tmpl, err := graph.NewTemplate("dag", steps...)
		if err != nil {
			rt.Fatalf("acyclic template rejected: %v", err)
		}
		if tmpl.Len() != n {
			rt.Fatalf("Len() = %d, want %d", tmpl.Len(), n)
		}

		pos := make(map[string]int, n)
		for i, id := range tmpl.TopologicalOrder() {
			pos[id] = i
		}
		if len(pos) != n {
			rt.Fatalf("topological order has %d steps, want %d", len(pos), n)
		}
		for _, s := range steps {
			for _, dep := range s.DependsOn {
				if pos[dep] >= pos[s.ID] {
					rt.Fatalf("%s ordered before its dependency %s", s.ID, dep)
				}
			}
		}

		if n < 2 {
			return
		}
		// Close a cycle: pick a path j -> ... -> i and add i as a dependency of j.
		i := rapid.IntRange(1, n-1).Draw(rt, "from")
		j := rapid.IntRange(0, i-1).Draw(rt, "to")
		if !reaches(steps, i, j) {
			steps[i].DependsOn = append(steps[i].DependsOn, fmt.Sprintf("s%d", j))
		}
		cyclic := make([]graph.StepDefinition, n)
		copy(cyclic, steps)
		cyclic[j].DependsOn = append(append([]string(nil), cyclic[j].DependsOn...), fmt.Sprintf("s%d", i))

		if _, err := graph.NewTemplate("cyclic", cyclic...); !errors.Is(err, graph.ErrTemplateInvalid) {
			rt.Fatalf("cyclic template accepted (edge s%d -> s%d), err = %v", j, i, err)
		}
	})
}

// reaches reports whether step from transitively depends on step to.
func reaches(steps []graph.StepDefinition, from, to int) bool {
	idx := make(map[string]int, len(steps))
	for i, s := range steps {
		idx[s.ID] = i
	}
	seen := make(map[int]bool)
	var visit func(int) bool
	visit = func(i int) bool {
		if i == to {
			return true
		}
		if seen[i] {
			return false
		}
		seen[i] = true
		for _, d := range steps[i].DependsOn {
			if visit(idx[d]) {
				return true
			}
		}
		return false
	}
	return visit(from)
}
