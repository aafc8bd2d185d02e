package graph_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dshills/stepgraph/graph"
)

func TestSynthesize(t *testing.T) {
	tmpl, _ := graph.NewTemplate("report",
		step("search", "http"),
		step("analyze", "llm", "search"),
		step("notes", "llm"),
		step("report", "llm", "analyze", "notes"),
	)
	st := states(tmpl, map[string]graph.StepStatus{
		"search":  graph.StepSucceeded,
		"analyze": graph.StepFailed,
		"notes":   graph.StepSucceeded,
		"report":  graph.StepFailed,
	})
	st["search"].Output = []byte(`{"hits":2}`)
	st["notes"].Output = []byte(`raw notes`)

	res := graph.Synthesize(tmpl, st)

	if got := strings.Join(res.StepIDs(), ","); got != "search,notes" {
		t.Fatalf("StepIDs() = %s, want search,notes", got)
	}
	if out, ok := res.Output("notes"); !ok || string(out) != "raw notes" {
		t.Errorf("Output(notes) = %q, %v", out, ok)
	}
	if _, ok := res.Output("analyze"); ok {
		t.Errorf("failed step has an output")
	}
	if res.Outputs[0].Kind != "http" {
		t.Errorf("Kind = %q, want http", res.Outputs[0].Kind)
	}

	st["search"].Output[0] = 'X'
	if out, _ := res.Output("search"); string(out) != `{"hits":2}` {
		t.Errorf("result shares step output buffer")
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"template_id":"report","outputs":{"search":{"hits":2},"notes":"raw notes"}}`
	if string(data) != want {
		t.Errorf("MarshalJSON() = %s\nwant %s", data, want)
	}
}
