package graph_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dshills/stepgraph/graph"
)

func TestDefaultInput(t *testing.T) {
	t.Run("no dependencies passes global input through", func(t *testing.T) {
		got, err := graph.DefaultInput.Build([]byte(`{"topic":"rates"}`), nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != `{"topic":"rates"}` {
			t.Errorf("Build() = %s", got)
		}
	})

	t.Run("dependencies are nested under steps", func(t *testing.T) {
		got, err := graph.DefaultInput.Build([]byte(`{"topic":"rates"}`), map[string][]byte{
			"search": []byte(`{"hits":3}`),
			"notes":  []byte(`plain text`),
		})
		if err != nil {
			t.Fatal(err)
		}
		want := `{"input":{"topic":"rates"},"steps":{"notes":"plain text","search":{"hits":3}}}`
		assertJSONEqual(t, got, want)
	})
}

func TestFieldMapping_Build(t *testing.T) {
	global := []byte(`{"address":"12 Oak St","beds":3,"agent":{"name":"Kim"}}`)
	deps := map[string][]byte{
		"comps": []byte(`{"text":"Comparable homes sold for 410k","usage":{"input_tokens":10}}`),
		"raw":   []byte(`not json`),
	}

	tests := []struct {
		name    string
		mapping graph.FieldMapping
		want    string
	}{
		{
			name:    "literal",
			mapping: graph.FieldMapping{"tone": "friendly"},
			want:    `{"tone":"friendly"}`,
		},
		{
			name:    "whole input",
			mapping: graph.FieldMapping{"listing": "${input}"},
			want:    `{"listing":{"address":"12 Oak St","beds":3,"agent":{"name":"Kim"}}}`,
		},
		{
			name:    "input path keeps JSON type",
			mapping: graph.FieldMapping{"beds": "${input.beds}", "agent": "${input.agent.name}"},
			want:    `{"agent":"Kim","beds":3}`,
		},
		{
			name:    "step output path",
			mapping: graph.FieldMapping{"comps": "${steps.comps.text}"},
			want:    `{"comps":"Comparable homes sold for 410k"}`,
		},
		{
			name:    "non JSON step output",
			mapping: graph.FieldMapping{"raw": "${steps.raw}"},
			want:    `{"raw":"not json"}`,
		},
		{
			name:    "interpolation",
			mapping: graph.FieldMapping{"prompt": "Write about ${input.address} with ${input.beds} beds"},
			want:    `{"prompt":"Write about 12 Oak St with 3 beds"}`,
		},
		{
			name:    "missing path",
			mapping: graph.FieldMapping{"x": "${input.nope}", "y": "a${input.nope}b"},
			want:    `{"x":null,"y":"ab"}`,
		},
		{
			name:    "nested keys",
			mapping: graph.FieldMapping{"context.address": "${input.address}"},
			want:    `{"context":{"address":"12 Oak St"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.mapping.Build(global, deps)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			assertJSONEqual(t, got, tt.want)
		})
	}
}

func TestFieldMapping_Errors(t *testing.T) {
	_, err := graph.FieldMapping{"x": "${steps.other.text}"}.Build(nil, map[string][]byte{})
	if err == nil || !strings.Contains(err.Error(), "not a dependency") {
		t.Errorf("Build() error = %v, want not a dependency", err)
	}

	_, err = graph.FieldMapping{"x": "${env.HOME}"}.Build(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown root") {
		t.Errorf("Build() error = %v, want unknown root", err)
	}
}

func TestFieldMapping_StepRefs(t *testing.T) {
	m := graph.FieldMapping{
		"a": "${steps.search.text} and ${steps.analyze}",
		"b": "${input.topic}",
		"c": "${steps.search.hits}",
	}
	got := strings.Join(m.StepRefs(), ",")
	if got != "analyze,search" {
		t.Errorf("StepRefs() = %s, want analyze,search", got)
	}
}

func assertJSONEqual(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w interface{}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %s: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("invalid expected JSON %s: %v", want, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Errorf("JSON mismatch\n got: %s\nwant: %s", gb, wb)
	}
}
