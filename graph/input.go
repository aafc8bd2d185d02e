package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InputBuilder assembles a step's input from the workflow's global input and
// the outputs of the step's dependencies, keyed by step ID.
//
// Builders must be pure: the scheduler may call them again when an instance is
// resumed from a checkpoint.
type InputBuilder interface {
	Build(global []byte, deps map[string][]byte) ([]byte, error)
}

// InputFunc adapts a function to InputBuilder.
type InputFunc func(global []byte, deps map[string][]byte) ([]byte, error)

// Build calls f.
func (f InputFunc) Build(global []byte, deps map[string][]byte) ([]byte, error) {
	return f(global, deps)
}

// DefaultInput is used for steps without an InputBuilder.
//
// A step with no dependencies receives the global input unchanged. Otherwise
// it receives a JSON object:
//
//	{"input": <global>, "steps": {"<dep>": <output>, ...}}
//
// Values that are not valid JSON are embedded as JSON strings.
var DefaultInput InputBuilder = InputFunc(defaultInput)

func defaultInput(global []byte, deps map[string][]byte) ([]byte, error) {
	if len(deps) == 0 {
		return append([]byte(nil), global...), nil
	}

	doc := []byte(`{}`)
	var err error
	if len(global) > 0 {
		if doc, err = sjson.SetRawBytes(doc, "input", asJSON(global)); err != nil {
			return nil, fmt.Errorf("build default input: %w", err)
		}
	}
	for _, id := range sortedKeys(deps) {
		if doc, err = sjson.SetRawBytes(doc, "steps."+escapePath(id), asJSON(deps[id])); err != nil {
			return nil, fmt.Errorf("build default input: %w", err)
		}
	}
	return doc, nil
}

// PassThrough gives the step the global input unchanged regardless of its dependencies.
var PassThrough InputBuilder = InputFunc(func(global []byte, _ map[string][]byte) ([]byte, error) {
	return append([]byte(nil), global...), nil
})

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// FieldMapping builds a JSON object whose fields are resolved from references.
//
// Each value is either a literal string or contains references:
//
//	${input}              the whole global input
//	${input.<path>}       a gjson path into the global input
//	${steps.<id>}         the whole output of dependency <id>
//	${steps.<id>.<path>}  a gjson path into that output
//
// A value consisting of exactly one reference embeds the referenced JSON
// value; references inside longer strings are interpolated as text. Missing
// paths resolve to null (or the empty string when interpolated). Keys may use
// dotted sjson paths to build nested objects.
type FieldMapping map[string]string

// Build resolves every field against global and deps.
func (m FieldMapping) Build(global []byte, deps map[string][]byte) ([]byte, error) {
	doc := []byte(`{}`)
	for _, key := range sortedKeys(m) {
		raw, err := resolveValue(m[key], global, deps)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		if doc, err = sjson.SetRawBytes(doc, key, raw); err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return doc, nil
}

// StepRefs returns the step IDs referenced by the mapping, sorted.
func (m FieldMapping) StepRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, v := range m {
		for _, match := range refPattern.FindAllStringSubmatch(v, -1) {
			root, rest, _ := strings.Cut(strings.TrimSpace(match[1]), ".")
			if root != "steps" || rest == "" {
				continue
			}
			id, _, _ := strings.Cut(rest, ".")
			if !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// String renders the mapping deterministically; it feeds the template fingerprint.
func (m FieldMapping) String() string {
	var b strings.Builder
	for _, k := range sortedKeys(m) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(';')
	}
	return b.String()
}

func resolveValue(v string, global []byte, deps map[string][]byte) ([]byte, error) {
	matches := refPattern.FindAllStringSubmatchIndex(v, -1)
	if len(matches) == 0 {
		return json.Marshal(v)
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(v) {
		res, err := resolveRef(v[matches[0][2]:matches[0][3]], global, deps)
		if err != nil {
			return nil, err
		}
		if !res.Exists() {
			return []byte("null"), nil
		}
		return []byte(res.Raw), nil
	}

	var b strings.Builder
	last := 0
	for _, mt := range matches {
		b.WriteString(v[last:mt[0]])
		res, err := resolveRef(v[mt[2]:mt[3]], global, deps)
		if err != nil {
			return nil, err
		}
		b.WriteString(res.String())
		last = mt[1]
	}
	b.WriteString(v[last:])
	return json.Marshal(b.String())
}

func resolveRef(ref string, global []byte, deps map[string][]byte) (gjson.Result, error) {
	ref = strings.TrimSpace(ref)
	root, rest, _ := strings.Cut(ref, ".")
	switch root {
	case "input":
		return lookup(global, rest), nil
	case "steps":
		id, path, _ := strings.Cut(rest, ".")
		out, ok := deps[id]
		if !ok {
			return gjson.Result{}, fmt.Errorf("reference ${%s}: step %q is not a dependency", ref, id)
		}
		return lookup(out, path), nil
	default:
		return gjson.Result{}, fmt.Errorf("reference ${%s}: unknown root %q", ref, root)
	}
}

// lookup returns the gjson result for path in doc. An empty path selects the
// whole document; non-JSON documents are treated as a single string.
func lookup(doc []byte, path string) gjson.Result {
	if !json.Valid(doc) {
		if path != "" || len(doc) == 0 {
			return gjson.Result{}
		}
		return gjson.ParseBytes(asJSON(doc))
	}
	if path == "" {
		return gjson.ParseBytes(doc)
	}
	return gjson.GetBytes(doc, path)
}

// asJSON returns b if it is valid JSON, otherwise b encoded as a JSON string.
func asJSON(b []byte) []byte {
	if len(b) > 0 && json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func escapePath(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
