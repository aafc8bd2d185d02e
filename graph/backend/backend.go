// Package backend provides graph.Invoker implementations for generation
// backends: LLM providers (Anthropic, OpenAI, Google), plain HTTP services and
// a deterministic mock.
//
// LLM kinds are served by a PromptInvoker, which renders a prompt template
// with the step input, calls a Completer and returns a JSON document:
//
//	{"text": "...", "data": {...}, "usage": {"input_tokens": 812, "output_tokens": 240, "model": "..."}}
//
// "data" is present only when the completion text is itself a JSON value.
// Provider errors are classified with Classify so the executor retries rate
// limits, overloads and transport failures but not bad requests.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/stepgraph/graph"
)

// CompletionRequest is a single-turn prompt sent to an LLM provider.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Completion is the provider's answer with token usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer sends a prompt to an LLM provider.
//
// Implementations return errors already classified with graph.Retryable or
// graph.Fatal, and must respect ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// ProviderConfig selects and configures a Completer or HTTP backend.
type ProviderConfig struct {
	// Provider is one of "anthropic", "openai", "google", "http" or "mock".
	Provider string

	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64

	// Timeout bounds a single provider request. The executor's per-attempt
	// timeout still applies on top of it.
	Timeout time.Duration
	Headers map[string]string
}

// Default models used when ProviderConfig.Model is empty.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultGoogleModel    = "gemini-2.5-flash"
	DefaultMaxTokens      = 4096
)

// NewCompleter builds the Completer for an LLM provider.
func NewCompleter(ctx context.Context, cfg ProviderConfig) (Completer, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "google":
		return NewGoogle(ctx, cfg)
	case "mock":
		return &MockCompleter{}, nil
	default:
		return nil, fmt.Errorf("provider %q is not an LLM provider", cfg.Provider)
	}
}

// PromptInvoker adapts a Completer to graph.Invoker.
type PromptInvoker struct {
	Completer Completer

	// System is the system prompt, rendered like Prompt.
	System string

	// Prompt is the user prompt template. See RenderPrompt.
	Prompt string

	// MaxTokens overrides the provider's default when > 0.
	MaxTokens int64

	// Usage, when set, records token usage per step.
	Usage *UsageTracker
}

// Invoke implements graph.Invoker.
func (p *PromptInvoker) Invoke(ctx context.Context, kind string, input []byte) ([]byte, error) {
	if p.Completer == nil {
		return nil, graph.Fatal(fmt.Errorf("kind %s: no completer configured", kind))
	}
	if len(input) > 0 && !gjson.ValidBytes(input) {
		return nil, graph.Fatal(fmt.Errorf("kind %s: step input is not valid JSON", kind))
	}

	req := CompletionRequest{
		System:    RenderPrompt(p.System, input),
		Prompt:    RenderPrompt(p.Prompt, input),
		MaxTokens: p.MaxTokens,
	}
	if p.Prompt == "" {
		req.Prompt = defaultPrompt(kind, input)
	}

	out, err := p.Completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.Usage != nil {
		info, _ := graph.StepInfoFromContext(ctx)
		p.Usage.Record(info, out.Model, out.InputTokens, out.OutputTokens)
	}
	return encodeCompletion(out)
}

// encodeCompletion builds the step output document.
func encodeCompletion(c Completion) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	if doc, err = sjson.SetBytes(doc, "text", c.Text); err != nil {
		return nil, graph.Fatal(fmt.Errorf("encode completion: %w", err))
	}
	if data := extractJSON(c.Text); data != "" {
		if doc, err = sjson.SetRawBytes(doc, "data", []byte(data)); err != nil {
			return nil, graph.Fatal(fmt.Errorf("encode completion: %w", err))
		}
	}
	fields := []struct {
		path  string
		value interface{}
	}{
		{"usage.input_tokens", c.InputTokens},
		{"usage.output_tokens", c.OutputTokens},
		{"usage.model", c.Model},
	}
	for _, f := range fields {
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, graph.Fatal(fmt.Errorf("encode completion: %w", err))
		}
	}
	return doc, nil
}

// extractJSON returns text as a JSON object or array when it is one,
// tolerating a surrounding markdown code fence.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return ""
	}
	if !gjson.Valid(s) {
		return ""
	}
	return s
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// RenderPrompt substitutes {{path}} placeholders in tmpl with values from the
// JSON document input. Paths use gjson syntax; {{.}} is the whole input.
// Strings are inserted verbatim, other values as JSON, and missing paths as
// the empty string.
func RenderPrompt(tmpl string, input []byte) string {
	if tmpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		if path == "." {
			return string(input)
		}
		v := gjson.GetBytes(input, path)
		switch {
		case !v.Exists():
			return ""
		case v.Type == gjson.String:
			return v.Str
		default:
			return v.Raw
		}
	})
}

// defaultPrompt is used for kinds configured without a prompt template: the
// input's "prompt" field, or the whole input.
func defaultPrompt(kind string, input []byte) string {
	if v := gjson.GetBytes(input, "prompt"); v.Type == gjson.String {
		return v.Str
	}
	if len(input) == 0 {
		return kind
	}
	return fmt.Sprintf("Task: %s\n\nInput:\n%s", kind, input)
}

// errNoContent is returned when a provider answers without any text.
var errNoContent = errors.New("provider returned no content")
