package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stepgraph/graph"
)

// contentGenerator is the part of *genai.GenerativeModel used by Google.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Google is a Completer backed by the Gemini API. Close releases its client.
type Google struct {
	client    *genai.Client
	model     string
	maxTokens int64

	// newModel returns the generator for one request.
	newModel func(system string, maxTokens int64) contentGenerator
}

// NewGoogle creates a Gemini completer.
func NewGoogle(ctx context.Context, cfg ProviderConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	g := &Google{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}
	if g.model == "" {
		g.model = DefaultGoogleModel
	}
	g.newModel = func(system string, maxTokens int64) contentGenerator {
		m := client.GenerativeModel(g.model)
		if system != "" {
			m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		}
		if maxTokens > 0 {
			m.SetMaxOutputTokens(int32(maxTokens))
		}
		return m
	}
	return g, nil
}

// Complete implements Completer.
func (g *Google) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := g.newModel(req.System, maxTokens).GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Completion{}, Classify(err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return Completion{}, graph.Fatal(fmt.Errorf("google: prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	if text.Len() == 0 {
		return Completion{}, graph.Fatal(errNoContent)
	}

	out := Completion{Text: text.String(), Model: g.model}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int64(u.PromptTokenCount)
		out.OutputTokens = int64(u.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the underlying client.
func (g *Google) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
