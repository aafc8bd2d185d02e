package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/stepgraph/graph"
)

func anthropicServer(t *testing.T, status int, body string, seen *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		if seen != nil {
			*seen, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropic_Complete(t *testing.T) {
	var req []byte
	srv := anthropicServer(t, http.StatusOK, `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [{"type": "text", "text": "Austin "}, {"type": "text", "text": "is growing."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 42, "output_tokens": 7}
	}`, &req)

	a, err := NewAnthropic(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, MaxTokens: 256})
	require.NoError(t, err)

	out, err := a.Complete(context.Background(), CompletionRequest{System: "be brief", Prompt: "Austin market?"})
	require.NoError(t, err)
	assert.Equal(t, "Austin is growing.", out.Text)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, int64(42), out.InputTokens)
	assert.Equal(t, int64(7), out.OutputTokens)

	assert.Equal(t, DefaultAnthropicModel, gjson.GetBytes(req, "model").String())
	assert.Equal(t, int64(256), gjson.GetBytes(req, "max_tokens").Int())
	assert.Equal(t, "be brief", gjson.GetBytes(req, "system.0.text").String())
	assert.Equal(t, "Austin market?", gjson.GetBytes(req, "messages.0.content.0.text").String())
}

func TestAnthropic_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, true},
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, true},
		{"invalid request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, false},
		{"empty content", 200, `{"id":"m","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := anthropicServer(t, tt.status, tt.body, nil)
			a, err := NewAnthropic(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = a.Complete(context.Background(), CompletionRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, graph.IsRetryable(err))
		})
	}
}

func TestAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(ProviderConfig{})
	assert.Error(t, err)
}

func TestAnthropic_CancelledContext(t *testing.T) {
	a, err := NewAnthropic(ProviderConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Complete(ctx, CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
