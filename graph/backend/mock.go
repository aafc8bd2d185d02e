package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MockCompleter is a Completer for tests and offline runs.
//
// It returns Responses in order, repeating the last one; with no Responses it
// echoes a short description of the prompt. Err, when set, is returned for
// every call. Delay simulates provider latency and honors ctx.
type MockCompleter struct {
	Responses []string
	Err       error
	Delay     time.Duration

	mu        sync.Mutex
	calls     []CompletionRequest
	callIndex int
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.Err != nil {
		return Completion{}, m.Err
	}

	text := fmt.Sprintf("[mock] %s", summarize(req.Prompt))
	if len(m.Responses) > 0 {
		idx := m.callIndex
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		} else {
			m.callIndex++
		}
		text = m.Responses[idx]
	}
	return Completion{
		Text:         text,
		Model:        "mock",
		InputTokens:  int64(len(req.System)+len(req.Prompt)+3) / 4,
		OutputTokens: int64(len(text)+3) / 4,
	}, nil
}

// Calls returns the requests received so far.
func (m *MockCompleter) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.calls...)
}

// CallCount returns the number of requests received.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and rewinds Responses.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}

func summarize(s string) string {
	const limit = 80
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// EchoInvoker returns the step input as its output, wrapped with the kind:
// {"kind": "...", "input": <input>}. It serves kinds such as save steps in
// offline runs where no backend is configured.
func EchoInvoker(_ context.Context, kind string, input []byte) ([]byte, error) {
	raw := []byte("null")
	if len(input) > 0 && gjson.ValidBytes(input) {
		raw = input
	}
	out, err := sjson.SetBytes([]byte(`{}`), "kind", kind)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "input", raw)
}
