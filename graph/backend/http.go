package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/stepgraph/graph"
)

// maxResponseBytes caps how much of an HTTP backend's response is read.
const maxResponseBytes = 10 << 20

// HTTPInvoker sends the step input as a JSON request body to a service, such
// as a search API or a document library, and returns the response.
//
// A JSON response body is the step output as-is. Any other body is wrapped as
// {"status_code": ..., "body": "..."}. Non-2xx responses fail with a
// StatusError, retryable for 408, 409, 425, 429 and 5xx.
type HTTPInvoker struct {
	client  *http.Client
	url     string
	method  string
	headers map[string]string
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithMethod sets the request method. Default: POST.
func WithMethod(method string) HTTPOption {
	return func(h *HTTPInvoker) { h.method = strings.ToUpper(method) }
}

// WithHeaders adds request headers.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(h *HTTPInvoker) {
		for k, v := range headers {
			h.headers[k] = v
		}
	}
}

// NewHTTPInvoker creates an invoker for url.
func NewHTTPInvoker(url string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		client:  &http.Client{Timeout: 60 * time.Second},
		url:     url,
		method:  http.MethodPost,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke implements graph.Invoker. The step's StepInfo is sent in the
// X-Stepgraph-* headers so services can deduplicate retried attempts.
func (h *HTTPInvoker) Invoke(ctx context.Context, kind string, input []byte) ([]byte, error) {
	var body io.Reader
	if h.method != http.MethodGet && len(input) > 0 {
		body = bytes.NewReader(input)
	}
	req, err := http.NewRequestWithContext(ctx, h.method, h.url, body)
	if err != nil {
		return nil, graph.Fatal(fmt.Errorf("kind %s: create request: %w", kind, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Stepgraph-Kind", kind)
	if info, ok := graph.StepInfoFromContext(ctx); ok {
		req.Header.Set("X-Stepgraph-Instance", info.InstanceID)
		req.Header.Set("X-Stepgraph-Step", info.StepID)
		req.Header.Set("X-Stepgraph-Attempt", fmt.Sprint(info.Attempt))
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, graph.Retryable(fmt.Errorf("kind %s: read response: %w", kind, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Classify(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}

	if len(bytes.TrimSpace(data)) > 0 && gjson.ValidBytes(data) {
		return data, nil
	}
	out, err := sjson.SetBytes([]byte(`{}`), "status_code", resp.StatusCode)
	if err == nil {
		out, err = sjson.SetBytes(out, "body", string(data))
	}
	if err != nil {
		return nil, graph.Fatal(fmt.Errorf("kind %s: encode response: %w", kind, err))
	}
	return out, nil
}
