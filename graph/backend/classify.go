package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/stepgraph/graph"
)

// StatusError is a non-2xx response from an HTTP backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Classify wraps err with graph.Retryable or graph.Fatal.
//
// Retryable: HTTP 408, 409, 425, 429 and 5xx from any provider; gRPC
// Unavailable, ResourceExhausted, Aborted, DeadlineExceeded and Internal;
// network timeouts and refused connections. Context cancellation is returned
// unchanged so the executor can tell it apart from a step failure. Everything
// else is fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var r *graph.RetryableError
	var f *graph.FatalError
	if errors.As(err, &r) || errors.As(err, &f) {
		return err
	}
	if retryable(err) {
		return graph.Retryable(err)
	}
	return graph.Fatal(err)
}

func retryable(err error) bool {
	if code, ok := httpStatus(err); ok {
		return retryableStatus(code)
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded, codes.Internal:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// httpStatus extracts the HTTP status code from the error types returned by
// the provider SDKs and the HTTP backend.
func httpStatus(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, true
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, true
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return 0, false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
