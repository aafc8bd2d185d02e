package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/stepgraph/graph"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"too many requests", &StatusError{StatusCode: 429}, true},
		{"server error", &StatusError{StatusCode: 503}, true},
		{"request timeout", &StatusError{StatusCode: 408}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"wrapped status", fmt.Errorf("call: %w", &StatusError{StatusCode: 502}), true},
		{"googleapi 500", &googleapi.Error{Code: 500}, true},
		{"googleapi 403", &googleapi.Error{Code: 403}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), false},
		{"grpc permission", status.Error(codes.PermissionDenied, "no"), false},
		{"network timeout", fmt.Errorf("post: %w", timeoutErr{}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.retryable, graph.IsRetryable(err))
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.Equal(t, context.Canceled, Classify(context.Canceled))

	wrapped := fmt.Errorf("request: %w", context.DeadlineExceeded)
	assert.Equal(t, wrapped, Classify(wrapped))

	fatal := graph.Fatal(&StatusError{StatusCode: 503})
	assert.Equal(t, fatal, Classify(fatal))
	retry := graph.Retryable(errors.New("x"))
	assert.Equal(t, retry, Classify(retry))
}

func TestStatusError(t *testing.T) {
	assert.Equal(t, "backend returned 503 Service Unavailable", (&StatusError{StatusCode: 503}).Error())
	assert.Equal(t, "backend returned 400: bad field", (&StatusError{StatusCode: 400, Body: "bad field"}).Error())
}
