package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Invoker is the capability behind a step kind: one opaque call to a
// generation backend.
//
// Implementations must honor ctx cancellation and should be idempotent: a step
// interrupted by a crash is re-executed when its instance resumes. Errors are
// classified with Retryable and Fatal; unclassified errors are not retried.
type Invoker interface {
	Invoke(ctx context.Context, kind string, input []byte) ([]byte, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, kind string, input []byte) ([]byte, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, kind string, input []byte) ([]byte, error) {
	return f(ctx, kind, input)
}

// registration is everything the Executor needs for one kind.
type registration struct {
	invoker Invoker
	policy  RetryPolicy
	timeout time.Duration
	limiter *rate.Limiter
}

// RegisterOption customizes a kind's registration.
type RegisterOption func(*registration)

// WithKindTimeout sets the per-attempt timeout for the kind, overriding the
// engine default. Steps may still override it with StepDefinition.Timeout.
func WithKindTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.timeout = d
	}
}

// WithRateLimit throttles attempts of the kind across all instances to rps
// per second with the given burst. Waiting for a token counts against the
// attempt's context but not against its timeout.
func WithRateLimit(rps float64, burst int) RegisterOption {
	return func(r *registration) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Registry maps step kinds to capabilities and retry policies.
//
// Kinds are normally registered once at startup; lookups take a read lock so
// late registration stays safe.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]registration)}
}

// Register binds kind to inv with the given retry policy. A zero policy is
// replaced by DefaultRetryPolicy. Registering a kind twice is an error.
func (r *Registry) Register(kind string, inv Invoker, policy RetryPolicy, opts ...RegisterOption) error {
	if kind == "" {
		return &EngineError{Message: "step kind cannot be empty", Code: "INVALID_KIND"}
	}
	if inv == nil {
		return &EngineError{Message: "invoker cannot be nil for kind " + kind, Code: "INVALID_KIND"}
	}
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 && policy.MaxDelay == 0 && policy.JitterFraction == 0 {
		retryable := policy.Retryable
		policy = DefaultRetryPolicy
		policy.Retryable = retryable
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("kind %s: %w", kind, err)
	}

	reg := registration{invoker: inv, policy: policy}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return &EngineError{Message: "duplicate step kind: " + kind, Code: "DUPLICATE_KIND"}
	}
	r.kinds[kind] = reg
	return nil
}

// Lookup returns the capability and retry policy registered for kind.
func (r *Registry) Lookup(kind string) (Invoker, RetryPolicy, bool) {
	reg, ok := r.lookup(kind)
	return reg.invoker, reg.policy, ok
}

func (r *Registry) lookup(kind string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	return reg, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Check reports the first kind used by tmpl that has no registration.
func (r *Registry) Check(tmpl *WorkflowTemplate) error {
	for _, kind := range tmpl.Kinds() {
		if _, ok := r.lookup(kind); !ok {
			return &EngineError{
				Message: fmt.Sprintf("template %s uses unregistered kind %q", tmpl.ID(), kind),
				Code:    CodeUnknownKind,
			}
		}
	}
	return nil
}
