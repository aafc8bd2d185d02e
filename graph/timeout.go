package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// getStepTimeout determines the per-attempt timeout based on precedence:
// 1. StepDefinition.Timeout (per-step override)
// 2. the kind's registered timeout
// 3. defaultTimeout (engine-wide default)
// 4. 0 (no timeout, unlimited execution)
func getStepTimeout(def StepDefinition, reg registration, defaultTimeout time.Duration) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	if reg.timeout > 0 {
		return reg.timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// invokeWithTimeout runs one attempt of a step.
//
// When the attempt's own deadline expires while the parent context is still
// live, the failure is reported as a retryable STEP_TIMEOUT error: a slow
// backend call is a transient condition. Cancellation of the parent is
// returned as the parent's error and is never retried.
func invokeWithTimeout(
	ctx context.Context,
	reg registration,
	def StepDefinition,
	input []byte,
	timeout time.Duration,
) ([]byte, error) {
	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Retryable(fmt.Errorf("rate limit for kind %s: %w", def.Kind, err))
		}
	}

	if timeout == 0 {
		return reg.invoker.Invoke(ctx, def.Kind, input)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := reg.invoker.Invoke(attemptCtx, def.Kind, input)

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, Retryable(&EngineError{
			Message: fmt.Sprintf("step %s exceeded timeout of %v", def.ID, timeout),
			Code:    "STEP_TIMEOUT",
			Err:     context.DeadlineExceeded,
		})
	}
	return out, err
}
