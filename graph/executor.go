package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph/emit"
)

// AttemptObserver is notified before every attempt of a step, with the
// one-based attempt number. The scheduler uses it to keep StepState.Attempts
// current while the step is still running.
type AttemptObserver func(attempt int)

// Executor runs a single step: registry lookup, per-attempt timeout, retry
// with exponential backoff and jitter, and structured failure reporting.
//
// Transient failures never leave the Executor unless the policy's attempts
// are exhausted. Every returned error is a *StepError classified STEP_FATAL,
// UNKNOWN_KIND or, when ctx ended, CANCELLED / TIMED_OUT.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	jitter         func() float64
	sleep          func(ctx context.Context, d time.Duration) error
	metrics        *PrometheusMetrics
	emitter        emit.Emitter
	logger         *zap.Logger
}

// NewExecutor creates an Executor over registry. Engine builds its own.
// Executor from its options; NewExecutor serves callers that run steps
// outside an engine.
func NewExecutor(registry *Registry, opts ...Option) (*Executor, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newExecutor(registry, cfg), nil
}

func newExecutor(registry *Registry, cfg *engineConfig) *Executor {
	return &Executor{
		registry:       registry,
		defaultTimeout: cfg.opts.DefaultStepTimeout,
		jitter:         cfg.jitter,
		sleep:          cfg.sleep,
		metrics:        cfg.opts.Metrics,
		emitter:        cfg.emitter,
		logger:         cfg.logger.With(zap.String("component", "executor")),
	}
}

// Execute runs def with input and returns its output.
func (x *Executor) Execute(ctx context.Context, def StepDefinition, input []byte) ([]byte, error) {
	out, _, err := x.execute(ctx, stepRef{}, def, input, nil)
	return out, err
}

// stepRef identifies the instance a step runs for, for events and metrics.
type stepRef struct {
	instanceID string
	templateID string
}

func (x *Executor) execute(
	ctx context.Context,
	ref stepRef,
	def StepDefinition,
	input []byte,
	observe AttemptObserver,
) ([]byte, int, error) {
	reg, ok := x.registry.lookup(def.Kind)
	if !ok {
		return nil, 0, newStepError(def.ID, CodeUnknownKind, 0,
			fmt.Errorf("%w: %s", ErrUnknownStepKind, def.Kind))
	}

	policy := reg.policy
	timeout := getStepTimeout(def, reg, x.defaultTimeout)
	log := x.logger.With(
		zap.String("instance_id", ref.instanceID),
		zap.String("step_id", def.ID),
		zap.String("kind", def.Kind),
	)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, contextStepError(ctx, def.ID, attempt-1)
		}
		if observe != nil {
			observe(attempt)
		}

		actx := WithStepInfo(ctx, StepInfo{
			InstanceID: ref.instanceID,
			TemplateID: ref.templateID,
			StepID:     def.ID,
			Kind:       def.Kind,
			Attempt:    attempt,
		})
		start := time.Now()
		out, err := invokeWithTimeout(actx, reg, def, input, timeout)
		latency := time.Since(start)

		if err == nil {
			x.recordLatency(ref, def, latency, "success")
			return out, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			x.recordLatency(ref, def, latency, "cancelled")
			return nil, attempt, contextStepError(ctx, def.ID, attempt)
		}

		if !policy.isRetryable(err) {
			x.recordLatency(ref, def, latency, "fatal")
			log.Warn("step failed with non-retryable error",
				zap.Int("attempt", attempt), zap.Error(err))
			return nil, attempt, newStepError(def.ID, CodeStepFatal, attempt, err)
		}
		x.recordLatency(ref, def, latency, "retryable")

		if attempt == policy.MaxAttempts {
			break
		}

		delay := computeBackoff(attempt, policy, x.jitter)
		log.Info("retrying step",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		x.emitRetry(ref, def, attempt, delay, err)
		if x.metrics != nil {
			x.metrics.IncrementRetries(ref.templateID, def.Kind, retryReason(err))
		}

		if err := x.sleep(ctx, delay); err != nil {
			return nil, attempt, contextStepError(ctx, def.ID, attempt)
		}
	}

	log.Warn("step exhausted retry attempts",
		zap.Int("max_attempts", policy.MaxAttempts), zap.Error(lastErr))
	return nil, policy.MaxAttempts, newStepError(def.ID, CodeStepFatal, policy.MaxAttempts,
		fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, policy.MaxAttempts, lastErr))
}

// contextStepError classifies a step interrupted by its instance context.
func contextStepError(ctx context.Context, stepID string, attempts int) *StepError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimedOut), errors.Is(cause, context.DeadlineExceeded):
		return newStepError(stepID, CodeTimedOut, attempts, cause)
	default:
		return newStepError(stepID, CodeCancelled, attempts, cause)
	}
}

func retryReason(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code == "STEP_TIMEOUT" {
		return "timeout"
	}
	return "transient"
}

func (x *Executor) recordLatency(ref stepRef, def StepDefinition, latency time.Duration, status string) {
	if x.metrics != nil {
		x.metrics.RecordStepLatency(ref.templateID, def.Kind, latency, status)
	}
}

func (x *Executor) emitRetry(ref stepRef, def StepDefinition, attempt int, delay time.Duration, err error) {
	if x.emitter == nil {
		return
	}
	x.emitter.Emit(emit.Event{
		InstanceID: ref.instanceID,
		TemplateID: ref.templateID,
		StepID:     def.ID,
		Attempt:    attempt,
		Msg:        emit.MsgStepRetry,
		Meta: map[string]interface{}{
			"kind":       def.Kind,
			"backoff_ms": delay.Milliseconds(),
			"error":      err.Error(),
		},
	})
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
