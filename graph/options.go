package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
)

// FailurePolicy decides what happens to independent branches once a step fails.
type FailurePolicy string

const (
	// DrainUnrelated keeps dispatching steps that do not depend on the failed
	// step, maximizing partial output. The instance ends Failed once nothing
	// else can make progress.
	DrainUnrelated FailurePolicy = "drain"

	// FailFast stops dispatching after the first step failure. Pending steps
	// are failed with ErrAborted; running steps finish.
	FailFast FailurePolicy = "fail-fast"
)

// Options configures Engine execution behavior.
//
// Zero values are valid - the Engine will use sensible defaults.
type Options struct {
	// MaxConcurrentSteps bounds the number of steps of one instance running
	// at the same time. 0 means unbounded.
	MaxConcurrentSteps int

	// DefaultStepTimeout is the per-attempt timeout for kinds and steps that
	// do not set their own. 0 means no timeout.
	DefaultStepTimeout time.Duration

	// WorkflowTimeout is the global deadline of each instance, measured from
	// start (or resume). 0 means no deadline.
	WorkflowTimeout time.Duration

	// DrainTimeout bounds how long a cancelled or timed-out instance waits for
	// in-flight steps before finalizing. Results arriving later are discarded.
	// Default: 30s.
	DrainTimeout time.Duration

	// FailurePolicy selects DrainUnrelated (default) or FailFast.
	FailurePolicy FailurePolicy

	// CheckpointAttempts is the number of times a checkpoint write is tried
	// before it is logged as failed and skipped. Default: 3.
	CheckpointAttempts int

	// CheckpointRetryDelay is the pause between checkpoint write attempts.
	// Default: 50ms.
	CheckpointRetryDelay time.Duration

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *PrometheusMetrics
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(registry, templates,
//	    graph.WithMaxConcurrent(4),
//	    graph.WithWorkflowTimeout(10*time.Minute),
//	    graph.WithStore(store.NewMemStore()),
//	    graph.WithLogger(logger),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	opts    Options
	store   store.Store
	emitter emit.Emitter
	logger  *zap.Logger
	newID   func() string
	now     func() time.Time
	jitter  func() float64
	sleep   func(ctx context.Context, d time.Duration) error
}

func defaultConfig() *engineConfig {
	return &engineConfig{
		opts: Options{
			DrainTimeout:         30 * time.Second,
			FailurePolicy:        DrainUnrelated,
			CheckpointAttempts:   3,
			CheckpointRetryDelay: 50 * time.Millisecond,
		},
		logger: zap.NewNop(),
		newID:  uuid.NewString,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func buildConfig(opts []Option) (*engineConfig, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.store == nil {
		cfg.store = store.NewMemStore()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	return cfg, nil
}

// WithOptions applies every field of opts that is set.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		if opts.MaxConcurrentSteps != 0 {
			if err := WithMaxConcurrent(opts.MaxConcurrentSteps)(cfg); err != nil {
				return err
			}
		}
		if opts.DefaultStepTimeout != 0 {
			cfg.opts.DefaultStepTimeout = opts.DefaultStepTimeout
		}
		if opts.WorkflowTimeout != 0 {
			cfg.opts.WorkflowTimeout = opts.WorkflowTimeout
		}
		if opts.DrainTimeout != 0 {
			cfg.opts.DrainTimeout = opts.DrainTimeout
		}
		if opts.FailurePolicy != "" {
			if err := WithFailurePolicy(opts.FailurePolicy)(cfg); err != nil {
				return err
			}
		}
		if opts.CheckpointAttempts != 0 {
			cfg.opts.CheckpointAttempts = opts.CheckpointAttempts
		}
		if opts.CheckpointRetryDelay != 0 {
			cfg.opts.CheckpointRetryDelay = opts.CheckpointRetryDelay
		}
		if opts.Metrics != nil {
			cfg.opts.Metrics = opts.Metrics
		}
		return nil
	}
}

// WithMaxConcurrent sets the maximum number of steps of one instance running at once.
//
// Default: 0 (unbounded). Bound it to protect generation backends from
// overload; per-kind throughput across instances is limited with WithRateLimit.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("max concurrent steps must be >= 0, got %d", n)
		}
		cfg.opts.MaxConcurrentSteps = n
		return nil
	}
}

// WithDefaultStepTimeout sets the per-attempt timeout used when neither the
// step nor its kind sets one.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultStepTimeout = d
		return nil
	}
}

// WithWorkflowTimeout sets the global deadline of every instance.
//
// When it elapses, pending steps fail with ErrTimedOut, nothing new is
// dispatched and the instance ends TimedOut after in-flight steps drain.
func WithWorkflowTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.WorkflowTimeout = d
		return nil
	}
}

// WithDrainTimeout bounds the wait for in-flight steps after cancellation or timeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be > 0, got %v", d)
		}
		cfg.opts.DrainTimeout = d
		return nil
	}
}

// WithFailurePolicy selects how independent branches behave after a step failure.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(cfg *engineConfig) error {
		switch p {
		case DrainUnrelated, FailFast:
			cfg.opts.FailurePolicy = p
			return nil
		default:
			return fmt.Errorf("unknown failure policy %q", p)
		}
	}
}

// WithCheckpointRetries sets how many times a checkpoint write is attempted
// and the pause between attempts.
func WithCheckpointRetries(attempts int, delay time.Duration) Option {
	return func(cfg *engineConfig) error {
		if attempts < 1 {
			return fmt.Errorf("checkpoint attempts must be >= 1, got %d", attempts)
		}
		cfg.opts.CheckpointAttempts = attempts
		cfg.opts.CheckpointRetryDelay = delay
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, err := graph.New(reg, templates, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithStore sets the durable key-value store checkpoints are written to.
// Default: an in-memory store.
func WithStore(st store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = st
		return nil
	}
}

// WithEmitter sets the receiver of lifecycle events.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithLogger sets the engine's logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		cfg.logger = logger
		return nil
	}
}

// WithIDGenerator replaces the instance ID generator (uuid.NewString).
func WithIDGenerator(fn func() string) Option {
	return func(cfg *engineConfig) error {
		if fn == nil {
			return fmt.Errorf("id generator cannot be nil")
		}
		cfg.newID = fn
		return nil
	}
}

// WithJitterSource replaces the random source used for backoff jitter. fn
// must return values in [0, 1) and be safe for concurrent use.
func WithJitterSource(fn func() float64) Option {
	return func(cfg *engineConfig) error {
		cfg.jitter = fn
		return nil
	}
}
