package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/backend"
	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
	"github.com/dshills/stepgraph/graph/templates"
	"github.com/dshills/stepgraph/internal/config"
	"github.com/dshills/stepgraph/internal/telemetry"
)

// App owns every long-lived component of a stepgraph process.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *graph.Engine
	metrics   *prometheus.Registry
	usage     *backend.UsageTracker
	telemetry *telemetry.Providers

	closers []func() error
}

// NewApp wires store, templates, backends, telemetry and engine from cfg.
// On error everything opened so far is closed.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		usage:   backend.NewUsageTracker(),
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.telemetry = &telemetry.Providers{}
		err = nil
	}

	usageMetrics, err := telemetry.NewUsageMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("usage metrics: %w", err)
	}
	a.usage.OnRecord(usageMetrics.Observe)

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	tmpls, err := loadTemplates(cfg.Templates, logger)
	if err != nil {
		return nil, err
	}

	reg, closers, err := buildRegistry(ctx, cfg, templateKinds(tmpls, logger), a.usage)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return nil, err
	}

	opts := engineOptions(cfg.Engine)
	opts = append(opts,
		graph.WithStore(st),
		graph.WithLogger(logger),
		graph.WithMetrics(graph.NewPrometheusMetrics(a.metrics)),
		graph.WithEmitter(emit.MultiEmitter{
			emit.NewZapEmitter(logger.Named("events")),
			emit.NewOTelEmitter(a.telemetry.Tracer("github.com/dshills/stepgraph/graph")),
		}),
	)
	a.engine, err = graph.New(reg, tmpls, opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return a, nil
}

// Engine returns the workflow engine.
func (a *App) Engine() *graph.Engine { return a.engine }

// Gatherer returns the Prometheus registry holding engine metrics.
func (a *App) Gatherer() prometheus.Gatherer { return a.metrics }

// Usage returns the token usage tracker shared by LLM backends.
func (a *App) Usage() *backend.UsageTracker { return a.usage }

// Close drains the engine within ctx, then releases backends, the store and
// telemetry exporters.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore opens the checkpoint store selected by cfg.Driver.
func openStore(cfg config.StoreConfig) (store.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemStore(), nop, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil
	case "mysql":
		s, err := store.NewMySQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return s, s.Close, nil
	case "redis":
		s, err := store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.RedisTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// loadTemplates layers the template directory over the built-in templates.
func loadTemplates(cfg config.TemplatesConfig, logger *zap.Logger) (graph.ChainTemplateStore, error) {
	var chain graph.ChainTemplateStore
	if cfg.Dir != "" {
		dir, err := templates.NewDirStore(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		if err := dir.Validate(); err != nil {
			return nil, err
		}
		chain = append(chain, dir)
	}
	if !cfg.DisableBuiltin {
		chain = append(chain, templates.Builtin(logger))
	}
	if len(chain) == 0 {
		return nil, errors.New("no templates: set templates.dir or enable built-in templates")
	}
	return chain, nil
}

// templateKinds collects the step kinds used by every listable template.
func templateKinds(tmpls graph.ChainTemplateStore, logger *zap.Logger) []string {
	seen := make(map[string]bool)
	for _, id := range tmpls.IDs() {
		t, err := tmpls.Load(id)
		if err != nil {
			logger.Warn("skipping template", zap.String("template_id", id), zap.Error(err))
			continue
		}
		for _, k := range t.Kinds() {
			seen[k] = true
		}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// buildRegistry registers every kind used by templates or named in cfg.Kinds.
// LLM backends are built once and shared by the kinds bound to them. The
// returned closers release backends that hold connections.
func buildRegistry(ctx context.Context, cfg *config.Config, kinds []string, usage *backend.UsageTracker) (*graph.Registry, []func() error, error) {
	all := make(map[string]bool, len(kinds)+len(cfg.Kinds))
	for _, k := range kinds {
		all[k] = true
	}
	for k := range cfg.Kinds {
		all[k] = true
	}
	names := make([]string, 0, len(all))
	for k := range all {
		names = append(names, k)
	}
	sort.Strings(names)

	reg := graph.NewRegistry()
	completers := make(map[string]backend.Completer)
	var closers []func() error

	for _, kind := range names {
		kc := cfg.Kinds[kind]
		name := cfg.BackendFor(kind)
		bc, ok := cfg.Backends[name]
		if !ok {
			return nil, closers, fmt.Errorf("kind %s: backend %q is not defined", kind, name)
		}

		var inv graph.Invoker
		if bc.Provider == "http" {
			hopts := []backend.HTTPOption{backend.WithHeaders(bc.Headers)}
			if bc.Timeout > 0 {
				hopts = append(hopts, backend.WithHTTPClient(&http.Client{Timeout: bc.Timeout}))
			}
			inv = backend.NewHTTPInvoker(joinURL(bc.BaseURL, kc.Path), hopts...)
		} else {
			c, ok := completers[name]
			if !ok {
				var err error
				c, err = backend.NewCompleter(ctx, backend.ProviderConfig{
					Provider:  bc.Provider,
					APIKey:    bc.ResolveAPIKey(),
					Model:     bc.Model,
					BaseURL:   bc.BaseURL,
					MaxTokens: bc.MaxTokens,
					Timeout:   bc.Timeout,
					Headers:   bc.Headers,
				})
				if err != nil {
					return nil, closers, fmt.Errorf("backend %s: %w", name, err)
				}
				if cl, ok := c.(io.Closer); ok {
					closers = append(closers, cl.Close)
				}
				completers[name] = c
			}
			inv = &backend.PromptInvoker{
				Completer: c,
				System:    kc.System,
				Prompt:    kc.Prompt,
				Usage:     usage,
			}
		}

		var opts []graph.RegisterOption
		if kc.Timeout > 0 {
			opts = append(opts, graph.WithKindTimeout(kc.Timeout))
		}
		if kc.RateLimit > 0 {
			opts = append(opts, graph.WithRateLimit(kc.RateLimit, kc.Burst))
		}
		if err := reg.Register(kind, inv, kindPolicy(kc), opts...); err != nil {
			return nil, closers, err
		}
	}
	return reg, closers, nil
}

// kindPolicy builds a retry policy from kc, filling unset fields from
// graph.DefaultRetryPolicy.
func kindPolicy(kc config.KindConfig) graph.RetryPolicy {
	p := graph.DefaultRetryPolicy
	if kc.MaxAttempts > 0 {
		p.MaxAttempts = kc.MaxAttempts
	}
	if kc.BaseDelay > 0 {
		p.BaseDelay = kc.BaseDelay
	}
	if kc.MaxDelay > 0 {
		p.MaxDelay = kc.MaxDelay
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if kc.JitterFraction > 0 {
		p.JitterFraction = kc.JitterFraction
	}
	return p
}

// engineOptions maps the engine section of the config to graph options.
func engineOptions(cfg config.EngineConfig) []graph.Option {
	return []graph.Option{
		graph.WithOptions(graph.Options{
			MaxConcurrentSteps:   cfg.MaxConcurrent,
			DefaultStepTimeout:   cfg.StepTimeout,
			WorkflowTimeout:      cfg.WorkflowTimeout,
			DrainTimeout:         cfg.DrainTimeout,
			FailurePolicy:        graph.FailurePolicy(cfg.FailurePolicy),
			CheckpointAttempts:   cfg.CheckpointRetries,
			CheckpointRetryDelay: cfg.CheckpointRetryDelay,
		}),
	}
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
