// Command stepgraph runs workflow templates on generation backends.
//
// Usage:
//
//	stepgraph serve [--config stepgraph.yaml]             # start the HTTP API
//	stepgraph run [--config ...] TEMPLATE [INPUT_JSON]    # run one instance and print its result
//	stepgraph templates [--config ...]                    # list available templates
//	stepgraph version                                     # print build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/backend"
	"github.com/dshills/stepgraph/internal/api"
	"github.com/dshills/stepgraph/internal/config"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const envPrefix = "STEPGRAPH"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "run":
		err = runOnce(os.Args[2:], os.Stdin, os.Stdout)
	case "templates":
		err = runTemplates(os.Args[2:], os.Stdout)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stepgraph %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithEnvPrefix(envPrefix)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stepgraph",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Engine.RecoverOnStart {
		n, err := app.Engine().Recover(ctx)
		if err != nil {
			logger.Error("recovery finished with errors", zap.Error(err))
		}
		logger.Info("recovered instances", zap.Int("count", n))
	}

	handler := api.NewServer(app.Engine(),
		api.WithLogger(logger.Named("api")),
		api.WithGatherer(app.Gatherer()),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithVersion(Version),
	).Handler()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("stepgraph stopped", zap.Stringer("usage", app.Usage()))
	return nil
}

// runResult is printed by the run command.
type runResult struct {
	Success    bool             `json:"success"`
	InstanceID string           `json:"instance_id"`
	Status     string           `json:"status"`
	Error      *graph.StepError `json:"error,omitempty"`
	Result     *graph.Result    `json:"result,omitempty"`
	Steps      []api.StepView   `json:"steps"`
	Usage      *backend.Usage   `json:"usage,omitempty"`
}

func runOnce(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 0, "Abandon the wait after this long (0 waits forever)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("usage: stepgraph run [--config file] TEMPLATE [INPUT_JSON|-]")
	}
	templateID := fs.Arg(0)
	input, err := readInput(fs.Arg(1), stdin)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	res, err := execute(ctx, app.Engine(), templateID, input)
	if err != nil {
		return err
	}
	res.Usage = usageSummary(app, res.InstanceID)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("instance %s ended %s", res.InstanceID, res.Status)
	}
	return nil
}

// execute starts templateID and waits for it. An interrupted wait cancels
// the instance so the printed snapshot is terminal.
func execute(ctx context.Context, engine *graph.Engine, templateID string, input []byte) (*runResult, error) {
	id, err := engine.StartWorkflow(ctx, templateID, input)
	if err != nil {
		return nil, err
	}

	inst, err := engine.Wait(ctx, id)
	if ctx.Err() != nil {
		_ = engine.Cancel(context.Background(), id)
		inst, err = engine.Wait(context.Background(), id)
	}
	var werr *graph.WorkflowError
	if err != nil && !errors.As(err, &werr) {
		return nil, err
	}

	tmpl, lerr := engine.Templates().Load(inst.TemplateID)
	if lerr != nil {
		return nil, lerr
	}
	view := api.NewInstanceView(inst, tmpl)
	return &runResult{
		Success:    inst.Status == graph.StatusCompleted,
		InstanceID: inst.InstanceID,
		Status:     string(inst.Status),
		Error:      inst.Err,
		Result:     inst.FinalResult,
		Steps:      view.Steps,
	}, nil
}

func usageSummary(app *App, instanceID string) *backend.Usage {
	u := app.Usage().ForInstance(instanceID)
	if u.Calls == 0 {
		return nil
	}
	return &u
}

// readInput returns arg, or stdin when arg is "-". An empty arg is {}.
func readInput(arg string, stdin io.Reader) ([]byte, error) {
	var data []byte
	switch arg {
	case "":
		return []byte("{}"), nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, errors.New("input must be valid JSON")
	}
	return data, nil
}

func runTemplates(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("templates", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tmpls, err := loadTemplates(cfg.Templates, zap.NewNop())
	if err != nil {
		return err
	}
	return listTemplates(tmpls, stdout)
}

func listTemplates(tmpls graph.ChainTemplateStore, w io.Writer) error {
	for _, id := range tmpls.IDs() {
		t, err := tmpls.Load(id)
		if err != nil {
			fmt.Fprintf(w, "%s\tINVALID: %v\n", id, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d steps\t%s\n", id, t.Len(), t.Fingerprint())
		for _, stepID := range t.TopologicalOrder() {
			s, _ := t.Step(stepID)
			fmt.Fprintf(w, "  %-16s kind=%s", s.ID, s.Kind)
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(w, " after=%v", s.DependsOn)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func printVersion() {
	fmt.Printf("stepgraph %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Timestamp:  %s\n", time.Now().UTC().Format(time.RFC3339))
}

func printUsage() {
	fmt.Println(`stepgraph - workflow orchestration for generation backends

Usage:
  stepgraph <command> [options]

Commands:
  serve       Start the HTTP API
  run         Run one workflow instance and print its result
  templates   List available workflow templates
  version     Show version information
  help        Show this help message

Examples:
  stepgraph serve --config stepgraph.yaml
  stepgraph run research-report '{"topic":"solid-state batteries"}'
  echo '{"product":"lamp"}' | stepgraph run listing-optimizer -

Environment variables use the STEPGRAPH_ prefix, e.g. STEPGRAPH_SERVER_ADDR.`)
}
