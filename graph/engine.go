package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// recoverConcurrency bounds how many checkpoints Recover loads at once.
const recoverConcurrency = 8

// Engine runs workflow instances.
//
// The Engine:
//   - Loads templates from a TemplateStore and checks their kinds against the Registry
//   - Runs each instance on its own control loop goroutine
//   - Persists a checkpoint after every state transition
//   - Publishes immutable snapshots for GetStatus
//   - Resumes Running instances from checkpoints after a restart
//
// Example:
//
//	reg := graph.NewRegistry()
//	_ = reg.Register("research", researchInvoker, graph.DefaultRetryPolicy)
//	_ = reg.Register("draft", draftInvoker, graph.DefaultRetryPolicy)
//
//	tmpl, _ := graph.NewTemplate("report",
//	    graph.StepDefinition{ID: "research", Kind: "research"},
//	    graph.StepDefinition{ID: "draft", Kind: "draft", DependsOn: []string{"research"}},
//	)
//
//	engine, _ := graph.New(reg, graph.NewMemTemplateStore(tmpl), graph.WithMaxConcurrent(4))
//	id, _ := engine.StartWorkflow(ctx, "report", []byte(`{"topic":"rates"}`))
//	inst, err := engine.Wait(ctx, id)
type Engine struct {
	registry    *Registry
	templates   TemplateStore
	cfg         *engineConfig
	exec        *Executor
	checkpoints *CheckpointManager
	logger      *zap.Logger
	baseCtx     context.Context

	mu      sync.RWMutex
	runners map[string]*runner
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Engine. registry and templates are required.
func New(registry *Registry, templates TemplateStore, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if templates == nil {
		return nil, errors.New("template store cannot be nil")
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:    registry,
		templates:   templates,
		cfg:         cfg,
		exec:        newExecutor(registry, cfg),
		checkpoints: newCheckpointManager(cfg),
		logger:      cfg.logger.With(zap.String("component", "engine")),
		baseCtx:     context.Background(),
		runners:     make(map[string]*runner),
	}, nil
}

// Registry returns the engine's task registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Templates returns the engine's template store.
func (e *Engine) Templates() TemplateStore { return e.templates }

// Checkpoints returns the engine's checkpoint manager.
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// StartWorkflow creates an instance of templateID with input and starts it.
//
// It fails with ErrTemplateNotFound, ErrTemplateInvalid, ErrUnknownStepKind
// or ErrEngineClosed. ctx bounds only the initial checkpoint; the instance
// itself runs until it finishes or is cancelled.
func (e *Engine) StartWorkflow(ctx context.Context, templateID string, input []byte) (string, error) {
	tmpl, err := e.loadTemplate(templateID)
	if err != nil {
		return "", err
	}

	inst := newInstance(e.cfg.newID(), tmpl, input, e.cfg.now())
	if err := e.checkpoints.Save(ctx, inst); err != nil {
		e.logger.Warn("initial checkpoint failed", zap.String("instance_id", inst.InstanceID), zap.Error(err))
	}
	if err := e.launch(tmpl, inst, false); err != nil {
		return "", err
	}
	e.logger.Info("workflow started",
		zap.String("instance_id", inst.InstanceID),
		zap.String("template_id", templateID))
	return inst.InstanceID, nil
}

func (e *Engine) loadTemplate(templateID string) (*WorkflowTemplate, error) {
	tmpl, err := e.templates.Load(templateID)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Check(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (e *Engine) launch(tmpl *WorkflowTemplate, inst *WorkflowInstance, resumed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if r, ok := e.runners[inst.InstanceID]; ok && !isDone(r) {
		return fmt.Errorf("instance %s is already running", inst.InstanceID)
	}

	r := newRunner(e, tmpl, inst, resumed)
	e.runners[inst.InstanceID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.run()
		e.evict(r)
	}()
	return nil
}

// evict drops a finished runner once its final checkpoint is in the store,
// which then serves GetStatus and Wait. A runner whose final write failed
// stays so its outcome is not lost.
func (e *Engine) evict(r *runner) {
	if !r.persisted {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runners[r.inst.InstanceID] == r {
		delete(e.runners, r.inst.InstanceID)
	}
}

func isDone(r *runner) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (e *Engine) runner(instanceID string) (*runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[instanceID]
	return r, ok
}

// GetStatus returns a snapshot of the instance.
//
// Instances still running in this engine are served from memory. Finished
// and foreign instances are read from the checkpoint store. A failed instance is not an error: its status
// and per-step errors are data. ErrInstanceNotFound is returned only for IDs
// the engine and the store do not know.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	if r, ok := e.runner(instanceID); ok {
		return r.status(), nil
	}

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusCompleted {
		if tmpl, err := e.templates.Load(inst.TemplateID); err == nil && tmpl.Fingerprint() == inst.fingerprint {
			inst.FinalResult = Synthesize(tmpl, inst.StepStates)
		}
	}
	return inst, nil
}

// Cancel stops an instance. Blocked and Ready steps fail with ErrCancelled
// immediately; running steps see their context cancelled and whatever they
// return is recorded. The instance ends Failed.
//
// Cancelling a finished instance is a no-op. An unfinished instance that is
// only known from its checkpoint (for example after a crash, before Recover)
// is marked Failed in the store so it is not resumed.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	if r, ok := e.runner(instanceID); ok {
		r.cancel(ErrCancelled)
		return nil
	}

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	for _, st := range inst.StepStates {
		if !st.Status.Done() {
			st.Status = StepFailed
			st.Output = nil
			st.LastError = newStepError(st.StepID, CodeCancelled, st.Attempts, ErrCancelled)
		}
	}
	inst.Err = &StepError{Code: CodeCancelled, Message: ErrCancelled.Error(), Cause: ErrCancelled}
	inst.setStatus(StatusFailed, e.cfg.now())
	e.logger.Info("cancelled stored instance", zap.String("instance_id", instanceID))
	return e.checkpoints.Save(ctx, inst)
}

// Wait blocks until the instance finishes or ctx is done and returns the
// final snapshot.
//
// For Failed and TimedOut instances the error is a *WorkflowError carrying
// every step's state and the partial result.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	r, ok := e.runner(instanceID)
	if !ok {
		inst, err := e.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !inst.Status.Terminal() {
			return inst, fmt.Errorf("instance %s is %s and not running in this engine", instanceID, inst.Status)
		}
		return inst, e.outcome(inst)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return r.status(), ctx.Err()
	}
	inst := r.status()
	return inst, e.outcome(inst)
}

// outcome converts a terminal instance into Wait's error result.
func (e *Engine) outcome(inst *WorkflowInstance) error {
	if inst.Status == StatusCompleted {
		return nil
	}
	werr := &WorkflowError{
		InstanceID: inst.InstanceID,
		Status:     inst.Status,
		Steps:      inst.Steps(),
	}
	if inst.Err != nil {
		werr.Err = inst.Err
	} else {
		werr.Err = ErrStepFatal
	}
	if tmpl, err := e.templates.Load(inst.TemplateID); err == nil {
		werr.Partial = Synthesize(tmpl, inst.StepStates)
	}
	return werr
}

// Resume continues an unfinished instance from its checkpoint.
//
// Steps that were Running or Ready when the checkpoint was written are reset
// to Blocked and run again; their earlier attempts are discarded. Succeeded
// and Failed steps keep their recorded outcome. Resuming a finished instance
// is a no-op. ErrTemplateChanged is returned when the template no longer
// matches the checkpoint.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	if r, ok := e.runner(instanceID); ok && !isDone(r) {
		return nil
	}

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	tmpl, err := e.loadTemplate(inst.TemplateID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", instanceID, err)
	}
	if err := prepareResume(tmpl, inst); err != nil {
		return err
	}

	// inst belongs to the runner once launched.
	succeeded := inst.Count(StepSucceeded)
	if err := e.launch(tmpl, inst, true); err != nil {
		return err
	}
	e.logger.Info("workflow resumed",
		zap.String("instance_id", instanceID),
		zap.String("template_id", inst.TemplateID),
		zap.Int("succeeded", succeeded))
	return nil
}

// prepareResume checks inst against tmpl and discards in-flight progress.
func prepareResume(tmpl *WorkflowTemplate, inst *WorkflowInstance) error {
	if inst.fingerprint != tmpl.Fingerprint() || len(inst.StepStates) != tmpl.Len() {
		return fmt.Errorf("%w: instance %s, template %s", ErrTemplateChanged, inst.InstanceID, tmpl.ID())
	}
	for _, id := range tmpl.StepIDs() {
		st, ok := inst.StepStates[id]
		if !ok {
			return fmt.Errorf("%w: instance %s has no state for step %s", ErrTemplateChanged, inst.InstanceID, id)
		}
		switch st.Status {
		case StepRunning, StepReady:
			st.Status = StepBlocked
			st.Attempts = 0
			st.Output = nil
			st.LastError = nil
		}
	}
	inst.Err = nil
	return nil
}

// Recover resumes every unfinished instance in the checkpoint store and
// returns how many were resumed. The store must implement store.Lister.
//
// Instances that cannot be resumed are logged and skipped; their errors are
// joined into the returned error.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.checkpoints.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		resumed atomic.Int64
		mu      sync.Mutex
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			inst, err := e.checkpoints.Load(gctx, id)
			if err == nil && inst.Status.Terminal() {
				return nil
			}
			if err == nil {
				err = e.Resume(gctx, id)
			}
			if err != nil {
				e.logger.Warn("could not recover instance", zap.String("instance_id", id), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			resumed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(resumed.Load()), err
	}

	e.logger.Info("recovery complete", zap.Int("checkpoints", len(ids)), zap.Int64("resumed", resumed.Load()))
	return int(resumed.Load()), errors.Join(errs...)
}

// Instances returns the IDs of instances this engine is running. Finished
// instances leave the list once their final checkpoint is stored.
func (e *Engine) Instances() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.runners)
}

// Shutdown stops accepting new instances and waits for running ones to
// finish. If ctx ends first, Shutdown returns ctx.Err() and the remaining
// instances keep their last checkpoint with status Running so a later
// Recover picks them up.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
