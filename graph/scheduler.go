package graph

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph/emit"
)

// readyHeap holds Ready steps waiting for a concurrency slot, ordered by
// declaration index so dispatch order is deterministic.
type readyHeap []int

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(int))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// stepEvent is sent by step goroutines to the control loop. Attempt
// notifications have done == false.
type stepEvent struct {
	stepID   string
	attempt  int
	done     bool
	output   []byte
	err      *StepError
	attempts int
}

// runner is the control loop of one workflow instance. Only the loop
// goroutine touches inst; everything else reads published snapshots.
type runner struct {
	engine *Engine
	tmpl   *WorkflowTemplate
	inst   *WorkflowInstance
	ref    stepRef
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	events   chan stepEvent
	finished chan struct{}
	done     chan struct{}

	snapshot atomic.Pointer[WorkflowInstance]

	queue       readyHeap
	started     map[string]time.Time
	running     int
	stopping    bool
	interrupted bool
	resumed     bool
	persisted   bool
}

func newRunner(e *Engine, tmpl *WorkflowTemplate, inst *WorkflowInstance, resumed bool) *runner {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	if d := e.cfg.opts.WorkflowTimeout; d > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, d, ErrTimedOut)
		parentCancel := cancel
		cancel = func(cause error) {
			parentCancel(cause)
			cancelTimeout()
		}
	}

	r := &runner{
		engine:   e,
		tmpl:     tmpl,
		inst:     inst,
		ref:      stepRef{instanceID: inst.InstanceID, templateID: tmpl.ID()},
		log:      e.logger.With(zap.String("instance_id", inst.InstanceID), zap.String("template_id", tmpl.ID())),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan stepEvent, tmpl.Len()),
		finished: make(chan struct{}),
		done:     make(chan struct{}),
		started:  make(map[string]time.Time),
		resumed:  resumed,
	}
	r.publish()
	return r
}

// publish makes the current instance state visible to GetStatus.
func (r *runner) publish() {
	r.snapshot.Store(r.inst.Snapshot())
}

// status returns the latest published snapshot.
func (r *runner) status() *WorkflowInstance {
	return r.snapshot.Load().Snapshot()
}

// run drives the instance to a terminal status.
func (r *runner) run() {
	defer close(r.done)
	defer r.cancel(nil)

	r.start()

	for {
		r.advance()
		if r.running == 0 {
			break
		}
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.ctx.Done():
			r.interrupt()
			r.drain()
		}
	}

	r.finish()
}

func (r *runner) start() {
	now := r.engine.cfg.now()
	r.inst.setStatus(StatusRunning, now)
	msg := emit.MsgWorkflowStarted
	if r.resumed {
		msg = emit.MsgWorkflowResumed
	}
	r.log.Info("workflow running", zap.Bool("resumed", r.resumed), zap.Int("steps", r.tmpl.Len()))
	r.emit("", 0, msg, map[string]interface{}{"steps": r.tmpl.Len()})
	r.checkpoint()
}

// advance propagates failures, collects newly Ready steps and dispatches as
// many as the concurrency bound allows. It repeats until nothing changes, so
// steps whose input cannot be built are settled before the loop waits.
func (r *runner) advance() {
	if r.ctx.Err() != nil {
		r.interrupt()
	}
	if r.stopping {
		return
	}
	for {
		ready, propagated := resolve(r.tmpl, r.inst.StepStates)
		for _, id := range propagated {
			st := r.inst.StepStates[id]
			r.log.Debug("step failed by propagation", zap.String("step_id", id), zap.String("reason", st.LastError.Message))
			r.emit(id, 0, emit.MsgStepPropagated, map[string]interface{}{"error": st.LastError.Message})
		}
		for _, id := range ready {
			heap.Push(&r.queue, r.tmpl.index[id])
		}
		r.addReadyMetric(len(ready))

		dispatched, settled := r.dispatch()
		if len(propagated) > 0 || len(ready) > 0 || dispatched > 0 || settled > 0 {
			r.touch()
		}
		if settled == 0 {
			return
		}
	}
}

// dispatch starts queued steps up to the concurrency bound. It reports how
// many were started and how many failed before invocation.
func (r *runner) dispatch() (dispatched, settled int) {
	limit := r.engine.cfg.opts.MaxConcurrentSteps
	for r.queue.Len() > 0 && (limit == 0 || r.running < limit) {
		idx := heap.Pop(&r.queue).(int)
		r.addReadyMetric(-1)
		def := r.tmpl.steps[idx]
		st := r.inst.StepStates[def.ID]

		builder := def.Input
		if builder == nil {
			builder = DefaultInput
		}
		input, err := builder.Build(r.inst.GlobalInput, dependencyOutputs(def, r.inst.StepStates))
		if err != nil {
			st.Status = StepFailed
			st.LastError = newStepError(def.ID, CodeStepFatal, 0, fmt.Errorf("build input: %w", err))
			r.log.Warn("step input could not be built", zap.String("step_id", def.ID), zap.Error(err))
			r.emit(def.ID, 0, emit.MsgStepFailed, map[string]interface{}{"kind": def.Kind, "error": st.LastError.Message})
			r.onStepFailed()
			settled++
			if r.stopping {
				return dispatched, settled
			}
			continue
		}

		st.Status = StepRunning
		r.started[def.ID] = time.Now()
		r.running++
		dispatched++
		if m := r.engine.cfg.opts.Metrics; m != nil {
			m.AddInflightSteps(r.ref.templateID, 1)
		}
		r.emit(def.ID, 0, emit.MsgStepDispatched, map[string]interface{}{"kind": def.Kind})
		go r.execStep(def, input)
	}
	return dispatched, settled
}

// execStep runs on its own goroutine and reports back through r.events.
func (r *runner) execStep(def StepDefinition, input []byte) {
	observe := func(attempt int) {
		r.send(stepEvent{stepID: def.ID, attempt: attempt})
	}
	out, attempts, err := r.engine.exec.execute(r.ctx, r.ref, def, input, observe)

	ev := stepEvent{stepID: def.ID, done: true, output: out, attempts: attempts}
	if err != nil {
		var se *StepError
		if !errors.As(err, &se) {
			se = newStepError(def.ID, CodeStepFatal, attempts, err)
		}
		ev.err = se
	}
	r.send(ev)
}

// send delivers ev unless the loop has already finished.
func (r *runner) send(ev stepEvent) {
	select {
	case r.events <- ev:
	case <-r.finished:
	}
}

// handle applies one step event to the instance.
func (r *runner) handle(ev stepEvent) {
	st := r.inst.StepStates[ev.stepID]
	if st == nil || st.Status != StepRunning {
		return
	}

	if !ev.done {
		if ev.attempt > st.Attempts {
			st.Attempts = ev.attempt
			r.touch()
		}
		return
	}

	r.running--
	if m := r.engine.cfg.opts.Metrics; m != nil {
		m.AddInflightSteps(r.ref.templateID, -1)
	}
	if ev.attempts > st.Attempts {
		st.Attempts = ev.attempts
	}

	def, _ := r.tmpl.Step(ev.stepID)
	elapsed := time.Since(r.started[ev.stepID])
	delete(r.started, ev.stepID)
	if ev.err == nil {
		st.Status = StepSucceeded
		st.Output = ev.output
		st.LastError = nil
		r.log.Debug("step succeeded",
			zap.String("step_id", ev.stepID),
			zap.Int("attempts", st.Attempts),
			zap.Duration("elapsed", elapsed))
		meta := map[string]interface{}{"kind": def.Kind, "duration_ms": elapsed.Milliseconds()}
		usageMeta(ev.output, meta)
		r.emit(ev.stepID, st.Attempts, emit.MsgStepSucceeded, meta)
		r.touch()
		return
	}

	st.Status = StepFailed
	st.Output = nil
	st.LastError = ev.err
	r.log.Warn("step failed",
		zap.String("step_id", ev.stepID),
		zap.String("code", ev.err.Code),
		zap.Int("attempts", st.Attempts),
		zap.String("error", ev.err.Message))
	r.emit(ev.stepID, st.Attempts, emit.MsgStepFailed, map[string]interface{}{
		"kind":        def.Kind,
		"code":        ev.err.Code,
		"error":       ev.err.Message,
		"duration_ms": elapsed.Milliseconds(),
	})
	if ev.err.Code != CodeCancelled && ev.err.Code != CodeTimedOut {
		r.onStepFailed()
	}
	r.touch()
}

// onStepFailed applies the failure policy after a step failure.
func (r *runner) onStepFailed() {
	if r.engine.cfg.opts.FailurePolicy != FailFast || r.stopping {
		return
	}
	r.stopping = true
	r.log.Info("failing fast, no further steps will be dispatched")
	r.failPending(CodeAborted, ErrAborted)
}

// interrupt handles cancellation and the global deadline: nothing new is
// dispatched and every Blocked or Ready step fails with the context cause.
func (r *runner) interrupt() {
	if r.interrupted {
		return
	}
	r.interrupted = true
	r.stopping = true

	cause := context.Cause(r.ctx)
	code := CodeCancelled
	if errors.Is(cause, ErrTimedOut) {
		code = CodeTimedOut
	}
	r.log.Info("workflow interrupted", zap.String("code", code), zap.Int("in_flight", r.running))
	r.emit("", 0, emit.MsgWorkflowCancelled, map[string]interface{}{"code": code, "in_flight": r.running})
	r.failPending(code, cause)
	r.touch()
}

// failPending fails every Blocked or Ready step with code.
func (r *runner) failPending(code string, cause error) {
	r.addReadyMetric(-r.queue.Len())
	r.queue = r.queue[:0]
	for _, def := range r.tmpl.steps {
		st := r.inst.StepStates[def.ID]
		if st.Status != StepBlocked && st.Status != StepReady {
			continue
		}
		st.Status = StepFailed
		st.LastError = newStepError(def.ID, code, st.Attempts, cause)
	}
}

// drain waits for in-flight steps, bounded by the drain timeout. Steps still
// running when it expires are failed with the interruption cause and their
// late results are discarded.
func (r *runner) drain() {
	if r.running == 0 {
		return
	}
	timer := time.NewTimer(r.engine.cfg.opts.DrainTimeout)
	defer timer.Stop()

	for r.running > 0 {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-timer.C:
			cause := context.Cause(r.ctx)
			code := CodeCancelled
			if errors.Is(cause, ErrTimedOut) {
				code = CodeTimedOut
			}
			r.log.Warn("drain timeout elapsed, abandoning in-flight steps", zap.Int("in_flight", r.running))
			for _, def := range r.tmpl.steps {
				st := r.inst.StepStates[def.ID]
				if st.Status == StepRunning {
					st.Status = StepFailed
					st.LastError = newStepError(def.ID, code, st.Attempts,
						fmt.Errorf("abandoned after drain timeout: %w", cause))
				}
			}
			if m := r.engine.cfg.opts.Metrics; m != nil {
				m.AddInflightSteps(r.ref.templateID, -r.running)
			}
			r.running = 0
			r.touch()
			return
		}
	}
}

// finish settles the terminal status, builds the result and persists the
// final checkpoint.
func (r *runner) finish() {
	for _, def := range r.tmpl.steps {
		st := r.inst.StepStates[def.ID]
		if !st.Status.Done() {
			st.Status = StepFailed
			st.LastError = newStepError(def.ID, CodeStepFatal, st.Attempts, ErrNoProgress)
		}
	}

	status := StatusCompleted
	var cause *StepError
	switch {
	case r.inst.Count(StepSucceeded) == len(r.inst.StepStates):
	case r.interrupted:
		c := context.Cause(r.ctx)
		if errors.Is(c, ErrTimedOut) {
			status = StatusTimedOut
			cause = &StepError{Code: CodeTimedOut, Message: c.Error(), Cause: c}
		} else {
			status = StatusFailed
			cause = &StepError{Code: CodeCancelled, Message: c.Error(), Cause: c}
		}
	default:
		status = StatusFailed
		cause = r.rootCause()
	}

	r.inst.Err = cause
	if status == StatusCompleted {
		r.inst.FinalResult = Synthesize(r.tmpl, r.inst.StepStates)
	}
	r.inst.setStatus(status, r.engine.cfg.now())
	r.persisted = r.checkpoint()
	r.publish()

	if m := r.engine.cfg.opts.Metrics; m != nil {
		m.IncrementWorkflows(r.ref.templateID, status)
	}
	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("succeeded", r.inst.Count(StepSucceeded)),
		zap.Int("failed", r.inst.Count(StepFailed)),
		zap.Duration("elapsed", r.inst.UpdatedAt.Sub(r.inst.StartedAt)),
	}
	if cause == nil {
		r.log.Info("workflow finished", fields...)
	} else {
		r.log.Warn("workflow finished", append(fields, zap.String("error", cause.Error()))...)
	}
	meta := map[string]interface{}{
		"status":    string(status),
		"succeeded": r.inst.Count(StepSucceeded),
		"failed":    r.inst.Count(StepFailed),
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	r.emit("", 0, emit.MsgWorkflowFinished, meta)

	close(r.finished)
	r.engine.checkpoints.Release(r.inst.InstanceID)
}

// rootCause returns the first step failure in declaration order that was not
// caused by propagation.
func (r *runner) rootCause() *StepError {
	var first *StepError
	for _, def := range r.tmpl.steps {
		st := r.inst.StepStates[def.ID]
		if st.Status != StepFailed || st.LastError == nil {
			continue
		}
		if first == nil {
			first = st.LastError
		}
		if st.LastError.Code != CodeDependencyFailed && st.LastError.Code != CodeAborted {
			return st.LastError
		}
	}
	return first
}

// touch records a mutation: it updates the timestamp, persists a checkpoint
// and publishes a snapshot.
func (r *runner) touch() {
	r.inst.UpdatedAt = r.engine.cfg.now()
	r.checkpoint()
	r.publish()
}

// checkpoint saves the instance and reports whether the write landed.
func (r *runner) checkpoint() bool {
	ctx := context.WithoutCancel(r.ctx)
	if err := r.engine.checkpoints.Save(ctx, r.inst); err != nil {
		r.log.Debug("continuing without checkpoint", zap.Error(err))
		return false
	}
	return true
}

func (r *runner) addReadyMetric(delta int) {
	if m := r.engine.cfg.opts.Metrics; m != nil && delta != 0 {
		m.AddReadyQueue(r.ref.templateID, delta)
	}
}

func (r *runner) emit(stepID string, attempt int, msg string, meta map[string]interface{}) {
	r.engine.cfg.emitter.Emit(emit.Event{
		InstanceID: r.inst.InstanceID,
		TemplateID: r.ref.templateID,
		StepID:     stepID,
		Attempt:    attempt,
		Msg:        msg,
		Meta:       meta,
	})
}

// usageMeta copies backend token usage reported under "usage" in a step's
// JSON output into event metadata.
func usageMeta(output []byte, meta map[string]interface{}) {
	usage := gjson.GetBytes(output, "usage")
	if !usage.IsObject() {
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		meta["tokens_in"] = v.Int()
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		meta["tokens_out"] = v.Int()
	}
	if v := usage.Get("model"); v.Exists() {
		meta["model"] = v.String()
	}
}
