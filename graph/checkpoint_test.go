package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tidwall/gjson"

	"github.com/dshills/stepgraph/graph/store"
)

// flakyStore fails the first failures Puts, then delegates to a MemStore.
// It records every successful write.
type flakyStore struct {
	*store.MemStore

	mu       sync.Mutex
	failures int
	puts     int
	writes   [][]byte
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.puts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.writes = append(s.writes, append([]byte(nil), value...))
	s.mu.Unlock()
	return s.MemStore.Put(ctx, key, value)
}

func (s *flakyStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func pipelineTemplate(t *testing.T) *WorkflowTemplate {
	t.Helper()
	tmpl, err := NewTemplate("pipeline",
		StepDefinition{ID: "fetch", Kind: "fetch"},
		StepDefinition{ID: "summarize", Kind: "summarize", DependsOn: []string{"fetch"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func newTestManager(t *testing.T, st store.Store, opts ...Option) *CheckpointManager {
	t.Helper()
	opts = append([]Option{WithCheckpointRetries(3, 0)}, opts...)
	m, err := NewCheckpointManager(st, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCheckpointManager_SaveLoad(t *testing.T) {
	ctx := context.Background()
	tmpl := pipelineTemplate(t)
	m := newTestManager(t, store.NewMemStore())

	inst := newInstance("inst-1", tmpl, []byte(`{"q":"go"}`), time.Now())
	inst.setStatus(StatusRunning, time.Now())
	inst.StepStates["fetch"].Status = StepSucceeded
	inst.StepStates["fetch"].Attempts = 2
	inst.StepStates["fetch"].Output = []byte(`{"pages":3}`)
	inst.StepStates["summarize"].Status = StepFailed
	inst.StepStates["summarize"].LastError = newStepError("summarize", CodeStepFatal, 1, errors.New("bad"))

	if err := m.Save(ctx, inst); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := m.Load(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Status != StatusRunning || got.TemplateID != "pipeline" {
		t.Errorf("loaded status/template = %s/%s", got.Status, got.TemplateID)
	}
	if string(got.GlobalInput) != `{"q":"go"}` {
		t.Errorf("GlobalInput = %s", got.GlobalInput)
	}
	if got.fingerprint != tmpl.Fingerprint() {
		t.Errorf("fingerprint not restored")
	}
	fetch := got.StepStates["fetch"]
	if fetch.Status != StepSucceeded || fetch.Attempts != 2 || string(fetch.Output) != `{"pages":3}` {
		t.Errorf("fetch state = %+v", fetch)
	}
	sum := got.StepStates["summarize"]
	if sum.LastError == nil || sum.LastError.Code != CodeStepFatal || sum.LastError.Message != "bad" {
		t.Errorf("summarize error = %+v", sum.LastError)
	}
	if !errors.Is(sum.LastError, ErrStepFatal) {
		t.Error("reloaded StepError should still match ErrStepFatal")
	}
}

func TestCheckpointManager_SequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemStore: store.NewMemStore()}
	m := newTestManager(t, st)
	inst := newInstance("inst-1", pipelineTemplate(t), nil, time.Now())

	for i := 0; i < 3; i++ {
		if err := m.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	for i, w := range st.writes {
		if seq := gjson.GetBytes(w, "sequence").Uint(); seq != uint64(i+1) {
			t.Errorf("write %d sequence = %d, want %d", i, seq, i+1)
		}
	}

	// A fresh manager continues from the stored sequence.
	m2 := newTestManager(t, st)
	if _, err := m2.Load(ctx, "inst-1"); err != nil {
		t.Fatal(err)
	}
	if err := m2.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	last := st.writes[len(st.writes)-1]
	if seq := gjson.GetBytes(last, "sequence").Uint(); seq != 4 {
		t.Errorf("sequence after reload = %d, want 4", seq)
	}
}

func TestCheckpointManager_ConcurrentSavesAreOrdered(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemStore: store.NewMemStore()}
	m := newTestManager(t, st)
	inst := newInstance("inst-1", pipelineTemplate(t), nil, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Save(ctx, inst.Snapshot())
		}()
	}
	wg.Wait()

	var prev uint64
	for _, w := range st.writes {
		seq := gjson.GetBytes(w, "sequence").Uint()
		if seq <= prev {
			t.Fatalf("sequence %d written after %d", seq, prev)
		}
		prev = seq
	}
	if prev != 20 {
		t.Errorf("last sequence = %d, want 20", prev)
	}
}

func TestCheckpointManager_RetriesTransientStoreErrors(t *testing.T) {
	st := &flakyStore{MemStore: store.NewMemStore(), failures: 2}
	m := newTestManager(t, st)
	inst := newInstance("inst-1", pipelineTemplate(t), nil, time.Now())

	if err := m.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if st.attempts() != 3 {
		t.Errorf("Put attempts = %d, want 3", st.attempts())
	}
}

func TestCheckpointManager_GivesUpAfterBoundedAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	st := &flakyStore{MemStore: store.NewMemStore(), failures: -1}
	m := newTestManager(t, st, WithMetrics(metrics))
	inst := newInstance("inst-1", pipelineTemplate(t), nil, time.Now())

	err := m.Save(context.Background(), inst)
	if !errors.Is(err, ErrCheckpointWriteFailed) {
		t.Fatalf("Save() error = %v, want ErrCheckpointWriteFailed", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != CodeCheckpointWriteFailed {
		t.Errorf("error = %#v, want EngineError with CHECKPOINT_WRITE_FAILED", err)
	}
	if st.attempts() != 3 {
		t.Errorf("Put attempts = %d, want 3", st.attempts())
	}
	if got := testutil.ToFloat64(metrics.checkpointFailures.WithLabelValues("store")); got != 1 {
		t.Errorf("checkpoint_failures_total = %v, want 1", got)
	}
}

func TestCheckpointManager_LoadErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := newTestManager(t, st)

	if _, err := m.Load(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrInstanceNotFound", err)
	}

	tests := []struct {
		name   string
		record string
		want   error
	}{
		{"newer version", `{"schema_version":2,"instance_id":"x","steps":{}}`, ErrCheckpointVersion},
		{"no version", `{"instance_id":"x","steps":{}}`, ErrCheckpointVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := st.Put(ctx, CheckpointKey("x"), []byte(tt.record)); err != nil {
				t.Fatal(err)
			}
			if _, err := m.Load(ctx, "x"); !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("corrupt", func(t *testing.T) {
		if err := st.Put(ctx, CheckpointKey("y"), []byte(`{"schema_version":1,"steps":[`)); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Load(ctx, "y"); err == nil {
			t.Error("Load() of corrupt record succeeded")
		}
	})
}

func TestCheckpointManager_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := newTestManager(t, st)
	tmpl := pipelineTemplate(t)

	for _, id := range []string{"b", "a"} {
		if err := m.Save(ctx, newInstance(id, tmpl, nil, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Put(ctx, "unrelated", []byte("x")); err != nil {
		t.Fatal(err)
	}

	ids, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("List() = %v, want [a b]", ids)
	}

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(ctx, "a"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Load after Delete error = %v", err)
	}
}

// putOnly hides Lister and Deleter.
type putOnly struct{ store.Store }

func TestCheckpointManager_ListRequiresLister(t *testing.T) {
	m := newTestManager(t, putOnly{store.NewMemStore()})
	if _, err := m.List(context.Background()); err == nil {
		t.Error("List() on a store without Keys succeeded")
	}
	if err := m.Delete(context.Background(), "x"); err == nil {
		t.Error("Delete() on a store without Delete succeeded")
	}
}

func TestPrepareResume(t *testing.T) {
	tmpl := pipelineTemplate(t)
	inst := newInstance("inst-1", tmpl, nil, time.Now())
	inst.StepStates["fetch"].Status = StepSucceeded
	inst.StepStates["fetch"].Output = []byte("x")
	inst.StepStates["summarize"].Status = StepRunning
	inst.StepStates["summarize"].Attempts = 2

	if err := prepareResume(tmpl, inst); err != nil {
		t.Fatalf("prepareResume() error = %v", err)
	}
	if st := inst.StepStates["fetch"]; st.Status != StepSucceeded || string(st.Output) != "x" {
		t.Errorf("succeeded step changed: %+v", st)
	}
	if st := inst.StepStates["summarize"]; st.Status != StepBlocked || st.Attempts != 0 {
		t.Errorf("running step not reset: %+v", st)
	}

	changed, err := NewTemplate("pipeline",
		StepDefinition{ID: "fetch", Kind: "fetch"},
		StepDefinition{ID: "summarize", Kind: "summarize"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := prepareResume(changed, inst); !errors.Is(err, ErrTemplateChanged) {
		t.Errorf("prepareResume() with changed template error = %v, want ErrTemplateChanged", err)
	}
}
