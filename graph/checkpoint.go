package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
)

// SchemaVersion is the checkpoint record format written by this build.
// Records carrying any other version fail to load with ErrCheckpointVersion.
const SchemaVersion = 1

// checkpointPrefix namespaces checkpoint keys in the shared store.
const checkpointPrefix = "checkpoint:"

// Checkpoint is the persisted form of a WorkflowInstance.
//
// Sequence increases with every write for an instance. Step outputs are
// stored inline; the final result is not stored because it is derived from
// the step outputs on load.
type Checkpoint struct {
	SchemaVersion       int                   `json:"schema_version"`
	InstanceID          string                `json:"instance_id"`
	TemplateID          string                `json:"template_id"`
	TemplateFingerprint string                `json:"template_fingerprint"`
	Sequence            uint64                `json:"sequence"`
	Status              WorkflowStatus        `json:"status"`
	GlobalInput         []byte                `json:"global_input,omitempty"`
	Steps               map[string]*StepState `json:"steps"`
	Err                 *StepError            `json:"error,omitempty"`
	StartedAt           time.Time             `json:"started_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	SavedAt             time.Time             `json:"saved_at"`
}

// CheckpointKey returns the store key of instanceID's checkpoint.
func CheckpointKey(instanceID string) string {
	return checkpointPrefix + instanceID
}

// CheckpointManager persists instance snapshots to a store.Store.
//
// Writes for one instance are serialized by a per-instance lock and carry a
// monotonically increasing sequence number. A failed write is retried a
// bounded number of times, then logged and reported as
// ErrCheckpointWriteFailed; the caller continues either way.
type CheckpointManager struct {
	store    store.Store
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	metrics  *PrometheusMetrics
	emitter  emit.Emitter
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu  sync.Mutex
	seq uint64
}

// NewCheckpointManager creates a manager writing to st. Only the store,
// checkpoint retry, metrics, emitter and logger options apply.
func NewCheckpointManager(st store.Store, opts ...Option) (*CheckpointManager, error) {
	if st != nil {
		opts = append(opts, WithStore(st))
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCheckpointManager(cfg), nil
}

func newCheckpointManager(cfg *engineConfig) *CheckpointManager {
	attempts := cfg.opts.CheckpointAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &CheckpointManager{
		store:    cfg.store,
		attempts: attempts,
		delay:    cfg.opts.CheckpointRetryDelay,
		sleep:    cfg.sleep,
		now:      cfg.now,
		metrics:  cfg.opts.Metrics,
		emitter:  cfg.emitter,
		logger:   cfg.logger.With(zap.String("component", "checkpoint")),
		locks:    make(map[string]*instanceLock),
	}
}

func (m *CheckpointManager) lockFor(instanceID string) *instanceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[instanceID]
	if !ok {
		l = &instanceLock{}
		m.locks[instanceID] = l
	}
	return l
}

// Release drops the per-instance lock state once an instance has finished.
func (m *CheckpointManager) Release(instanceID string) {
	m.mu.Lock()
	delete(m.locks, instanceID)
	m.mu.Unlock()
}

// Save persists a snapshot of inst. The caller must not mutate inst during
// the call.
//
// Save returns ErrCheckpointWriteFailed when every attempt failed. Callers
// treat that as a warning: durability is best-effort relative to progress.
func (m *CheckpointManager) Save(ctx context.Context, inst *WorkflowInstance) error {
	l := m.lockFor(inst.InstanceID)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	cp := Checkpoint{
		SchemaVersion:       SchemaVersion,
		InstanceID:          inst.InstanceID,
		TemplateID:          inst.TemplateID,
		TemplateFingerprint: inst.fingerprint,
		Sequence:            l.seq,
		Status:              inst.Status,
		GlobalInput:         inst.GlobalInput,
		Steps:               inst.StepStates,
		Err:                 inst.Err,
		StartedAt:           inst.StartedAt,
		UpdatedAt:           inst.UpdatedAt,
		SavedAt:             m.now(),
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		m.reportFailure(inst, cp.Sequence, "marshal", err)
		return &EngineError{
			Message: fmt.Sprintf("marshal checkpoint for %s: %v", inst.InstanceID, err),
			Code:    CodeCheckpointWriteFailed,
			Err:     errors.Join(ErrCheckpointWriteFailed, err),
		}
	}

	key := CheckpointKey(inst.InstanceID)
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if lastErr = m.store.Put(ctx, key, data); lastErr == nil {
			return nil
		}
		m.logger.Debug("checkpoint write failed",
			zap.String("instance_id", inst.InstanceID),
			zap.Uint64("sequence", cp.Sequence),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < m.attempts {
			if err := m.sleep(ctx, m.delay); err != nil {
				break
			}
		}
	}

	m.reportFailure(inst, cp.Sequence, "store", lastErr)
	return &EngineError{
		Message: fmt.Sprintf("checkpoint %s seq %d: %v", inst.InstanceID, cp.Sequence, lastErr),
		Code:    CodeCheckpointWriteFailed,
		Err:     errors.Join(ErrCheckpointWriteFailed, lastErr),
	}
}

func (m *CheckpointManager) reportFailure(inst *WorkflowInstance, seq uint64, reason string, err error) {
	m.logger.Warn("checkpoint write abandoned",
		zap.String("instance_id", inst.InstanceID),
		zap.String("template_id", inst.TemplateID),
		zap.Uint64("sequence", seq),
		zap.String("reason", reason),
		zap.Error(err))
	if m.metrics != nil {
		m.metrics.IncrementCheckpointFailures(reason)
	}
	if m.emitter != nil {
		m.emitter.Emit(emit.Event{
			InstanceID: inst.InstanceID,
			TemplateID: inst.TemplateID,
			Msg:        emit.MsgCheckpointFailed,
			Meta: map[string]interface{}{
				"sequence": seq,
				"reason":   reason,
				"error":    fmt.Sprint(err),
			},
		})
	}
}

// Load reads the latest checkpoint of instanceID.
//
// It returns ErrInstanceNotFound when no checkpoint exists and
// ErrCheckpointVersion when the record was written with a different schema.
// The returned instance has no FinalResult; the engine rebuilds it from the
// template.
func (m *CheckpointManager) Load(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	data, err := m.store.Get(ctx, CheckpointKey(instanceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", instanceID, err)
	}

	if v := gjson.GetBytes(data, "schema_version"); v.Int() != SchemaVersion {
		return nil, fmt.Errorf("%w: checkpoint %s has version %s, want %d",
			ErrCheckpointVersion, instanceID, versionString(v), SchemaVersion)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", instanceID, err)
	}

	l := m.lockFor(instanceID)
	l.mu.Lock()
	if cp.Sequence > l.seq {
		l.seq = cp.Sequence
	}
	l.mu.Unlock()

	inst := &WorkflowInstance{
		InstanceID:  cp.InstanceID,
		TemplateID:  cp.TemplateID,
		GlobalInput: cp.GlobalInput,
		Status:      cp.Status,
		StepStates:  cp.Steps,
		StartedAt:   cp.StartedAt,
		UpdatedAt:   cp.UpdatedAt,
		Err:         cp.Err,
		fingerprint: cp.TemplateFingerprint,
	}
	if inst.StepStates == nil {
		inst.StepStates = make(map[string]*StepState)
	}
	for id, st := range inst.StepStates {
		if st == nil {
			return nil, fmt.Errorf("decode checkpoint %s: step %s has no state", instanceID, id)
		}
		st.StepID = id
	}
	return inst, nil
}

func versionString(v gjson.Result) string {
	if !v.Exists() {
		return "none"
	}
	return v.Raw
}

// List returns the IDs of every stored checkpoint, sorted. The store must
// implement store.Lister.
func (m *CheckpointManager) List(ctx context.Context) ([]string, error) {
	lister, ok := m.store.(store.Lister)
	if !ok {
		return nil, fmt.Errorf("checkpoint store %T cannot list keys", m.store)
	}
	keys, err := lister.Keys(ctx, checkpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, checkpointPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes instanceID's checkpoint when the store supports deletion.
func (m *CheckpointManager) Delete(ctx context.Context, instanceID string) error {
	d, ok := m.store.(store.Deleter)
	if !ok {
		return fmt.Errorf("checkpoint store %T cannot delete keys", m.store)
	}
	if err := d.Delete(ctx, CheckpointKey(instanceID)); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", instanceID, err)
	}
	m.Release(instanceID)
	return nil
}
