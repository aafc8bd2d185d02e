package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/dshills/stepgraph/graph"
)

// ModelPricing is the price of a model in USD per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

var defaultPricing = map[string]ModelPricing{
	"claude-sonnet-4-5":          {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4-1":            {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-haiku-4-5":           {InputPer1M: 1.00, OutputPer1M: 5.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":                    {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":               {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gemini-2.5-pro":             {InputPer1M: 1.25, OutputPer1M: 10.00},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// UsageRecord is one completion attributed to a step attempt.
type UsageRecord struct {
	InstanceID   string
	StepID       string
	Kind         string
	Attempt      int
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Timestamp    time.Time
}

// Usage is an aggregate of token counts and cost.
type Usage struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u *Usage) add(r UsageRecord) {
	u.Calls++
	u.InputTokens += r.InputTokens
	u.OutputTokens += r.OutputTokens
	u.CostUSD += r.CostUSD
}

// UsageTracker accumulates token usage and cost per instance and per model.
// Unknown models are recorded at zero cost. Safe for concurrent use.
type UsageTracker struct {
	mu         sync.RWMutex
	pricing    map[string]ModelPricing
	records    []UsageRecord
	byInstance map[string]*Usage
	byModel    map[string]*Usage
	total      Usage
	hooks      []func(UsageRecord)
	now        func() time.Time
}

// NewUsageTracker creates a tracker with the default pricing table.
func NewUsageTracker() *UsageTracker {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &UsageTracker{
		pricing:    pricing,
		byInstance: make(map[string]*Usage),
		byModel:    make(map[string]*Usage),
		now:        time.Now,
	}
}

// SetPricing overrides the price of model.
func (t *UsageTracker) SetPricing(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// OnRecord registers fn to be called with every new record, outside the
// tracker's lock.
func (t *UsageTracker) OnRecord(fn func(UsageRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Record adds one completion for the step identified by info.
func (t *UsageTracker) Record(info graph.StepInfo, model string, inputTokens, outputTokens int64) UsageRecord {
	t.mu.Lock()

	p := t.pricing[model]
	r := UsageRecord{
		InstanceID:   info.InstanceID,
		StepID:       info.StepID,
		Kind:         info.Kind,
		Attempt:      info.Attempt,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      float64(inputTokens)/1e6*p.InputPer1M + float64(outputTokens)/1e6*p.OutputPer1M,
		Timestamp:    t.now(),
	}
	t.records = append(t.records, r)
	t.total.add(r)
	bump(t.byInstance, info.InstanceID).add(r)
	bump(t.byModel, model).add(r)
	hooks := t.hooks
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(r)
	}
	return r
}

func bump(m map[string]*Usage, key string) *Usage {
	u, ok := m[key]
	if !ok {
		u = &Usage{}
		m[key] = u
	}
	return u
}

// Total returns usage across all records.
func (t *UsageTracker) Total() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ForInstance returns the usage of one workflow instance.
func (t *UsageTracker) ForInstance(instanceID string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u, ok := t.byInstance[instanceID]; ok {
		return *u
	}
	return Usage{}
}

// ByModel returns usage per model.
func (t *UsageTracker) ByModel() map[string]Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Usage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}

// Records returns every record in the order they were added.
func (t *UsageTracker) Records() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]UsageRecord(nil), t.records...)
}

// Forget drops the per-instance aggregate of instanceID. Totals and records
// are kept.
func (t *UsageTracker) Forget(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byInstance, instanceID)
}

func (t *UsageTracker) String() string {
	u := t.Total()
	return fmt.Sprintf("Usage{Calls: %d, InputTokens: %d, OutputTokens: %d, Cost: $%.4f}",
		u.Calls, u.InputTokens, u.OutputTokens, u.CostUSD)
}
