package backend

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepgraph/graph"
)

func TestUsageTracker_Record(t *testing.T) {
	tr := NewUsageTracker()
	a := graph.StepInfo{InstanceID: "wf-1", StepID: "report", Kind: "research-report", Attempt: 1}
	b := graph.StepInfo{InstanceID: "wf-2", StepID: "seo", Kind: "listing-seo", Attempt: 1}

	r := tr.Record(a, "gpt-4o", 1_000_000, 100_000)
	assert.InDelta(t, 3.5, r.CostUSD, 1e-9)
	tr.Record(a, "gpt-4o-mini", 2_000_000, 0)
	tr.Record(b, "unknown-model", 500, 500)

	total := tr.Total()
	assert.Equal(t, 3, total.Calls)
	assert.Equal(t, int64(3_000_500), total.InputTokens)
	assert.InDelta(t, 3.8, total.CostUSD, 1e-9)

	wf1 := tr.ForInstance("wf-1")
	assert.Equal(t, 2, wf1.Calls)
	assert.InDelta(t, 3.8, wf1.CostUSD, 1e-9)
	assert.Zero(t, tr.ForInstance("wf-2").CostUSD)

	byModel := tr.ByModel()
	require.Contains(t, byModel, "unknown-model")
	assert.Equal(t, int64(500), byModel["unknown-model"].OutputTokens)

	tr.Forget("wf-1")
	assert.Zero(t, tr.ForInstance("wf-1").Calls)
	assert.Equal(t, 3, tr.Total().Calls)
	assert.Contains(t, tr.String(), "Calls: 3")
}

func TestUsageTracker_SetPricing(t *testing.T) {
	tr := NewUsageTracker()
	tr.SetPricing("house-model", ModelPricing{InputPer1M: 1, OutputPer1M: 2})
	r := tr.Record(graph.StepInfo{}, "house-model", 1_000_000, 1_000_000)
	assert.InDelta(t, 3.0, r.CostUSD, 1e-9)

	other := NewUsageTracker()
	assert.Zero(t, other.Record(graph.StepInfo{}, "house-model", 1_000_000, 0).CostUSD)
}

func TestUsageTracker_Concurrent(t *testing.T) {
	tr := NewUsageTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(graph.StepInfo{InstanceID: "wf"}, "gpt-4o", 10, 10)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.ForInstance("wf").Calls)
	assert.Len(t, tr.Records(), 50)
}

func TestUsageTracker_OnRecord(t *testing.T) {
	tr := NewUsageTracker()
	var seen []UsageRecord
	tr.OnRecord(func(r UsageRecord) {
		seen = append(seen, r)
		_ = tr.Total()
	})
	tr.Record(graph.StepInfo{StepID: "s"}, "gpt-4o", 1, 2)
	require.Len(t, seen, 1)
	assert.Equal(t, "s", seen[0].StepID)
	assert.Equal(t, int64(2), seen[0].OutputTokens)
}
