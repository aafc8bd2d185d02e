package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dshills/stepgraph/graph/backend"
)

// UsageMetrics exports backend token usage and cost as OTel counters.
type UsageMetrics struct {
	tokens metric.Int64Counter
	cost   metric.Float64Counter
	calls  metric.Int64Counter
}

// NewUsageMetrics creates the instruments on meter. A nil meter uses the
// global provider.
func NewUsageMetrics(meter metric.Meter) (*UsageMetrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/dshills/stepgraph/backend")
	}
	tokens, err := meter.Int64Counter("stepgraph.backend.tokens",
		metric.WithDescription("Tokens consumed by generation backends"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}
	cost, err := meter.Float64Counter("stepgraph.backend.cost",
		metric.WithDescription("Estimated backend cost"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	calls, err := meter.Int64Counter("stepgraph.backend.calls",
		metric.WithDescription("Completed backend calls"))
	if err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	return &UsageMetrics{tokens: tokens, cost: cost, calls: calls}, nil
}

// Observe records one usage record. It has the signature of
// backend.UsageTracker's record hook.
func (m *UsageMetrics) Observe(r backend.UsageRecord) {
	ctx := context.Background()
	base := []attribute.KeyValue{
		attribute.String("model", r.Model),
		attribute.String("kind", r.Kind),
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(base...))
	m.cost.Add(ctx, r.CostUSD, metric.WithAttributes(base...))
	m.tokens.Add(ctx, r.InputTokens,
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	m.tokens.Add(ctx, r.OutputTokens,
		metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
}
