package graph

import "context"

// StepInfo identifies the step an Invoker is running for. Backends read it
// with StepInfoFromContext to attribute usage or derive idempotency keys.
type StepInfo struct {
	InstanceID string
	TemplateID string
	StepID     string
	Kind       string
	Attempt    int
}

type stepInfoKey struct{}

// WithStepInfo returns a context carrying info.
func WithStepInfo(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, stepInfoKey{}, info)
}

// StepInfoFromContext returns the StepInfo stored in ctx, if any.
func StepInfoFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepInfoKey{}).(StepInfo)
	return info, ok
}
