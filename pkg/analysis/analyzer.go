package analysis

import (
	"context"
	"encoding/json"
)

// Analyzer is the external collaborator that performs the actual per-item
// analysis. Implementations fail with a *Failure carrying one of the
// FailureCode values; unclassified errors are treated as transient.
//
// The engine bounds every call with the job's per-item timeout and never
// invokes Analyze concurrently for the same item.
type Analyzer interface {
	Analyze(ctx context.Context, item *Item, opts Options) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, item *Item, opts Options) (json.RawMessage, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, item *Item, opts Options) (json.RawMessage, error) {
	return f(ctx, item, opts)
}
