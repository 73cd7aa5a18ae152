package specialist

import (
	"context"
	"log/slog"

	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/model"
	"github.com/vendora/insight/task"
	"github.com/vendora/insight/warehouse"
)

const standardSystemPrompt = `You are a dealership data analyst. Using only the data provided, answer the
query with aggregations, trends, and basic rankings. Do not invent numbers:
every metric you report must be derivable from the rows given.
Respond with a single JSON object and nothing else:
{
  "summary": "one-paragraph answer",
  "key_metrics": {"metric_name": number},
  "insights": ["observation"],
  "recommendations": [{"priority": "high|medium|low", "action": "suggestion"}],
  "changes": {"issue": "how it was addressed"}
}
Include "changes" only when revision feedback was given.`

// Standard is the analyst for simple and standard queries: aggregation,
// trends, and basic ranking.
type Standard struct {
	analyst
}

// Option configures a specialist.
type Option func(*analyst)

// WithLogger sets the specialist logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *analyst) { a.logger = logger }
}

// WithMaxRowsInPrompt bounds how many rows per source enter the prompt.
func WithMaxRowsInPrompt(n int) Option {
	return func(a *analyst) { a.maxRowsInPrompt = n }
}

// NewStandard creates the standard specialist.
func NewStandard(completer llm.Completer, wh warehouse.Runner, opts ...Option) *Standard {
	s := &Standard{analyst: analyst{
		name:            "standard",
		capability:      model.CapabilityAnalysis.String(),
		completer:       completer,
		warehouse:       wh,
		maxRowsInPrompt: 200,
		logger:          slog.Default(),
	}}
	for _, opt := range opts {
		opt(&s.analyst)
	}
	return s
}

// Name implements Specialist.
func (s *Standard) Name() string { return s.name }

// Draft implements Specialist.
func (s *Standard) Draft(ctx context.Context, t task.Task, c dispatch.Classification, revisionFeedback []string) (task.Draft, []string, error) {
	return s.draft(ctx, t, c, revisionFeedback, standardSystemPrompt)
}
