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

const seniorSystemPrompt = `You are a senior dealership analyst handling complex and critical queries.
Beyond aggregation, produce forecasts with a stated horizon and confidence
band, call out anomalies explicitly, and compare across multiple axes where
the data supports it. Do not invent numbers: every metric you report must be
derivable from the rows given, and forecasts must state their method.
Respond with a single JSON object and nothing else:
{
  "summary": "one-paragraph answer",
  "key_metrics": {"metric_name": number},
  "insights": ["observation, anomaly callout, or forecast with horizon"],
  "recommendations": [{"priority": "high|medium|low", "action": "suggestion"}],
  "changes": {"issue": "how it was addressed"}
}
Include "changes" only when revision feedback was given.`

// Senior is the analyst for complex and critical queries: forecasts,
// anomaly callouts, and multi-axis comparisons on top of the standard kit.
type Senior struct {
	analyst
}

// NewSenior creates the senior specialist.
func NewSenior(completer llm.Completer, wh warehouse.Runner, opts ...Option) *Senior {
	s := &Senior{analyst: analyst{
		name:            "senior",
		capability:      model.CapabilityAdvancedAnalysis.String(),
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
func (s *Senior) Name() string { return s.name }

// Draft implements Specialist.
func (s *Senior) Draft(ctx context.Context, t task.Task, c dispatch.Classification, revisionFeedback []string) (task.Draft, []string, error) {
	return s.draft(ctx, t, c, revisionFeedback, seniorSystemPrompt)
}
