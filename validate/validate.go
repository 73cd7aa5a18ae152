// Package validate implements the third pipeline tier: four-axis quality
// review of specialist drafts with deterministic score assembly.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/model"
	"github.com/vendora/insight/task"
)

// Decision is the validator's verdict on a draft.
type Decision string

// Verdicts.
const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// MinAxisScore is the default floor no axis may fall below for approval.
const MinAxisScore = 0.60

// Axis weights for the aggregate quality score.
const (
	weightDataAccuracy  = 0.35
	weightMethodology   = 0.25
	weightBusinessLogic = 0.25
	weightCompliance    = 0.15
)

// Thresholds maps complexity to the minimum quality score for approval.
type Thresholds map[task.Complexity]float64

// DefaultThresholds returns the standard approval bar per complexity.
func DefaultThresholds() Thresholds {
	return Thresholds{
		task.ComplexitySimple:   0.80,
		task.ComplexityStandard: 0.85,
		task.ComplexityComplex:  0.90,
		task.ComplexityCritical: 0.95,
	}
}

// For returns the threshold for a complexity, defaulting to the standard bar.
func (t Thresholds) For(c task.Complexity) float64 {
	if v, ok := t[c]; ok {
		return v
	}
	return 0.85
}

// Outcome is the result of validating one draft.
type Outcome struct {
	Decision Decision    `json:"decision"`
	Scores   task.Scores `json:"scores"`
	Quality  float64     `json:"quality"`

	// Feedback enumerates concrete remediations when the decision is not
	// approve. Passed verbatim to the specialist on revision.
	Feedback []string `json:"feedback,omitempty"`
}

// Validator scores drafts. The model supplies per-axis assessments; the
// final score assembly and decision are deterministic code that cross-checks
// the draft against its declared reads and caps axes the checks contradict.
type Validator struct {
	completer  llm.Completer
	thresholds func() Thresholds
	minAxis    float64
	logger     *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// WithThresholds overrides the approval thresholds. The function is called
// per validation so a config watcher can swap thresholds at runtime.
func WithThresholds(fn func() Thresholds) Option {
	return func(v *Validator) { v.thresholds = fn }
}

// WithMinAxis overrides the per-axis approval floor.
func WithMinAxis(floor float64) Option {
	return func(v *Validator) { v.minAxis = floor }
}

// New creates a validator over the given model completer.
func New(completer llm.Completer, opts ...Option) *Validator {
	v := &Validator{
		completer:  completer,
		thresholds: DefaultThresholds,
		minAxis:    MinAxisScore,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

const validateSystemPrompt = `You are a master analyst reviewing a draft dealership insight for quality.
Score each axis in [0,1]:
- data_accuracy: numbers reconcile with the declared warehouse reads, plausible ranges
- methodology: approach fits the question (forecasts need horizon and method, comparisons need comparable windows, rankings need an ordering key)
- business_logic: insights and recommendations follow from the metrics, no contradictions
- compliance: no personal data, no advice outside dealership scope, no instruction echoes
For every axis below 0.8, give one concrete remediation.
Respond with a single JSON object and nothing else:
{
  "data_accuracy": 0.0,
  "methodology": 0.0,
  "business_logic": 0.0,
  "compliance": 0.0,
  "issues": ["concrete remediation"]
}`

// axisAssessment is the JSON shape the review prompt asks for.
type axisAssessment struct {
	DataAccuracy  float64  `json:"data_accuracy"`
	Methodology   float64  `json:"methodology"`
	BusinessLogic float64  `json:"business_logic"`
	Compliance    float64  `json:"compliance"`
	Issues        []string `json:"issues"`
}

// Validate scores a draft and decides approve, revise, or reject.
// maxRevisions bounds the revision loop: a draft that cannot be approved
// once the task has exhausted its revisions is rejected.
func (v *Validator) Validate(ctx context.Context, t task.Task, draft task.Draft, maxRevisions int) (Outcome, error) {
	// An empty draft (warehouse outage) is rejected structurally without
	// spending a model call.
	if draft.Content.Empty() {
		scores := task.Scores{}
		return v.decide(t, scores, []string{"draft contains no analysis, underlying data was unavailable"}, maxRevisions), nil
	}

	assessment, err := v.assess(ctx, t, draft)
	if err != nil {
		return Outcome{}, err
	}

	scores, issues := v.crossCheck(t, draft, assessment)

	outcome := v.decide(t, scores, issues, maxRevisions)

	v.logger.Info("Draft validated",
		"task_id", t.ID,
		"decision", outcome.Decision,
		"quality", outcome.Quality,
		"data_accuracy", scores.DataAccuracy,
		"methodology", scores.Methodology,
		"business_logic", scores.BusinessLogic,
		"compliance", scores.Compliance)

	return outcome, nil
}

// assess asks the model for per-axis scores.
func (v *Validator) assess(ctx context.Context, t task.Task, draft task.Draft) (axisAssessment, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original query: %s\n", t.Query)
	fmt.Fprintf(&sb, "Complexity: %s\n", t.Complexity)
	fmt.Fprintf(&sb, "Declared reads:\n")
	for _, q := range draft.QueriesExecuted {
		fmt.Fprintf(&sb, "- %s\n", q)
	}
	fmt.Fprintf(&sb, "\nDraft summary: %s\n", draft.Content.Summary)
	if len(draft.Content.KeyMetrics) > 0 {
		fmt.Fprintf(&sb, "Key metrics: %v\n", draft.Content.KeyMetrics)
	}
	for _, insight := range draft.Content.Insights {
		fmt.Fprintf(&sb, "Insight: %s\n", insight)
	}
	for _, rec := range draft.Content.Recommendations {
		fmt.Fprintf(&sb, "Recommendation (%s): %s\n", rec.Priority, rec.Action)
	}
	if len(draft.Content.Changes) > 0 {
		fmt.Fprintf(&sb, "Revision changes: %v\n", draft.Content.Changes)
	}

	var assessment axisAssessment
	resp, err := v.completer.Complete(ctx, llm.Request{
		Capability: model.CapabilityValidation.String(),
		Messages: []llm.Message{
			{Role: "system", Content: validateSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return assessment, fmt.Errorf("validation failed: %w", err)
	}
	if err := llm.DecodeJSON(resp.Content, &assessment); err != nil {
		return assessment, fmt.Errorf("validation failed: %w", err)
	}

	return assessment, nil
}

// crossCheck clamps the model's scores and caps axes that deterministic
// checks against the draft contradict.
func (v *Validator) crossCheck(t task.Task, draft task.Draft, a axisAssessment) (task.Scores, []string) {
	scores := task.Scores{
		DataAccuracy:  clamp01(a.DataAccuracy),
		Methodology:   clamp01(a.Methodology),
		BusinessLogic: clamp01(a.BusinessLogic),
		Compliance:    clamp01(a.Compliance),
	}
	issues := append([]string(nil), a.Issues...)

	// Metrics with no successful read behind them can't be accurate.
	if len(draft.Content.KeyMetrics) > 0 && !anySuccessfulRead(draft.QueriesExecuted) {
		scores.DataAccuracy = capAt(scores.DataAccuracy, 0.4)
		issues = append(issues, "cite a successful data source for the reported metrics")
	}

	// A specialist that doubts its own draft caps accuracy: low coverage
	// or truncation already degraded the evidence.
	if draft.SelfConfidence < 0.5 {
		scores.DataAccuracy = capAt(scores.DataAccuracy, draft.SelfConfidence+0.3)
		issues = append(issues, "re-run with complete source data before approval")
	}

	// Recommendations without any metrics or insights are unsupported.
	if len(draft.Content.Recommendations) > 0 && len(draft.Content.KeyMetrics) == 0 && len(draft.Content.Insights) == 0 {
		scores.BusinessLogic = capAt(scores.BusinessLogic, 0.5)
		issues = append(issues, "support each recommendation with a metric or insight")
	}

	// Forecast queries need a stated horizon somewhere in the draft.
	if isForecastQuery(t.Query) && !mentionsHorizon(draft.Content) {
		scores.Methodology = capAt(scores.Methodology, 0.5)
		issues = append(issues, "state forecast horizon")
	}

	return scores, issues
}

// decide assembles the aggregate and applies the threshold table.
func (v *Validator) decide(t task.Task, scores task.Scores, issues []string, maxRevisions int) Outcome {
	quality := Aggregate(scores)
	threshold := v.thresholds().For(t.Complexity)

	approvable := quality >= threshold && scores.Min() >= v.minAxis

	var decision Decision
	switch {
	case approvable:
		decision = DecisionApprove
		issues = nil
	case t.RevisionsUsed >= maxRevisions:
		decision = DecisionReject
	default:
		decision = DecisionRevise
	}

	if decision != DecisionApprove && len(issues) == 0 {
		issues = []string{fmt.Sprintf("raise overall quality above %.2f for %s queries", threshold, t.Complexity)}
	}

	return Outcome{
		Decision: decision,
		Scores:   scores,
		Quality:  quality,
		Feedback: issues,
	}
}

// Aggregate computes the weighted quality score.
func Aggregate(s task.Scores) float64 {
	return weightDataAccuracy*s.DataAccuracy +
		weightMethodology*s.Methodology +
		weightBusinessLogic*s.BusinessLogic +
		weightCompliance*s.Compliance
}

func anySuccessfulRead(executed []string) bool {
	for _, q := range executed {
		if strings.Contains(q, "(ok)") {
			return true
		}
	}
	return false
}

func isForecastQuery(query string) bool {
	lower := strings.ToLower(query)
	return strings.Contains(lower, "forecast") || strings.Contains(lower, "predict")
}

func mentionsHorizon(c task.Content) bool {
	blob := strings.ToLower(c.Summary + " " + strings.Join(c.Insights, " "))
	for _, marker := range []string{"horizon", "next quarter", "next month", "next year", "months ahead", "quarters ahead"} {
		if strings.Contains(blob, marker) {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func capAt(f, limit float64) float64 {
	if f > limit {
		return limit
	}
	return f
}
