// Package dispatch implements the first pipeline tier: query classification
// and routing on the way in, response formatting on the way out.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/model"
	"github.com/vendora/insight/task"
)

// Specialist variants a classification can route to.
const (
	SpecialistStandard = "standard"
	SpecialistSenior   = "senior"
)

// Classification is the dispatcher's routing decision for a task.
type Classification struct {
	Complexity  task.Complexity `json:"complexity"`
	DataSources []string        `json:"data_sources"`
	Specialist  string          `json:"specialist"`
	TimeRange   string          `json:"time_range,omitempty"`
	KeyMetrics  []string        `json:"key_metrics,omitempty"`
	Methodology string          `json:"methodology,omitempty"`

	// Warnings records degradations (malformed model output) that the
	// engine folds into the task's error history.
	Warnings []string `json:"warnings,omitempty"`
}

// Dispatcher classifies queries and formats approved drafts.
type Dispatcher struct {
	completer llm.Completer
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher over the given model completer.
func New(completer llm.Completer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		completer: completer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

const classifySystemPrompt = `You analyze automotive dealership queries for an analytics pipeline.
Determine the complexity level, required data sources, time range, key metrics, and methodology.
Respond with a single JSON object and nothing else:
{
  "complexity": "simple|standard|complex|critical",
  "data_sources": ["inventory"|"sales"|"customers"|"service"|"finance"],
  "time_range": "description",
  "key_metrics": ["metric"],
  "methodology": "description"
}`

// modelSignals is the JSON shape the classification prompt asks for.
type modelSignals struct {
	Complexity  string   `json:"complexity"`
	DataSources []string `json:"data_sources"`
	TimeRange   string   `json:"time_range"`
	KeyMetrics  []string `json:"key_metrics"`
	Methodology string   `json:"methodology"`
}

// Classify determines complexity, data sources, and the specialist for a
// task. The model supplies signals; the complexity decision itself is
// rule-based over those signals plus the query text, so a fixed query with
// a deterministic model yields a fixed complexity. A malformed model reply
// degrades to standard with a warning; only a transport failure after the
// client's retries is an error.
func (d *Dispatcher) Classify(ctx context.Context, t task.Task) (Classification, error) {
	userPrompt := fmt.Sprintf("Query: %s\nDealership: %s\nContext: %v", t.Query, t.TenantID, t.Context)

	resp, err := d.completer.Complete(ctx, llm.Request{
		Capability: model.CapabilityClassification.String(),
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classification failed: %w", err)
	}

	var signals modelSignals
	var warnings []string
	if err := llm.DecodeJSON(resp.Content, &signals); err != nil {
		d.logger.Warn("Malformed classification, defaulting to standard",
			"task_id", t.ID,
			"error", err)
		warnings = append(warnings, "malformed classification output, defaulted to standard")
		signals = modelSignals{Complexity: string(task.ComplexityStandard)}
	}

	complexity := resolveComplexity(t.Query, signals)

	sources := signals.DataSources
	if len(sources) == 0 {
		sources = []string{"sales"}
	}

	c := Classification{
		Complexity:  complexity,
		DataSources: sources,
		Specialist:  specialistFor(complexity),
		TimeRange:   signals.TimeRange,
		KeyMetrics:  signals.KeyMetrics,
		Methodology: signals.Methodology,
		Warnings:    warnings,
	}

	d.logger.Info("Task classified",
		"task_id", t.ID,
		"complexity", c.Complexity,
		"specialist", c.Specialist,
		"data_sources", c.DataSources)

	return c, nil
}

// Pattern tables for rule-based complexity detection. The model's own
// complexity signal wins when valid; these cover the fallback scan.
var (
	criticalPatterns = []string{
		"financial impact", "strategic decision", "risk assessment",
		"compliance audit", "major investment",
	}
	complexPatterns = []string{
		"forecast", "predict", "multi-year", "optimization",
		"what-if", "anomaly",
	}
	simplePatterns = []string{
		"current inventory", "today's sales", "customer count",
		"how many", "simple lookup",
	}
)

// resolveComplexity applies the rule table: a valid model signal is taken
// as-is; otherwise the query text is scanned highest-severity first.
func resolveComplexity(query string, signals modelSignals) task.Complexity {
	if c := task.ParseComplexity(strings.ToLower(signals.Complexity)); c != "" {
		return c
	}

	lower := strings.ToLower(query)
	for _, p := range criticalPatterns {
		if strings.Contains(lower, p) {
			return task.ComplexityCritical
		}
	}
	for _, p := range complexPatterns {
		if strings.Contains(lower, p) {
			return task.ComplexityComplex
		}
	}
	for _, p := range simplePatterns {
		if strings.Contains(lower, p) {
			return task.ComplexitySimple
		}
	}
	return task.ComplexityStandard
}

// specialistFor routes simple and standard tasks to the standard specialist,
// complex and critical to the senior specialist.
func specialistFor(c task.Complexity) string {
	switch c {
	case task.ComplexityComplex, task.ComplexityCritical:
		return SpecialistSenior
	default:
		return SpecialistStandard
	}
}
