package specialist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/task"
	"github.com/vendora/insight/warehouse"
)

// knownSources maps classification data sources to warehouse tables.
var knownSources = map[string]string{
	"inventory": "inventory",
	"sales":     "sales",
	"customers": "customers",
	"service":   "service",
	"finance":   "sales",
}

// Self-confidence recipe: start high, subtract for every degradation the
// specialist observed while drafting.
const (
	confidenceBase          = 0.9
	confidenceMissingSource = 0.2
	confidenceTruncatedRows = 0.1
	confidenceModelRetried  = 0.15
)

// analyst carries the machinery shared by both specialist variants.
type analyst struct {
	name            string
	capability      string
	completer       llm.Completer
	warehouse       warehouse.Runner
	maxRowsInPrompt int
	logger          *slog.Logger
}

// rowSet is the outcome of one warehouse read.
type rowSet struct {
	source   string
	template string
	result   warehouse.Result
	missing  bool
}

// draftPayload is the JSON shape the drafting prompts ask for.
type draftPayload struct {
	Summary         string             `json:"summary"`
	KeyMetrics      map[string]float64 `json:"key_metrics"`
	Insights        []string           `json:"insights"`
	Recommendations []struct {
		Priority string `json:"priority"`
		Action   string `json:"action"`
	} `json:"recommendations"`
	Changes map[string]string `json:"changes"`
}

// draft runs the shared three-step procedure: read the warehouse, build the
// analysis prompt, and parse the model's draft.
func (a *analyst) draft(ctx context.Context, t task.Task, c dispatch.Classification, feedback []string, systemPrompt string) (task.Draft, []string, error) {
	sets, warnings, err := a.gather(ctx, t, c)
	if err != nil {
		return task.Draft{}, warnings, err
	}

	// Total warehouse outage: emit an empty draft so the validator rejects
	// with structure instead of the pipeline crashing.
	if len(sets) > 0 && allMissing(sets) {
		d := task.Draft{
			Author:          a.name,
			QueriesExecuted: executed(sets),
			SelfConfidence:  0,
		}
		return d, append(warnings, "partial_data: warehouse unavailable for all sources"), nil
	}

	prompt := a.buildPrompt(t, c, sets, feedback)

	resp, err := a.completer.Complete(ctx, llm.Request{
		Capability: a.capability,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return task.Draft{}, warnings, fmt.Errorf("specialist %s: %w", a.name, err)
	}

	var payload draftPayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil {
		return task.Draft{}, warnings, fmt.Errorf("specialist %s: %w", a.name, err)
	}

	recs := make([]task.Recommendation, 0, len(payload.Recommendations))
	for _, r := range payload.Recommendations {
		recs = append(recs, task.Recommendation{Priority: r.Priority, Action: r.Action})
	}

	d := task.Draft{
		Author: a.name,
		Content: task.Content{
			Summary:         payload.Summary,
			KeyMetrics:      payload.KeyMetrics,
			Insights:        payload.Insights,
			Recommendations: recs,
			Changes:         payload.Changes,
		},
		QueriesExecuted: executed(sets),
		SelfConfidence:  a.confidence(sets, resp.Retried),
	}

	a.logger.Info("Draft produced",
		"task_id", t.ID,
		"specialist", a.name,
		"self_confidence", d.SelfConfidence,
		"sources", len(sets))

	return d, warnings, nil
}

// gather executes one parameterised read per required data source.
// A failing source is marked missing rather than failing the draft;
// cancellation aborts so the engine's deadline handling sees it.
func (a *analyst) gather(ctx context.Context, t task.Task, c dispatch.Classification) ([]rowSet, []string, error) {
	var sets []rowSet
	var warnings []string

	for _, source := range c.DataSources {
		table, ok := knownSources[strings.ToLower(source)]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown data source %q skipped", source))
			continue
		}

		template := fmt.Sprintf("SELECT * FROM %s WHERE dealership_id = @tenant", table)
		params := map[string]any{"tenant": t.TenantID}

		res, err := a.warehouse.Run(ctx, template, params, a.maxRowsInPrompt*4)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, warnings, ctx.Err()
			}
			a.logger.Warn("Warehouse read failed",
				"task_id", t.ID,
				"source", source,
				"error", err)
			sets = append(sets, rowSet{source: source, template: template, missing: true})
			warnings = append(warnings, fmt.Sprintf("partial_data: %s unavailable", source))
			continue
		}

		sets = append(sets, rowSet{source: source, template: template, result: res})
	}

	return sets, warnings, nil
}

// buildPrompt assembles the analysis prompt: bounded rows per source, the
// original query, and any revision feedback verbatim.
func (a *analyst) buildPrompt(t task.Task, c dispatch.Classification, sets []rowSet, feedback []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Query: %s\n", t.Query)
	fmt.Fprintf(&sb, "Dealership: %s\n", t.TenantID)
	if c.TimeRange != "" {
		fmt.Fprintf(&sb, "Time range: %s\n", c.TimeRange)
	}
	if len(c.KeyMetrics) > 0 {
		fmt.Fprintf(&sb, "Key metrics: %s\n", strings.Join(c.KeyMetrics, ", "))
	}
	if c.Methodology != "" {
		fmt.Fprintf(&sb, "Methodology: %s\n", c.Methodology)
	}

	for _, set := range sets {
		fmt.Fprintf(&sb, "\n## Data: %s\n", set.source)
		if set.missing {
			sb.WriteString("(unavailable)\n")
			continue
		}
		a.writeRows(&sb, set.result)
	}

	if len(feedback) > 0 {
		sb.WriteString("\n## Revision feedback\n")
		sb.WriteString("A reviewer flagged these issues with your previous draft. Address every one and report what changed in the \"changes\" field:\n")
		for _, f := range feedback {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}

	return sb.String()
}

// writeRows renders rows up to the prompt budget; excess rows collapse into
// per-column aggregates so large result sets still inform the analysis.
func (a *analyst) writeRows(sb *strings.Builder, res warehouse.Result) {
	limit := len(res.Rows)
	if limit > a.maxRowsInPrompt {
		limit = a.maxRowsInPrompt
	}

	for _, row := range res.Rows[:limit] {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
		}
		fmt.Fprintf(sb, "%s\n", strings.Join(parts, " | "))
	}

	if len(res.Rows) > limit {
		fmt.Fprintf(sb, "(%d further rows summarised as aggregates)\n", len(res.Rows)-limit)
		for col, agg := range aggregate(res.Rows[limit:]) {
			fmt.Fprintf(sb, "aggregate %s: sum=%.2f mean=%.2f n=%d\n", col, agg.sum, agg.sum/float64(agg.n), agg.n)
		}
	}
	if res.Truncated {
		sb.WriteString("(row set truncated by the warehouse)\n")
	}
}

type columnAggregate struct {
	sum float64
	n   int
}

// aggregate folds numeric columns of the excess rows into sums and counts.
func aggregate(rows []map[string]any) map[string]columnAggregate {
	out := make(map[string]columnAggregate)
	for _, row := range rows {
		for k, v := range row {
			f, ok := asFloat(v)
			if !ok {
				continue
			}
			agg := out[k]
			agg.sum += f
			agg.n++
			out[k] = agg
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// confidence applies the degradation recipe over what the draft observed.
func (a *analyst) confidence(sets []rowSet, modelRetried bool) float64 {
	conf := confidenceBase
	for _, set := range sets {
		if set.missing {
			conf -= confidenceMissingSource
			continue
		}
		if set.result.Truncated {
			conf -= confidenceTruncatedRows
		}
	}
	if modelRetried {
		conf -= confidenceModelRetried
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

func allMissing(sets []rowSet) bool {
	for _, set := range sets {
		if !set.missing {
			return false
		}
	}
	return true
}

func executed(sets []rowSet) []string {
	out := make([]string, 0, len(sets))
	for _, set := range sets {
		status := "ok"
		if set.missing {
			status = "failed"
		}
		out = append(out, fmt.Sprintf("%s (%s)", set.template, status))
	}
	return out
}
