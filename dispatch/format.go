package dispatch

import (
	"strings"
	"time"

	"github.com/vendora/insight/task"
)

// Format produces the caller-visible response for an approved draft.
// It is a pure function of the task and draft: no model call, so the same
// approved draft always formats identically.
func Format(t task.Task, draft task.Draft, cached bool, now time.Time) task.Response {
	quality := 0.0
	if draft.QualityScore != nil {
		quality = *draft.QualityScore
	}

	return task.Response{
		Summary:         draft.Content.Summary,
		Detailed:        draft.Content,
		ConfidenceLevel: ConfidenceLevel(quality),
		Visualization:   visualizationFor(t.Query),
		Metadata: task.Metadata{
			TaskID:           t.ID,
			Complexity:       t.Complexity,
			ProcessingTimeMS: now.Sub(t.CreatedAt).Milliseconds(),
			RevisionsUsed:    t.RevisionsUsed,
			Cached:           cached,
		},
	}
}

// ConfidenceLevel maps a quality score to its fixed confidence band.
func ConfidenceLevel(quality float64) string {
	switch {
	case quality >= 0.95:
		return "Very High"
	case quality >= 0.85:
		return "High"
	case quality >= 0.70:
		return "Moderate"
	case quality >= 0.50:
		return "Low"
	default:
		return "Very Low"
	}
}

// visualizationFor derives a rendering hint from the query's shape:
// trends render as line charts, comparisons as bar charts, distributions
// as pie charts, everything else as a table.
func visualizationFor(query string) *task.Visualization {
	lower := strings.ToLower(query)

	switch {
	case strings.Contains(lower, "trend") || strings.Contains(lower, "over time") || strings.Contains(lower, "forecast"):
		return &task.Visualization{
			Type:   "line",
			Config: map[string]any{"x_axis": "time", "y_axis": "value"},
		}
	case strings.Contains(lower, "comparison") || strings.Contains(lower, "compare") || strings.Contains(lower, "top") || strings.Contains(lower, "versus"):
		return &task.Visualization{
			Type:   "bar",
			Config: map[string]any{"orientation": "vertical"},
		}
	case strings.Contains(lower, "distribution") || strings.Contains(lower, "breakdown") || strings.Contains(lower, "share"):
		return &task.Visualization{
			Type: "pie",
		}
	default:
		return &task.Visualization{
			Type: "table",
		}
	}
}
