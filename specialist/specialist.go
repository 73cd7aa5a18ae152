// Package specialist implements the second pipeline tier: analysts that
// turn a classified query plus warehouse data into a draft insight.
package specialist

import (
	"context"

	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/task"
)

// Specialist drafts an insight for a classified task. revisionFeedback is
// nil on the first draft and carries the validator's issues verbatim on
// revision cycles.
//
// The returned warnings describe degradations (missing data sources,
// truncated row sets) the engine records on the task. A specialist returns
// an error only when it cannot produce a draft at all.
type Specialist interface {
	Name() string
	Draft(ctx context.Context, t task.Task, c dispatch.Classification, revisionFeedback []string) (task.Draft, []string, error)
}

// Select returns the specialist matching a classification's routing choice.
func Select(standard, senior Specialist, c dispatch.Classification) Specialist {
	if c.Specialist == dispatch.SpecialistSenior {
		return senior
	}
	return standard
}
