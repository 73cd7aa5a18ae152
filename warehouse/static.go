package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var fromPattern = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z_][A-Za-z0-9_]*)`)

// StaticRunner serves canned row sets from in-memory tables. It backs the
// demo CLI and tests; parameters are accepted but not evaluated.
type StaticRunner struct {
	Tables map[string][]map[string]any
}

// NewDemoRunner returns a runner loaded with small dealership tables.
func NewDemoRunner() *StaticRunner {
	return &StaticRunner{
		Tables: map[string][]map[string]any{
			"sales": {
				{"month": "2026-05", "model": "Atlas", "units": 18, "revenue": 612000.0},
				{"month": "2026-05", "model": "Meridian", "units": 12, "revenue": 384000.0},
				{"month": "2026-06", "model": "Atlas", "units": 22, "revenue": 748000.0},
				{"month": "2026-06", "model": "Meridian", "units": 9, "revenue": 288000.0},
				{"month": "2026-07", "model": "Atlas", "units": 25, "revenue": 850000.0},
				{"month": "2026-07", "model": "Meridian", "units": 14, "revenue": 448000.0},
			},
			"inventory": {
				{"model": "Atlas", "in_stock": 31, "days_supply": 42},
				{"model": "Meridian", "in_stock": 54, "days_supply": 96},
			},
			"customers": {
				{"segment": "retail", "count": 412, "repeat_rate": 0.27},
				{"segment": "fleet", "count": 36, "repeat_rate": 0.61},
			},
			"service": {
				{"month": "2026-06", "work_orders": 208, "revenue": 91000.0},
				{"month": "2026-07", "work_orders": 231, "revenue": 103500.0},
			},
		},
	}
}

// Run returns rows from the table named in the template's FROM clause.
func (r *StaticRunner) Run(ctx context.Context, template string, _ map[string]any, rowLimit int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m := fromPattern.FindStringSubmatch(template)
	if m == nil {
		return Result{}, fmt.Errorf("%w: no FROM clause", ErrInvalid)
	}

	rows, ok := r.Tables[strings.ToLower(m[1])]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown table %q", ErrInvalid, m[1])
	}

	out := make([]map[string]any, 0, len(rows))
	truncated := false
	for i, row := range rows {
		if rowLimit > 0 && i >= rowLimit {
			truncated = true
			break
		}
		copied := make(map[string]any, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}

	return Result{Rows: out, Truncated: truncated}, nil
}
