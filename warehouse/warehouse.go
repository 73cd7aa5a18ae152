// Package warehouse abstracts parameterised read-only query execution over
// dealership data. The Client façade validates templates, enforces row and
// byte caps, and shields callers from a flapping backend with a circuit
// breaker.
package warehouse

import (
	"context"
	"errors"
)

// Failure classes surfaced to the engine.
var (
	// ErrUnavailable indicates the backend could not serve the query.
	ErrUnavailable = errors.New("warehouse unavailable")

	// ErrInvalid indicates the template failed structural validation.
	ErrInvalid = errors.New("query invalid")

	// ErrTimeout indicates the per-call deadline elapsed.
	ErrTimeout = errors.New("query timeout")

	// ErrAccessDenied indicates the backend refused the caller's credentials.
	ErrAccessDenied = errors.New("access denied")
)

// Result is a bounded row set. Truncated reports that the row or byte cap
// cut the result short.
type Result struct {
	Rows      []map[string]any
	Truncated bool
}

// Runner executes a validated, parameterised read-only statement.
// Implementations must honour context cancellation.
type Runner interface {
	Run(ctx context.Context, template string, params map[string]any, rowLimit int) (Result, error)
}
