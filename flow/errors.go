package flow

import (
	"fmt"
	"time"
)

// Kind classifies a flow failure for callers.
type Kind string

// Failure kinds surfaced by Process.
const (
	KindInvalidRequest       Kind = "invalid_request"
	KindOverloaded           Kind = "overloaded"
	KindTimedOut             Kind = "timed_out"
	KindCancelled            Kind = "cancelled"
	KindQualityRejected      Kind = "quality_rejected"
	KindModelUnavailable     Kind = "model_unavailable"
	KindWarehouseUnavailable Kind = "warehouse_unavailable"
	KindClassificationFailed Kind = "classification_failed"
	KindSpecialistFailed     Kind = "specialist_failed"
)

// Error is a typed flow failure with the actionable fields the caller-facing
// layer serialises.
type Error struct {
	Kind   Kind   `json:"error"`
	TaskID string `json:"task_id,omitempty"`
	Detail string `json:"detail,omitempty"`

	// RetryAfter is set for overloaded.
	RetryAfter time.Duration `json:"retry_after_ms,omitempty"`

	// Elapsed is set for timed_out.
	Elapsed time.Duration `json:"elapsed_ms,omitempty"`

	// Feedback and RevisionsUsed are set for quality_rejected so the
	// caller can reformulate.
	Feedback      []string `json:"last_feedback,omitempty"`
	RevisionsUsed int      `json:"revisions_used,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// Is makes errors.Is match on the kind of another *Error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func invalidRequest(detail string) *Error {
	return &Error{Kind: KindInvalidRequest, Detail: detail}
}
