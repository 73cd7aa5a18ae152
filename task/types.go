// Package task defines the analytical task lifecycle model and the
// in-memory store that owns its state-transition invariants.
package task

import (
	"time"
)

// Complexity classifies a query and drives specialist selection and the
// validator's approval threshold.
type Complexity string

// Complexity levels, lowest to highest.
const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// ParseComplexity maps a string to a known complexity level.
// Returns empty for unknown values.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityStandard, ComplexityComplex, ComplexityCritical:
		return Complexity(s)
	}
	return ""
}

// Status is a task lifecycle state.
type Status string

// Task lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusAnalyzing  Status = "analyzing"
	StatusGenerating Status = "generating"
	StatusValidating Status = "validating"
	StatusRevising   Status = "revising"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusDelivered  Status = "delivered"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRejected, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// transitions enumerates the allowed forward edges of the task state machine.
// Failure edges (any non-terminal -> failed / timed_out) are handled in
// validTransition rather than listed per state.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAnalyzing},
	StatusAnalyzing:  {StatusGenerating},
	StatusGenerating: {StatusValidating},
	StatusValidating: {StatusRevising, StatusApproved, StatusRejected},
	StatusRevising:   {StatusGenerating},
	StatusApproved:   {StatusDelivered},
}

// validTransition reports whether moving from one status to another is legal.
func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusTimedOut {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TierFor returns the pipeline tier responsible for a status: 1 dispatcher,
// 2 specialist, 3 validator. Approval and delivery stay at tier 3, where the
// last forward hand-off happened. Zero for failed and timed_out, which keep
// the tier that was active when the task died.
func TierFor(s Status) int {
	switch s {
	case StatusPending, StatusAnalyzing:
		return 1
	case StatusGenerating, StatusRevising:
		return 2
	case StatusValidating, StatusApproved, StatusRejected, StatusDelivered:
		return 3
	}
	return 0
}

// Recommendation is one actionable suggestion inside a draft.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
}

// Content is the structured payload of a draft insight.
type Content struct {
	Summary         string             `json:"summary"`
	KeyMetrics      map[string]float64 `json:"key_metrics,omitempty"`
	Insights        []string           `json:"insights,omitempty"`
	Recommendations []Recommendation   `json:"recommendations,omitempty"`

	// Changes maps a revision issue to how the draft addressed it.
	// Populated only on revised drafts.
	Changes map[string]string `json:"changes,omitempty"`
}

// Empty reports whether the content carries no usable analysis.
func (c Content) Empty() bool {
	return c.Summary == "" && len(c.KeyMetrics) == 0 && len(c.Insights) == 0
}

// Scores holds the validator's four-axis assessment, each in [0, 1].
type Scores struct {
	DataAccuracy  float64 `json:"data_accuracy"`
	Methodology   float64 `json:"methodology"`
	BusinessLogic float64 `json:"business_logic"`
	Compliance    float64 `json:"compliance"`
}

// Min returns the lowest axis score.
func (s Scores) Min() float64 {
	min := s.DataAccuracy
	for _, v := range []float64{s.Methodology, s.BusinessLogic, s.Compliance} {
		if v < min {
			min = v
		}
	}
	return min
}

// Draft is one specialist output under consideration by the validator.
type Draft struct {
	// Author names the specialist variant that produced the draft.
	Author string `json:"author"`

	Content Content `json:"content"`

	// QueriesExecuted describes the warehouse reads behind the draft.
	QueriesExecuted []string `json:"queries_executed,omitempty"`

	// SelfConfidence in [0, 1], reported by the specialist.
	SelfConfidence float64 `json:"self_confidence"`

	// ValidationScores and QualityScore are written by the validator only.
	ValidationScores *Scores  `json:"validation_scores,omitempty"`
	QualityScore     *float64 `json:"quality_score,omitempty"`

	// ValidationFeedback lists concrete issues when the draft did not pass.
	ValidationFeedback []string `json:"validation_feedback,omitempty"`
}

// ErrorRecord is one event in a task's error history.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Task is the unit of work: one end-to-end processing of a user query.
type Task struct {
	ID       string         `json:"id"`
	Query    string         `json:"query"`
	TenantID string         `json:"tenant_id"`
	Context  map[string]any `json:"context,omitempty"`

	// Fingerprint is the cache/coalescing key for this query.
	Fingerprint string `json:"fingerprint"`

	Complexity Complexity `json:"complexity,omitempty"`
	Status     Status     `json:"status"`

	// CurrentTier is 1 (dispatcher), 2 (specialist) or 3 (validator).
	CurrentTier int `json:"current_tier"`

	// Drafts is append-only, oldest first.
	Drafts []Draft `json:"drafts,omitempty"`

	// ValidatedDraft indexes the approved draft in Drafts, or -1.
	ValidatedDraft int `json:"validated_draft"`

	RevisionsUsed int           `json:"revisions_used"`
	Errors        []ErrorRecord `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Deadline is the absolute time by which the engine must answer.
	Deadline time.Time `json:"deadline"`
}

// Approved returns the validated draft, if the task reached approval.
func (t *Task) Approved() (Draft, bool) {
	if t.ValidatedDraft < 0 || t.ValidatedDraft >= len(t.Drafts) {
		return Draft{}, false
	}
	return t.Drafts[t.ValidatedDraft], true
}

// LastDraft returns the most recent draft, if any.
func (t *Task) LastDraft() (Draft, bool) {
	if len(t.Drafts) == 0 {
		return Draft{}, false
	}
	return t.Drafts[len(t.Drafts)-1], true
}

// RecordError appends an error record with the current time.
func (t *Task) RecordError(kind, message string) {
	t.Errors = append(t.Errors, ErrorRecord{At: time.Now(), Kind: kind, Message: message})
}

// clone returns a deep copy so store readers never observe partial mutations.
func (t *Task) clone() Task {
	cp := *t
	if t.Context != nil {
		cp.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			cp.Context[k] = v
		}
	}
	if t.Drafts != nil {
		cp.Drafts = make([]Draft, len(t.Drafts))
		copy(cp.Drafts, t.Drafts)
		for i := range cp.Drafts {
			cp.Drafts[i] = cloneDraft(t.Drafts[i])
		}
	}
	if t.Errors != nil {
		cp.Errors = append([]ErrorRecord(nil), t.Errors...)
	}
	return cp
}

func cloneDraft(d Draft) Draft {
	cp := d
	if d.QueriesExecuted != nil {
		cp.QueriesExecuted = append([]string(nil), d.QueriesExecuted...)
	}
	if d.ValidationScores != nil {
		s := *d.ValidationScores
		cp.ValidationScores = &s
	}
	if d.QualityScore != nil {
		q := *d.QualityScore
		cp.QualityScore = &q
	}
	if d.ValidationFeedback != nil {
		cp.ValidationFeedback = append([]string(nil), d.ValidationFeedback...)
	}
	cp.Content = cloneContent(d.Content)
	return cp
}

func cloneContent(c Content) Content {
	cp := c
	if c.KeyMetrics != nil {
		cp.KeyMetrics = make(map[string]float64, len(c.KeyMetrics))
		for k, v := range c.KeyMetrics {
			cp.KeyMetrics[k] = v
		}
	}
	if c.Insights != nil {
		cp.Insights = append([]string(nil), c.Insights...)
	}
	if c.Recommendations != nil {
		cp.Recommendations = append([]Recommendation(nil), c.Recommendations...)
	}
	if c.Changes != nil {
		cp.Changes = make(map[string]string, len(c.Changes))
		for k, v := range c.Changes {
			cp.Changes[k] = v
		}
	}
	return cp
}

// Visualization is a rendering hint attached to a formatted response.
type Visualization struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	TaskID           string     `json:"task_id"`
	Complexity       Complexity `json:"complexity"`
	ProcessingTimeMS int64      `json:"processing_time_ms"`
	RevisionsUsed    int        `json:"revisions_used"`
	Cached           bool       `json:"cached"`
}

// Response is the caller-visible payload for a delivered task.
type Response struct {
	Summary         string         `json:"summary"`
	Detailed        Content        `json:"detailed"`
	ConfidenceLevel string         `json:"confidence_level"`
	Visualization   *Visualization `json:"visualization,omitempty"`
	Metadata        Metadata       `json:"metadata"`
}
