// Package flow implements the engine that drives a query through the
// three-tier pipeline: dispatch, specialist drafting, and validation, with
// bounded revision loops, caching, coalescing, and backpressure.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/vendora/insight/cache"
	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/events"
	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/specialist"
	"github.com/vendora/insight/task"
	"github.com/vendora/insight/validate"
	"github.com/vendora/insight/warehouse"
)

// Request size limits.
const (
	maxQueryLength    = 2048
	maxContextEntries = 32
	maxContextBytes   = 4096

	minTimeout = 1 * time.Second
	maxTimeout = 120 * time.Second
)

// Engine orchestrates tasks end to end. Many tasks progress concurrently;
// within one task the stages are sequential.
type Engine struct {
	store      *task.Store
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	standard   specialist.Specialist
	senior     specialist.Specialist
	validator  *validate.Validator
	publisher  events.Publisher
	metrics    *Metrics
	logger     *slog.Logger

	maxRevisions   int
	queryTimeout   time.Duration
	maxActiveTasks int64
	cacheCapacity  int
	cacheTTL       time.Duration
	contextKeys    []string
	retention      time.Duration

	group  singleflight.Group
	active atomic.Int64

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxRevisions bounds the revision loop per task.
func WithMaxRevisions(n int) Option {
	return func(e *Engine) { e.maxRevisions = n }
}

// WithQueryTimeout sets the default per-query deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.queryTimeout = d }
}

// WithMaxActiveTasks caps in-flight tasks; arrivals beyond the cap fail
// with overloaded rather than queueing.
func WithMaxActiveTasks(n int) Option {
	return func(e *Engine) { e.maxActiveTasks = int64(n) }
}

// WithCache sizes the result cache.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheCapacity = capacity
		e.cacheTTL = ttl
	}
}

// WithContextKeys whitelists the context keys that participate in the
// fingerprint.
func WithContextKeys(keys []string) Option {
	return func(e *Engine) { e.contextKeys = keys }
}

// WithRetention sets how long terminal task records are kept for
// observability before the janitor removes them.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// New creates a flow engine over the three tiers.
func New(dispatcher *dispatch.Dispatcher, standard, senior specialist.Specialist, validator *validate.Validator, opts ...Option) *Engine {
	e := &Engine{
		dispatcher:     dispatcher,
		standard:       standard,
		senior:         senior,
		validator:      validator,
		publisher:      events.Noop{},
		logger:         slog.Default(),
		maxRevisions:   2,
		queryTimeout:   30 * time.Second,
		maxActiveTasks: 256,
		cacheCapacity:  1024,
		cacheTTL:       time.Hour,
		retention:      5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	e.store = task.NewStore(e.maxRevisions, task.WithLogger(e.logger))
	e.cache = cache.New(e.cacheCapacity, e.cacheTTL, cache.WithLogger(e.logger))

	return e
}

// Process drives one query through the pipeline and returns the delivered
// response or a typed *Error. Identical in-flight queries coalesce onto one
// task; approved responses are cached by fingerprint.
func (e *Engine) Process(ctx context.Context, query, tenantID string, qctx map[string]any, timeout time.Duration) (task.Response, error) {
	if err := validateInput(query, tenantID, qctx); err != nil {
		return task.Response{}, err
	}
	timeout = clampTimeout(timeout, e.queryTimeout)

	e.metrics.queryReceived()

	fp := cache.Fingerprint(query, tenantID, qctx, e.contextKeys)

	if resp, ok := e.cache.Lookup(fp); ok {
		e.metrics.cacheLookup(true)
		resp.Metadata.Cached = true
		return resp, nil
	}
	e.metrics.cacheLookup(false)

	// Coalesce on the fingerprint: the flight outlives any single waiter,
	// bounded by its own deadline rather than the first caller's context.
	ch := e.group.DoChan(fp, func() (any, error) {
		return e.run(query, tenantID, qctx, fp, timeout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return task.Response{}, res.Err
		}
		resp := res.Val.(task.Response)
		if res.Shared {
			// Coalesced waiters receive the same response.
			resp = cloneResponse(resp)
		}
		return resp, nil
	case <-ctx.Done():
		e.group.Forget(fp)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return task.Response{}, &Error{Kind: KindTimedOut, Elapsed: timeout}
		}
		return task.Response{}, &Error{Kind: KindCancelled}
	}
}

// run executes the full pipeline for one fingerprint.
func (e *Engine) run(query, tenantID string, qctx map[string]any, fp string, timeout time.Duration) (task.Response, error) {
	if e.active.Add(1) > e.maxActiveTasks {
		e.active.Add(-1)
		return task.Response{}, &Error{Kind: KindOverloaded, RetryAfter: time.Second}
	}
	defer e.active.Add(-1)

	e.metrics.taskStarted()
	defer e.metrics.taskFinished()

	start := time.Now()
	defer func() {
		e.metrics.observeLatency(time.Since(start))
	}()

	deadline := start.Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	t := e.store.Create(query, tenantID, qctx, fp, deadline)
	e.publish(t)

	resp, err := e.pipeline(ctx, t.ID, fp, start)
	if err != nil {
		e.logger.Warn("Task did not deliver",
			"task_id", t.ID,
			"tenant_id", tenantID,
			"error", err)
	}
	return resp, err
}

// pipeline walks a created task through classify, draft, validate, and
// format, looping on revisions up to the budget.
func (e *Engine) pipeline(ctx context.Context, id, fp string, start time.Time) (task.Response, error) {
	t, err := e.transition(id, task.StatusAnalyzing, nil)
	if err != nil {
		return task.Response{}, e.fail(id, start, KindClassificationFailed, err)
	}

	classification, err := e.dispatcher.Classify(ctx, t)
	if err != nil {
		return task.Response{}, e.fail(id, start, KindClassificationFailed, err)
	}

	t, err = e.transition(id, task.StatusGenerating, func(tk *task.Task) {
		tk.Complexity = classification.Complexity
		for _, w := range classification.Warnings {
			tk.RecordError("classification_malformed", w)
		}
	})
	if err != nil {
		return task.Response{}, e.fail(id, start, KindClassificationFailed, err)
	}
	e.metrics.complexity(classification.Complexity)

	chosen := specialist.Select(e.standard, e.senior, classification)

	var feedback []string
	for {
		draft, warnings, err := chosen.Draft(ctx, t, classification, feedback)
		if err != nil {
			return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
		}

		t, err = e.transition(id, task.StatusValidating, func(tk *task.Task) {
			tk.Drafts = append(tk.Drafts, draft)
			for _, w := range warnings {
				tk.RecordError("partial_data", w)
			}
		})
		if err != nil {
			return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
		}

		outcome, err := e.validator.Validate(ctx, t, draft, e.maxRevisions)
		if err != nil {
			return task.Response{}, e.fail(id, start, KindModelUnavailable, err)
		}

		switch outcome.Decision {
		case validate.DecisionApprove:
			return e.deliver(id, fp, outcome, start)

		case validate.DecisionRevise:
			t, err = e.transition(id, task.StatusRevising, func(tk *task.Task) {
				writeOutcome(tk, outcome)
				tk.RevisionsUsed++
			})
			if err != nil {
				return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
			}
			t, err = e.transition(id, task.StatusGenerating, nil)
			if err != nil {
				return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
			}
			feedback = outcome.Feedback

		case validate.DecisionReject:
			t, err = e.transition(id, task.StatusRejected, func(tk *task.Task) {
				writeOutcome(tk, outcome)
			})
			if err != nil {
				return task.Response{}, e.fail(id, start, KindQualityRejected, err)
			}
			e.metrics.finalStatus(task.StatusRejected)
			return task.Response{}, &Error{
				Kind:          KindQualityRejected,
				TaskID:        id,
				Feedback:      outcome.Feedback,
				RevisionsUsed: t.RevisionsUsed,
			}
		}
	}
}

// deliver marks the last draft validated, formats the response, caches it,
// and completes the task.
func (e *Engine) deliver(id, fp string, outcome validate.Outcome, start time.Time) (task.Response, error) {
	t, err := e.transition(id, task.StatusApproved, func(tk *task.Task) {
		writeOutcome(tk, outcome)
		tk.ValidatedDraft = len(tk.Drafts) - 1
	})
	if err != nil {
		return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
	}

	draft, _ := t.Approved()
	resp := dispatch.Format(t, draft, false, time.Now())

	e.cache.Store(fp, resp)

	t, err = e.transition(id, task.StatusDelivered, nil)
	if err != nil {
		return task.Response{}, e.fail(id, start, KindSpecialistFailed, err)
	}

	e.metrics.finalStatus(task.StatusDelivered)
	e.metrics.approved(t.RevisionsUsed)

	return resp, nil
}

// writeOutcome records the validator's scores on the task's last draft.
func writeOutcome(tk *task.Task, outcome validate.Outcome) {
	last := len(tk.Drafts) - 1
	if last < 0 {
		return
	}
	scores := outcome.Scores
	quality := outcome.Quality
	tk.Drafts[last].ValidationScores = &scores
	tk.Drafts[last].QualityScore = &quality
	tk.Drafts[last].ValidationFeedback = outcome.Feedback
}

// transition moves a task to the next status, applying extra mutations in
// the same atomic update, and publishes the resulting state.
func (e *Engine) transition(id string, to task.Status, mutate func(*task.Task)) (task.Task, error) {
	t, err := e.store.Update(id, func(tk *task.Task) error {
		if mutate != nil {
			mutate(tk)
		}
		tk.Status = to
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	e.publish(t)
	return t, nil
}

// fail terminates a task, mapping the underlying error to a caller-visible
// kind. Deadline expiry wins over the stage's own classification.
func (e *Engine) fail(id string, start time.Time, kind Kind, cause error) error {
	status := task.StatusFailed
	detail := cause.Error()

	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		kind = KindTimedOut
		status = task.StatusTimedOut
	case errors.Is(cause, task.ErrPrecondition):
		// Programming error: logged and counted, never shown to callers.
		e.logger.Error("Task invariant violation", "task_id", id, "error", cause)
		detail = ""
	case errors.Is(cause, warehouse.ErrUnavailable):
		kind = KindWarehouseUnavailable
	case errors.Is(cause, llm.ErrUnavailable) && kind == KindSpecialistFailed:
		// Specialists surface model exhaustion as specialist_failed.
	}

	if _, err := e.store.Update(id, func(tk *task.Task) error {
		tk.RecordError(string(kind), cause.Error())
		tk.Status = status
		return nil
	}); err != nil && !errors.Is(err, task.ErrPrecondition) {
		e.logger.Error("Failed to terminate task", "task_id", id, "error", err)
	}
	if t, err := e.store.Get(id); err == nil {
		e.publish(t)
	}

	e.metrics.finalStatus(status)

	flowErr := &Error{Kind: kind, TaskID: id, Detail: detail}
	if kind == KindTimedOut {
		flowErr.Detail = ""
		flowErr.Elapsed = time.Since(start)
	}
	return flowErr
}

// publish emits a lifecycle event; failures are the publisher's problem.
func (e *Engine) publish(t task.Task) {
	e.publisher.Publish(events.Event{
		TaskID:     t.ID,
		TenantID:   t.TenantID,
		Status:     t.Status,
		Complexity: t.Complexity,
		At:         t.UpdatedAt,
	})
}

// TaskStatus returns a consistent snapshot of a task for observability.
func (e *Engine) TaskStatus(id string) (task.Task, error) {
	return e.store.Get(id)
}

// ActiveTasks returns snapshots of all non-terminal tasks.
func (e *Engine) ActiveTasks() []task.Task {
	return e.store.ListActive()
}

// Metrics returns a read-only snapshot of engine counters.
func (e *Engine) Metrics() Snapshot {
	return e.metrics.snapshot()
}

// StartJanitor begins periodic removal of terminal task records older than
// the retention window. Call Close to stop it.
func (e *Engine) StartJanitor(interval time.Duration) {
	if e.janitorStop != nil {
		return
	}
	e.janitorStop = make(chan struct{})
	e.janitorDone = make(chan struct{})

	go func() {
		defer close(e.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := e.store.SweepTerminal(time.Now().Add(-e.retention)); removed > 0 {
					e.logger.Debug("Swept terminal tasks", "removed", removed)
				}
			case <-e.janitorStop:
				return
			}
		}
	}()
}

// Close stops background work. It does not wait for in-flight tasks.
func (e *Engine) Close() {
	if e.janitorStop != nil {
		close(e.janitorStop)
		<-e.janitorDone
		e.janitorStop = nil
	}
}

// validateInput enforces the request contract.
func validateInput(query, tenantID string, qctx map[string]any) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return invalidRequest("query must not be empty")
	}
	if len(query) > maxQueryLength {
		return invalidRequest(fmt.Sprintf("query exceeds %d characters", maxQueryLength))
	}
	if tenantID == "" {
		return invalidRequest("tenant_id must not be empty")
	}
	if len(qctx) > maxContextEntries {
		return invalidRequest(fmt.Sprintf("context exceeds %d entries", maxContextEntries))
	}

	total := 0
	for k, v := range qctx {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return invalidRequest(fmt.Sprintf("context value for %q must be string, number, or bool", k))
		}
		total += len(k) + len(fmt.Sprintf("%v", v))
		if total > maxContextBytes {
			return invalidRequest(fmt.Sprintf("context exceeds %d bytes", maxContextBytes))
		}
	}

	return nil
}

// clampTimeout applies the default and the [minTimeout, maxTimeout] bounds.
func clampTimeout(timeout, fallback time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout < minTimeout {
		return minTimeout
	}
	if timeout > maxTimeout {
		return maxTimeout
	}
	return timeout
}

// cloneResponse gives each coalesced waiter its own copy of shared maps and
// slices.
func cloneResponse(resp task.Response) task.Response {
	if resp.Visualization != nil {
		v := *resp.Visualization
		if v.Config != nil {
			cfg := make(map[string]any, len(v.Config))
			for k, val := range v.Config {
				cfg[k] = val
			}
			v.Config = cfg
		}
		resp.Visualization = &v
	}
	return resp
}
