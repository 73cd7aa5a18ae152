package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/specialist"
	"github.com/vendora/insight/task"
	"github.com/vendora/insight/validate"
	"github.com/vendora/insight/warehouse"
)

// scriptedCompleter serves canned responses per capability so one stub can
// drive all three tiers. The last response for a capability repeats.
type scriptedCompleter struct {
	mu      sync.Mutex
	queues  map[string][]string
	calls   map[string]int
	prompts map[string][]string

	// Drafting calls (analysis and advanced-analysis) can be slowed down or
	// held at a gate to set up coalescing and backpressure scenarios.
	draftDelay   time.Duration
	draftGate    chan struct{}
	draftEntered chan struct{}
}

func newScripted() *scriptedCompleter {
	return &scriptedCompleter{
		queues:  make(map[string][]string),
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
	}
}

func (s *scriptedCompleter) script(capability string, contents ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[capability] = append(s.queues[capability], contents...)
}

func isDrafting(capability string) bool {
	return capability == "analysis" || capability == "advanced-analysis"
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if isDrafting(req.Capability) {
		if s.draftEntered != nil {
			select {
			case s.draftEntered <- struct{}{}:
			default:
			}
		}
		if s.draftGate != nil {
			select {
			case <-s.draftGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s.draftDelay > 0 {
			select {
			case <-time.After(s.draftDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[req.Capability]++
	s.prompts[req.Capability] = append(s.prompts[req.Capability], req.Messages[len(req.Messages)-1].Content)

	q := s.queues[req.Capability]
	if len(q) == 0 {
		return nil, fmt.Errorf("no scripted response for capability %q", req.Capability)
	}
	content := q[0]
	if len(q) > 1 {
		s.queues[req.Capability] = q[1:]
	}
	return &llm.Response{RequestID: "stub", Content: content}, nil
}

func (s *scriptedCompleter) callCount(capability string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[capability]
}

func (s *scriptedCompleter) lastPrompt(capability string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[capability]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

type runnerFunc func(ctx context.Context, template string, params map[string]any, rowLimit int) (warehouse.Result, error)

func (f runnerFunc) Run(ctx context.Context, template string, params map[string]any, rowLimit int) (warehouse.Result, error) {
	return f(ctx, template, params, rowLimit)
}

func salesRunner() warehouse.Runner {
	return runnerFunc(func(context.Context, string, map[string]any, int) (warehouse.Result, error) {
		return warehouse.Result{Rows: []map[string]any{
			{"model": "Atlas", "units": 65},
			{"model": "Meridian", "units": 31},
		}}, nil
	})
}

func classificationJSON(complexity string) string {
	b, _ := json.Marshal(map[string]any{
		"complexity":   complexity,
		"data_sources": []string{"sales"},
	})
	return string(b)
}

func draftJSON(summary string, insights ...string) string {
	b, _ := json.Marshal(map[string]any{
		"summary":     summary,
		"key_metrics": map[string]float64{"units_sold": 65},
		"insights":    insights,
		"recommendations": []map[string]string{
			{"priority": "medium", "action": "increase Atlas allocation"},
		},
	})
	return string(b)
}

func assessmentJSON(score float64) string {
	b, _ := json.Marshal(map[string]float64{
		"data_accuracy":  score,
		"methodology":    score,
		"business_logic": score,
		"compliance":     score,
	})
	return string(b)
}

func newTestEngine(t *testing.T, mock llm.Completer, runner warehouse.Runner, opts ...Option) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(
		dispatch.New(mock, dispatch.WithLogger(logger)),
		specialist.NewStandard(mock, runner, specialist.WithLogger(logger)),
		specialist.NewSenior(mock, runner, specialist.WithLogger(logger)),
		validate.New(mock, validate.WithLogger(logger)),
		append([]Option{WithLogger(logger)}, opts...)...,
	)
}

func TestProcess_SinglePassApproval(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Atlas led the quarter with 65 units sold.", "Atlas outsold Meridian 2:1"))
	mock.script("validation", assessmentJSON(0.88))

	eng := newTestEngine(t, mock, salesRunner())

	resp, err := eng.Process(context.Background(), "top three selling models last quarter", "dealer-7", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, "Atlas led the quarter with 65 units sold.", resp.Summary)
	assert.Equal(t, "High", resp.ConfidenceLevel)
	assert.Equal(t, task.ComplexityStandard, resp.Metadata.Complexity)
	assert.Equal(t, 0, resp.Metadata.RevisionsUsed)
	assert.False(t, resp.Metadata.Cached)
	require.NotNil(t, resp.Visualization)
	assert.Equal(t, "bar", resp.Visualization.Type)

	tk, err := eng.TaskStatus(resp.Metadata.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, tk.Status)
	assert.Equal(t, 0, tk.ValidatedDraft)
	require.Len(t, tk.Drafts, 1)
	assert.Equal(t, "standard", tk.Drafts[0].Author)

	snap := eng.Metrics()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.ByFinalStatus[task.StatusDelivered])
	assert.Equal(t, int64(1), snap.ByComplexity[task.ComplexityStandard])
}

func TestProcess_CacheHit(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("simple"))
	mock.script("analysis", draftJSON("There are 96 units in stock."))
	mock.script("validation", assessmentJSON(0.9))

	eng := newTestEngine(t, mock, salesRunner())

	first, err := eng.Process(context.Background(), "current inventory count", "dealer-7", nil, 0)
	require.NoError(t, err)
	assert.False(t, first.Metadata.Cached)

	second, err := eng.Process(context.Background(), "current inventory count", "dealer-7", nil, 0)
	require.NoError(t, err)
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Metadata.TaskID, second.Metadata.TaskID)

	// The whole pipeline ran exactly once.
	assert.Equal(t, 1, mock.callCount("classification"))
	assert.Equal(t, 1, mock.callCount("analysis"))
	assert.Equal(t, 1, mock.callCount("validation"))

	assert.InDelta(t, 0.5, eng.Metrics().CacheHitRate, 0.001)
}

func TestProcess_RevisionThenApproval(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("complex"))
	mock.script("advanced-analysis",
		draftJSON("Revenue will continue to rise on current sales momentum."),
		draftJSON("Revenue is projected to rise 8% next quarter.", "Trend holds across both volume models"))
	mock.script("validation", assessmentJSON(0.92))

	eng := newTestEngine(t, mock, salesRunner())

	resp, err := eng.Process(context.Background(), "forecast next quarter revenue", "dealer-7", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Metadata.RevisionsUsed)
	assert.Equal(t, task.ComplexityComplex, resp.Metadata.Complexity)
	assert.Equal(t, "High", resp.ConfidenceLevel)
	assert.Contains(t, resp.Summary, "next quarter")

	// The second drafting prompt carried the validator's feedback verbatim.
	assert.Equal(t, 2, mock.callCount("advanced-analysis"))
	assert.Contains(t, mock.lastPrompt("advanced-analysis"), "state forecast horizon")

	tk, err := eng.TaskStatus(resp.Metadata.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, tk.Status)
	require.Len(t, tk.Drafts, 2)
	assert.Equal(t, 1, tk.ValidatedDraft)
	assert.Equal(t, 1, tk.RevisionsUsed)
}

func TestProcess_RejectAfterMaxRevisions(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("critical"))
	mock.script("advanced-analysis", draftJSON("Exposure looks manageable overall."))
	mock.script("validation", assessmentJSON(0.7))

	eng := newTestEngine(t, mock, salesRunner(), WithMaxRevisions(2))

	_, err := eng.Process(context.Background(), "risk assessment of the used vehicle portfolio", "dealer-7", nil, 0)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindQualityRejected, fe.Kind)
	assert.Equal(t, 2, fe.RevisionsUsed)
	assert.NotEmpty(t, fe.Feedback)

	tk, terr := eng.TaskStatus(fe.TaskID)
	require.NoError(t, terr)
	assert.Equal(t, task.StatusRejected, tk.Status)
	assert.Len(t, tk.Drafts, 3)
	assert.Equal(t, -1, tk.ValidatedDraft)

	// Rejections are never cached: a retry runs the pipeline again.
	_, err = eng.Process(context.Background(), "risk assessment of the used vehicle portfolio", "dealer-7", nil, 0)
	require.Error(t, err)
	assert.Equal(t, 2, mock.callCount("classification"))
}

func TestProcess_Timeout(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))

	blocked := runnerFunc(func(ctx context.Context, _ string, _ map[string]any, _ int) (warehouse.Result, error) {
		<-ctx.Done()
		return warehouse.Result{}, ctx.Err()
	})

	eng := newTestEngine(t, mock, blocked)

	start := time.Now()
	_, err := eng.Process(context.Background(), "monthly sales performance", "dealer-7", nil, time.Second)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTimedOut, fe.Kind)
	assert.Greater(t, fe.Elapsed, time.Duration(0))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	tk, terr := eng.TaskStatus(fe.TaskID)
	require.NoError(t, terr)
	assert.Equal(t, task.StatusTimedOut, tk.Status)
}

func TestProcess_CoalescesIdenticalQueries(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Service revenue grew 4% month over month."))
	mock.script("validation", assessmentJSON(0.9))
	mock.draftDelay = 150 * time.Millisecond

	eng := newTestEngine(t, mock, salesRunner())

	type result struct {
		resp task.Response
		err  error
	}
	results := make(chan result, 2)
	call := func() {
		resp, err := eng.Process(context.Background(), "service revenue this month", "dealer-7", nil, 0)
		results <- result{resp, err}
	}

	go call()
	time.Sleep(30 * time.Millisecond)
	go call()

	a := <-results
	b := <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	assert.Equal(t, a.resp.Metadata.TaskID, b.resp.Metadata.TaskID)
	assert.Equal(t, a.resp.Summary, b.resp.Summary)

	// Both callers were served by one pipeline run.
	assert.Equal(t, 1, mock.callCount("classification"))
	assert.Equal(t, 1, mock.callCount("analysis"))
	assert.Equal(t, 1, mock.callCount("validation"))
}

func TestProcess_Overloaded(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Sales held steady."))
	mock.script("validation", assessmentJSON(0.9))
	mock.draftGate = make(chan struct{})
	mock.draftEntered = make(chan struct{}, 1)

	eng := newTestEngine(t, mock, salesRunner(), WithMaxActiveTasks(1))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Process(context.Background(), "weekly sales", "dealer-7", nil, 0)
		done <- err
	}()

	select {
	case <-mock.draftEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("first query never reached the specialist")
	}

	_, err := eng.Process(context.Background(), "weekly service volume", "dealer-7", nil, 0)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindOverloaded, fe.Kind)
	assert.Greater(t, fe.RetryAfter, time.Duration(0))

	close(mock.draftGate)
	require.NoError(t, <-done)
}

func TestProcess_TierTracksPipelineStage(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Sales held steady."))
	mock.script("validation", assessmentJSON(0.9))
	mock.draftGate = make(chan struct{})
	mock.draftEntered = make(chan struct{}, 1)

	eng := newTestEngine(t, mock, salesRunner())

	type result struct {
		resp task.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := eng.Process(context.Background(), "weekly sales", "dealer-7", nil, 0)
		done <- result{resp, err}
	}()

	select {
	case <-mock.draftEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("query never reached the specialist")
	}

	// Drafting in progress: the specialist tier owns the task.
	active := eng.ActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, task.StatusGenerating, active[0].Status)
	assert.Equal(t, 2, active[0].CurrentTier)

	close(mock.draftGate)
	res := <-done
	require.NoError(t, res.err)

	tk, err := eng.TaskStatus(res.resp.Metadata.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, tk.Status)
	assert.Equal(t, 3, tk.CurrentTier, "delivery keeps the validator hand-off tier")
}

func TestProcess_CallerCancellation(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Sales held steady."))
	mock.script("validation", assessmentJSON(0.9))
	mock.draftGate = make(chan struct{})
	mock.draftEntered = make(chan struct{}, 1)

	eng := newTestEngine(t, mock, salesRunner())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Process(ctx, "weekly sales", "dealer-7", nil, 0)
		done <- err
	}()

	select {
	case <-mock.draftEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("query never reached the specialist")
	}
	cancel()

	err := <-done
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindCancelled, fe.Kind)

	close(mock.draftGate)
}

func TestFail_PreconditionDetailStaysInternal(t *testing.T) {
	eng := newTestEngine(t, newScripted(), salesRunner())
	created := eng.store.Create("weekly sales", "dealer-7", nil, "fp-test", time.Now().Add(time.Minute))

	err := eng.fail(created.ID, time.Now(), KindSpecialistFailed,
		fmt.Errorf("%w: drafts are append-only", task.ErrPrecondition))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindSpecialistFailed, fe.Kind)
	assert.Empty(t, fe.Detail)
	assert.NotContains(t, err.Error(), "precondition_failed")
}

func TestProcess_InvalidRequests(t *testing.T) {
	eng := newTestEngine(t, newScripted(), salesRunner())

	bigContext := make(map[string]any, maxContextEntries+1)
	for i := 0; i <= maxContextEntries; i++ {
		bigContext[fmt.Sprintf("key-%d", i)] = i
	}

	tests := []struct {
		name     string
		query    string
		tenantID string
		qctx     map[string]any
	}{
		{"whitespace query", "   \t  ", "dealer-7", nil},
		{"oversized query", strings.Repeat("a", maxQueryLength+1), "dealer-7", nil},
		{"empty tenant", "weekly sales", "", nil},
		{"too many context entries", "weekly sales", "dealer-7", bigContext},
		{"unsupported context value", "weekly sales", "dealer-7", map[string]any{"filters": []string{"suv"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Process(context.Background(), tt.query, tt.tenantID, tt.qctx, 0)
			require.Error(t, err)
			var fe *Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, KindInvalidRequest, fe.Kind)
		})
	}
}

func TestProcess_MaxLengthQueryAccepted(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Nothing notable in the period."))
	mock.script("validation", assessmentJSON(0.9))

	eng := newTestEngine(t, mock, salesRunner())

	query := strings.Repeat("a", maxQueryLength)
	_, err := eng.Process(context.Background(), query, "dealer-7", nil, 0)
	require.NoError(t, err)
}

func TestProcess_ZeroRevisionBudget(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))
	mock.script("analysis", draftJSON("Sales dipped slightly."))
	mock.script("validation", assessmentJSON(0.7))

	eng := newTestEngine(t, mock, salesRunner(), WithMaxRevisions(0))

	_, err := eng.Process(context.Background(), "monthly sales performance", "dealer-7", nil, 0)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindQualityRejected, fe.Kind)
	assert.Equal(t, 0, fe.RevisionsUsed)

	tk, terr := eng.TaskStatus(fe.TaskID)
	require.NoError(t, terr)
	assert.Len(t, tk.Drafts, 1)
}

func TestProcess_WarehouseOutageRejectsStructurally(t *testing.T) {
	mock := newScripted()
	mock.script("classification", classificationJSON("standard"))

	down := runnerFunc(func(context.Context, string, map[string]any, int) (warehouse.Result, error) {
		return warehouse.Result{}, warehouse.ErrUnavailable
	})

	eng := newTestEngine(t, mock, down, WithMaxRevisions(0))

	_, err := eng.Process(context.Background(), "monthly sales performance", "dealer-7", nil, 0)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindQualityRejected, fe.Kind)
	require.NotEmpty(t, fe.Feedback)
	assert.Contains(t, fe.Feedback[0], "data was unavailable")

	// Neither the drafting model nor the validator model was consulted.
	assert.Equal(t, 0, mock.callCount("analysis"))
	assert.Equal(t, 0, mock.callCount("validation"))

	tk, terr := eng.TaskStatus(fe.TaskID)
	require.NoError(t, terr)
	require.NotEmpty(t, tk.Errors)
	kinds := make([]string, 0, len(tk.Errors))
	for _, rec := range tk.Errors {
		kinds = append(kinds, rec.Kind)
	}
	assert.Contains(t, kinds, "partial_data")
}

func TestValidateInput_ContextByteBudget(t *testing.T) {
	qctx := map[string]any{"notes": strings.Repeat("x", maxContextBytes)}
	err := validateInput("weekly sales", "dealer-7", qctx)
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindInvalidRequest, fe.Kind)
}

func TestClampTimeout(t *testing.T) {
	def := 30 * time.Second
	assert.Equal(t, def, clampTimeout(0, def))
	assert.Equal(t, minTimeout, clampTimeout(time.Millisecond, def))
	assert.Equal(t, maxTimeout, clampTimeout(10*time.Minute, def))
	assert.Equal(t, 5*time.Second, clampTimeout(5*time.Second, def))
}
