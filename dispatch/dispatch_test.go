package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/llm/testutil"
	"github.com/vendora/insight/task"
)

func TestClassify_UsesModelSignal(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: `{"complexity": "complex", "data_sources": ["sales", "finance"], "time_range": "next quarter", "key_metrics": ["revenue"], "methodology": "time-series forecast"}`},
		},
	}
	d := New(mock)

	c, err := d.Classify(context.Background(), task.Task{ID: "TASK-1", Query: "forecast next quarter revenue", TenantID: "d1"})
	require.NoError(t, err)

	assert.Equal(t, task.ComplexityComplex, c.Complexity)
	assert.Equal(t, SpecialistSenior, c.Specialist)
	assert.Equal(t, []string{"sales", "finance"}, c.DataSources)
	assert.Equal(t, "next quarter", c.TimeRange)
	assert.Empty(t, c.Warnings)
}

func TestClassify_MalformedDefaultsToStandard(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: "I am not able to produce JSON right now."},
		},
	}
	d := New(mock)

	c, err := d.Classify(context.Background(), task.Task{ID: "TASK-1", Query: "monthly performance", TenantID: "d1"})
	require.NoError(t, err)

	assert.Equal(t, task.ComplexityStandard, c.Complexity)
	assert.Equal(t, SpecialistStandard, c.Specialist)
	assert.NotEmpty(t, c.Warnings)
	assert.Equal(t, []string{"sales"}, c.DataSources, "data sources default when missing")
}

func TestClassify_ModelUnavailable(t *testing.T) {
	mock := &testutil.MockCompleter{Err: llm.ErrUnavailable}
	d := New(mock)

	_, err := d.Classify(context.Background(), task.Task{ID: "TASK-1", Query: "anything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrUnavailable))
}

func TestResolveComplexity_FallbackPatterns(t *testing.T) {
	tests := []struct {
		query    string
		expected task.Complexity
	}{
		{"risk assessment for the fleet expansion", task.ComplexityCritical},
		{"forecast demand for SUVs", task.ComplexityComplex},
		{"anomaly in service revenue", task.ComplexityComplex},
		{"how many units sold last month", task.ComplexitySimple},
		{"top three selling models last quarter", task.ComplexityStandard},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := resolveComplexity(tt.query, modelSignals{})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveComplexity_SignalWinsOverPatterns(t *testing.T) {
	got := resolveComplexity("forecast demand", modelSignals{Complexity: "simple"})
	assert.Equal(t, task.ComplexitySimple, got)
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		quality  float64
		expected string
	}{
		{0.96, "Very High"},
		{0.95, "Very High"},
		{0.88, "High"},
		{0.85, "High"},
		{0.70, "Moderate"},
		{0.50, "Low"},
		{0.30, "Very Low"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ConfidenceLevel(tt.quality), "quality %.2f", tt.quality)
	}
}

func TestFormat(t *testing.T) {
	created := time.Now().Add(-1200 * time.Millisecond)
	quality := 0.88
	tk := task.Task{
		ID:            "TASK-1",
		Query:         "top three selling models last quarter",
		Complexity:    task.ComplexityStandard,
		RevisionsUsed: 1,
		CreatedAt:     created,
	}
	draft := task.Draft{
		Content: task.Content{
			Summary:  "Atlas led the quarter with 65 units.",
			Insights: []string{"Atlas outsold Meridian 2:1"},
		},
		QualityScore: &quality,
	}

	resp := Format(tk, draft, false, time.Now())

	assert.Equal(t, "Atlas led the quarter with 65 units.", resp.Summary)
	assert.Equal(t, "High", resp.ConfidenceLevel)
	assert.Equal(t, "TASK-1", resp.Metadata.TaskID)
	assert.Equal(t, 1, resp.Metadata.RevisionsUsed)
	assert.False(t, resp.Metadata.Cached)
	assert.GreaterOrEqual(t, resp.Metadata.ProcessingTimeMS, int64(1200))
	require.NotNil(t, resp.Visualization)
	assert.Equal(t, "bar", resp.Visualization.Type)
}

func TestVisualizationFor(t *testing.T) {
	tests := []struct {
		query    string
		expected string
	}{
		{"sales trend over time", "line"},
		{"forecast next quarter", "line"},
		{"compare SUV and sedan sales", "bar"},
		{"market share breakdown by model", "pie"},
		{"current inventory", "table"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			v := visualizationFor(tt.query)
			require.NotNil(t, v)
			assert.Equal(t, tt.expected, v.Type)
		})
	}
}
