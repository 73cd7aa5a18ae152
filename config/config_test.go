package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/insight/task"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Engine.MaxRevisions)
	assert.Equal(t, 30*time.Second, cfg.Engine.QueryTimeout())
	assert.Equal(t, 256, cfg.Engine.MaxActiveTasks)
	assert.Equal(t, 1024, cfg.Engine.CacheCapacity)
	assert.Equal(t, time.Hour, cfg.Engine.CacheTTL())
	assert.Equal(t, 12*time.Second, cfg.Models.CallTimeout())
	assert.Equal(t, 15*time.Second, cfg.Warehouse.CallTimeout())
	assert.Equal(t, 200, cfg.Warehouse.MaxRowsInPrompt)
	assert.Equal(t, 0.60, cfg.Validation.MinAxisScore)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative revisions", func(c *Config) { c.Engine.MaxRevisions = -1 }},
		{"zero query timeout", func(c *Config) { c.Engine.QueryTimeoutMS = 0 }},
		{"zero active tasks", func(c *Config) { c.Engine.MaxActiveTasks = 0 }},
		{"zero cache capacity", func(c *Config) { c.Engine.CacheCapacity = 0 }},
		{"min axis out of range", func(c *Config) { c.Validation.MinAxisScore = 1.5 }},
		{"unknown threshold level", func(c *Config) { c.Validation.Thresholds["heroic"] = 0.9 }},
		{"threshold out of range", func(c *Config) { c.Validation.Thresholds["simple"] = 1.2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendora.yaml")
	content := `
engine:
  max_revisions: 3
  query_timeout_ms: 45000
validation:
  thresholds:
    critical: 0.97
events:
  nats_url: nats://localhost:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Engine.MaxRevisions)
	assert.Equal(t, 45*time.Second, cfg.Engine.QueryTimeout())
	// Untouched fields keep their defaults.
	assert.Equal(t, 256, cfg.Engine.MaxActiveTasks)
	assert.Equal(t, 0.97, cfg.Validation.Thresholds["critical"])
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_NATS_HOST", "broker.internal")

	path := filepath.Join(t.TempDir(), "vendora.yaml")
	content := "events:\n  nats_url: nats://${TEST_NATS_HOST}:4222\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://broker.internal:4222", cfg.Events.NATSURL)
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Engine:     EngineConfig{MaxRevisions: 1, ContextKeys: []string{"department"}},
		Validation: ValidationConfig{Thresholds: map[string]float64{"simple": 0.75}},
	})

	assert.Equal(t, 1, base.Engine.MaxRevisions)
	assert.Equal(t, []string{"department"}, base.Engine.ContextKeys)
	assert.Equal(t, 0.75, base.Validation.Thresholds["simple"])
	// Merged maps keep untouched levels.
	assert.Equal(t, 0.95, base.Validation.Thresholds["critical"])
	assert.Equal(t, 30_000, base.Engine.QueryTimeoutMS)
}

func TestThresholdTable(t *testing.T) {
	v := ValidationConfig{Thresholds: map[string]float64{
		"complex": 0.92,
		"bogus":   0.1, // ignored
	}}
	table := v.ThresholdTable()

	assert.Equal(t, 0.92, table.For(task.ComplexityComplex))
	assert.Equal(t, 0.85, table.For(task.ComplexityStandard))
}

func TestWatcher_ReloadsThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendora.yaml")
	require.NoError(t, os.WriteFile(path, []byte("validation:\n  thresholds:\n    standard: 0.85\n"), 0644))

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWatcher(path, initial, logger)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("validation:\n  thresholds:\n    standard: 0.70\n"), 0644))

	require.Eventually(t, func() bool {
		return w.Thresholds().For(task.ComplexityStandard) == 0.70
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_KeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendora.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_revisions: 3\n"), 0644))

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWatcher(path, initial, logger)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(": not yaml ["), 0644))

	// The bad write never replaces the good config.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, w.Config().Engine.MaxRevisions)
}

func TestLoader_MissingFilesFallBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := NewLoader(logger).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
}
