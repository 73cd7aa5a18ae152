package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vendora/insight/config"
	"github.com/vendora/insight/dispatch"
	"github.com/vendora/insight/events"
	"github.com/vendora/insight/flow"
	"github.com/vendora/insight/llm"
	"github.com/vendora/insight/model"
	"github.com/vendora/insight/specialist"
	"github.com/vendora/insight/validate"
	"github.com/vendora/insight/warehouse"
)

// App holds the assembled pipeline and everything that needs teardown.
type App struct {
	Engine *flow.Engine

	publisher events.Publisher
	watcher   *config.Watcher
}

// buildApp wires the full stack from configuration: model registry and
// client, warehouse client over the demo dataset, the three tiers, and the
// flow engine. configPath enables runtime threshold reloads when set.
func buildApp(cfg *config.Config, configPath string, logger *slog.Logger) (*App, error) {
	registry := model.NewDefaultRegistry()
	if cfg.Models.RegistryPath != "" {
		loaded, err := model.LoadFromFile(cfg.Models.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		registry = loaded
	}

	completer := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithCallTimeout(cfg.Models.CallTimeout()),
	)

	wh := warehouse.NewClient(warehouse.NewDemoRunner(),
		warehouse.WithCallTimeout(cfg.Warehouse.CallTimeout()),
		warehouse.WithRowCap(cfg.Warehouse.MaxRows),
		warehouse.WithLogger(logger),
	)

	app := &App{publisher: events.Noop{}}

	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, events.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connect event publisher: %w", err)
		}
		app.publisher = pub
	}

	thresholds := cfg.Validation.ThresholdTable
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable, thresholds fixed at startup values",
				"path", configPath, "error", err)
		} else {
			app.watcher = watcher
			thresholds = watcher.Thresholds
		}
	}

	specialistOpts := []specialist.Option{
		specialist.WithLogger(logger),
		specialist.WithMaxRowsInPrompt(cfg.Warehouse.MaxRowsInPrompt),
	}

	app.Engine = flow.New(
		dispatch.New(completer, dispatch.WithLogger(logger)),
		specialist.NewStandard(completer, wh, specialistOpts...),
		specialist.NewSenior(completer, wh, specialistOpts...),
		validate.New(completer,
			validate.WithLogger(logger),
			validate.WithThresholds(thresholds),
			validate.WithMinAxis(cfg.Validation.MinAxisScore),
		),
		flow.WithLogger(logger),
		flow.WithPublisher(app.publisher),
		flow.WithMaxRevisions(cfg.Engine.MaxRevisions),
		flow.WithQueryTimeout(cfg.Engine.QueryTimeout()),
		flow.WithMaxActiveTasks(cfg.Engine.MaxActiveTasks),
		flow.WithCache(cfg.Engine.CacheCapacity, cfg.Engine.CacheTTL()),
		flow.WithContextKeys(cfg.Engine.ContextKeys),
		flow.WithRetention(cfg.Engine.Retention()),
	)
	app.Engine.StartJanitor(time.Minute)

	return app, nil
}

// Close releases background resources in reverse dependency order.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	a.publisher.Close()
}
