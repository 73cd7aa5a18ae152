// Package main provides the vendora binary entry point.
// Vendora answers natural-language dealership analytics queries through a
// three-tier pipeline: dispatch, specialist drafting, and validation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/vendora/insight/llm/providers"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vendora/insight/config"
	"github.com/vendora/insight/flow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "vendora"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "vendora",
		Short: "Dealership analytics orchestrator",
		Long: `Vendora answers natural-language dealership analytics queries.

A dispatcher classifies each query, a specialist analyst drafts an insight
from warehouse data, and a validator gates the draft on quality with a
bounded revision loop. Approved results are cached by fingerprint.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(queryCmd(&configPath, &logLevel))
	cmd.AddCommand(configCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func queryCmd(configPath, logLevel *string) *cobra.Command {
	var (
		tenantID    string
		timeout     time.Duration
		contextKVs  []string
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Process one analytics query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			qctx, err := parseContext(contextKVs)
			if err != nil {
				return err
			}

			app, err := buildApp(cfg, *configPath, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resp, err := app.Engine.Process(ctx, args[0], tenantID, qctx, timeout)
			if err != nil {
				var fe *flow.Error
				if errors.As(err, &fe) {
					printJSON(cmd, fe)
					return fmt.Errorf("query %s", fe.Kind)
				}
				return err
			}

			printJSON(cmd, resp)
			if showMetrics {
				printJSON(cmd, app.Engine.Metrics())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Dealership tenant ID (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-query timeout (default from config)")
	cmd.Flags().StringArrayVar(&contextKVs, "context", nil, "Context entry key=value (repeatable)")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print engine metrics after the query")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func configCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// parseContext turns repeated key=value flags into a context map. Values
// that parse as numbers or booleans keep their type.
func parseContext(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("context entry %q is not key=value", kv)
		}
		out[key] = coerceScalar(value)
	}
	return out, nil
}

func coerceScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if _, err := fmt.Sscanf(s, "%g", &n); err == nil && fmt.Sprintf("%g", n) == s {
		return n
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.PrintErrf("marshal output: %v\n", err)
		return
	}
	cmd.Println(string(data))
}
