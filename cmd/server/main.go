// Command server runs the tabula analysis service.
//
// Configuration is read from a YAML file (--config, TABULA_CONFIG,
// ./config.yaml or /etc/tabula/config.yaml) and TABULA_* environment
// variables. The most common ones:
//
//	TABULA_GENERATOR_URL - OpenAI-compatible backend URL (required)
//	TABULA_API_KEY       - Backend API key (falls back to OPENAI_API_KEY)
//	TABULA_MODEL         - Model name (default: gpt-4o-mini)
//	TABULA_PORT          - Listen port (default: 8080)
//	TABULA_STORAGE       - local, memory, postgres or redis (default: local)
//	TABULA_SANDBOX_MODE  - local, remote or kubernetes (default: local)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rhuss/tabula/pkg/analysis"
	"github.com/rhuss/tabula/pkg/api"
	"github.com/rhuss/tabula/pkg/config"
	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/generator"
	"github.com/rhuss/tabula/pkg/mcpserver"
	"github.com/rhuss/tabula/pkg/session"
	transporthttp "github.com/rhuss/tabula/pkg/transport/http"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		port       int
	)

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if port > 0 {
			cfg.Server.Port = port
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:   "tabula-server",
		Short: "Answer natural-language questions about CSV files",
		Long: `tabula-server accepts CSV uploads, turns questions about them into
Python programs with an OpenAI-compatible model, runs the programs in a
sandbox and returns their output and charts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			debug.Init(cfg.Log.Debug, cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				slog.Error("server failed", "error", err)
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $TABULA_CONFIG, ./config.yaml, /etc/tabula/config.yaml)")
	root.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: storage=%s sandbox=%s model=%s\n",
				cfg.Storage.Type, cfg.Sandbox.Mode, cfg.Generator.Model)
			return nil
		},
	})

	return root
}

// run wires the service together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Type, err)
	}
	defer store.Close()

	executor, err := newExecutor(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("creating %s sandbox: %w", cfg.Sandbox.Mode, err)
	}

	if cfg.Sandbox.ScratchDir != "" {
		if err := os.MkdirAll(cfg.Sandbox.ScratchDir, 0o700); err != nil {
			return fmt.Errorf("creating scratch dir: %w", err)
		}
	}

	gen := generator.NewOpenAI(generator.Config{
		BaseURL:     cfg.Generator.BaseURL,
		APIKey:      cfg.Generator.APIKey,
		Model:       cfg.Generator.Model,
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
		Timeout:     cfg.Generator.Timeout,
	})

	svc, err := analysis.New(store, gen, executor, analysis.Config{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		QueueTimeout:  cfg.Sandbox.QueueTimeout,
		ExecTimeout:   cfg.Sandbox.Timeout,
		ScratchDir:    cfg.Sandbox.ScratchDir,
		Validation: api.ValidationConfig{
			MaxQueryLength: cfg.Server.MaxQueryLength,
			MaxFileSize:    cfg.Server.MaxFileSize,
		},
	})
	if err != nil {
		return fmt.Errorf("creating analysis service: %w", err)
	}

	reaper := &session.Reaper{
		Store:       store,
		IdleTimeout: cfg.Session.IdleTimeout,
		Interval:    cfg.Session.SweepInterval,
	}
	go func() {
		if err := reaper.Run(ctx); err != nil {
			slog.Error("session reaper stopped", "error", err)
		}
	}()

	srv := transporthttp.NewServer(svc, svc, serverOptions(cfg, svc)...)

	slog.Info("server starting",
		"port", cfg.Server.Port,
		"version", version,
		"storage", cfg.Storage.Type,
		"sandbox", cfg.Sandbox.Mode,
		"generator", cfg.Generator.BaseURL,
		"model", cfg.Generator.Model,
		"idle_timeout", cfg.Session.IdleTimeout,
	)
	return srv.Run(ctx)
}

// serverOptions translates the server config and mounts the optional
// metrics and MCP endpoints.
func serverOptions(cfg *config.Config, p mcpserver.Pipeline) []transporthttp.ServerOption {
	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()))
	}
	if cfg.MCP.Enabled {
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpserver.Handler(mcpserver.New(p, version))))
	}
	return opts
}
