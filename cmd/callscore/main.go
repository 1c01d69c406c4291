// Package main provides the callscore binary entry point.
// Callscore scores recorded sales calls with a fan-out of model agents and
// synthesizes a coaching report for each call.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	// Register LLM providers via init()
	_ "github.com/c360studio/callscore/llm/providers"

	"github.com/c360studio/callscore/config"
	"github.com/c360studio/callscore/pipeline"
	callscorer "github.com/c360studio/callscore/processor/call-scorer"
	transcriptwatcher "github.com/c360studio/callscore/processor/transcript-watcher"
	"github.com/c360studio/callscore/scheduler"
	"github.com/c360studio/callscore/store/postgres"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "callscore"
)

func main() {
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

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Sales call scoring pipeline",
		Long: `Callscore scores recorded sales calls.

Each call is cleaned, enriched with account context, analyzed by six
extraction agents in parallel and summarized into a coaching report.

Calls can be scored from files, from a NATS JetStream request stream,
from a watched directory, or as Temporal workflows over a PostgreSQL backlog.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		scoreCmd(g),
		serveCmd(g),
		watchCmd(g),
		workerCmd(g),
		migrateCmd(g),
		configCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func scoreCmd(g *globals) *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "score <request.json>...",
		Short: "Score transcript request files once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := g.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			return scoreFiles(ctx, app.Pool(), args, write, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write a report file next to each input instead of printing")
	return cmd
}

// scoreFiles scores each file and either prints the results as a JSON array
// or writes per-file reports. Unreadable files fail before any scoring.
func scoreFiles(ctx context.Context, pool *pipeline.Pool, paths []string, write bool, out io.Writer) error {
	reqs := make([]pipeline.Request, len(paths))
	for i, path := range paths {
		req, err := transcriptwatcher.LoadRequest(path)
		if err != nil {
			return err
		}
		reqs[i] = *req
	}

	results := pool.ScoreBatch(ctx, reqs)

	failed := 0
	for i, res := range results {
		if res.Job.State != pipeline.StateCompleted {
			failed++
		}
		if write {
			if err := transcriptwatcher.WriteReport(transcriptwatcher.ReportPath(paths[i]), res); err != nil {
				return err
			}
		}
	}

	if !write {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d calls did not complete", failed, len(results))
	}
	return nil
}

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Score requests from the NATS JetStream request stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := g.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			js, err := app.JetStream()
			if err != nil {
				return err
			}

			cfg := callscorer.DefaultConfig()
			cfg.StreamName = app.cfg.NATS.Stream
			cfg.ConsumerName = app.cfg.NATS.Consumer
			cfg.RequestSubject = app.cfg.NATS.Subject
			cfg.MaxInFlight = app.cfg.Pipeline.MaxConcurrent
			if cfg.AckWait <= app.cfg.Pipeline.OuterBudget {
				cfg.AckWait = app.cfg.Pipeline.OuterBudget + app.cfg.Pipeline.OuterBudget/2
			}

			comp, err := callscorer.NewComponent(cfg, js, app.Pool(), app.logger)
			if err != nil {
				return err
			}
			if err := comp.Start(ctx); err != nil {
				return err
			}
			app.ServeMetrics(ctx)

			<-ctx.Done()
			app.logger.Info("Received shutdown signal")
			comp.Stop()
			return nil
		},
	}
}

func watchCmd(g *globals) *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Score transcript files as they appear in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := g.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			cfg := transcriptwatcher.DefaultConfig()
			if len(patterns) > 0 {
				cfg.Patterns = patterns
			}
			w, err := transcriptwatcher.New(cfg, args[0], app.Pool(), app.logger)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			app.ServeMetrics(ctx)

			<-ctx.Done()
			app.logger.Info("Received shutdown signal", "scored", w.Scored())
			return w.Stop()
		},
	}
	cmd.Flags().StringSliceVar(&patterns, "pattern", nil, "Glob selecting transcript files (repeatable)")
	return cmd
}

func workerCmd(g *globals) *cobra.Command {
	var cron string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker that scores the PostgreSQL backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := g.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			store, err := app.Store(ctx)
			if err != nil {
				return err
			}

			tc := app.cfg.Temporal
			c, err := client.Dial(client.Options{
				HostPort:  tc.HostPort,
				Namespace: tc.Namespace,
				Logger:    tlog.NewStructuredLogger(app.logger),
			})
			if err != nil {
				return fmt.Errorf("connect to Temporal at %s: %w", tc.HostPort, err)
			}
			defer c.Close()

			w := worker.New(c, tc.TaskQueue, worker.Options{
				MaxConcurrentActivityExecutionSize: app.cfg.Pipeline.MaxConcurrent,
			})
			scheduler.Register(w, scheduler.NewActivities(app.Coordinator(), store, store))

			if cron != "" {
				run, err := scheduler.StartBatchSchedule(ctx, c, tc.TaskQueue, cron, tc.BacklogLimit)
				if err != nil {
					return err
				}
				app.logger.Info("Batch schedule started", "workflow_id", run.GetID(), "cron", cron)
			}

			if err := w.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			app.ServeMetrics(ctx)

			<-ctx.Done()
			app.logger.Info("Received shutdown signal")
			w.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "Cron schedule for backlog scoring (e.g. \"*/15 * * * *\")")
	return cmd
}

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is not configured")
			}

			store, err := postgres.Open(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Schema is up to date")
			return nil
		},
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if none exists",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, created, err := config.NewLoader(newLogger(g.logLevel, os.Stderr)).InitUserConfig()
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration and where it came from",
			RunE: func(cmd *cobra.Command, args []string) error {
				loader := config.NewLoader(newLogger(g.logLevel, os.Stderr))
				cfg, err := loader.Load(g.configPath)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, src := range loader.Sources() {
					fmt.Fprintf(out, "# %s\n", src)
				}
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(cfg); err != nil {
					return fmt.Errorf("encode config: %w", err)
				}
				return enc.Close()
			},
		},
	)
	return cmd
}

// load configures logging and reads the layered configuration.
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	logger := newLogger(g.logLevel, os.Stderr)
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func (g *globals) app(ctx context.Context) (*App, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, logger)
}

func newLogger(logLevel string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
