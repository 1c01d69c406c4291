package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/c360studio/callscore/agent"
	"github.com/c360studio/callscore/config"
	"github.com/c360studio/callscore/contextloader"
	"github.com/c360studio/callscore/extraction"
	"github.com/c360studio/callscore/llm"
	"github.com/c360studio/callscore/metrics"
	"github.com/c360studio/callscore/model"
	"github.com/c360studio/callscore/pipeline"
	"github.com/c360studio/callscore/promptcache"
	"github.com/c360studio/callscore/store/postgres"
	"github.com/c360studio/callscore/synthesis"
)

// App wires the scoring pipeline and the backends it is configured to use.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	recorder *metrics.Recorder

	// Lazily connected backends
	js    jetstream.JetStream
	store *postgres.Store

	closers []func()

	coordinator *pipeline.Coordinator
	pool        *pipeline.Pool
}

// NewApp builds the pipeline from cfg. Backends named by cfg are connected
// here; the caller must Close the App.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	client, err := modelClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, client)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, client llm.Completer) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewRecorder(a.registry)

	if err := a.build(ctx, client); err != nil {
		return nil, err
	}
	return a, nil
}

// build assembles the pipeline around client. On error the App is closed.
func (a *App) build(ctx context.Context, client llm.Completer) (err error) {
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	cache, err := a.promptCache(ctx)
	if err != nil {
		return err
	}
	source, err := a.factsSource(ctx)
	if err != nil {
		return err
	}

	runner := agent.NewRunner(client, a.cfg.Pipeline.Policy,
		agent.WithLogger(a.logger),
		agent.WithAttemptHook(func(name string, status agent.Status) {
			a.recorder.AgentAttempt(name, string(status))
		}))

	loader := contextloader.NewLoader(cache, source,
		contextloader.WithTTL(a.cfg.Cache.TTL),
		contextloader.WithLogger(a.logger),
		contextloader.WithLookupHook(a.recorder.CacheLookup))

	extractor := extraction.NewOrchestrator(runner,
		extraction.WithLogger(a.logger),
		extraction.WithTemperature(a.cfg.Model.Temperature),
		extraction.WithOutcomeHook(func(o *extraction.Outcome) {
			a.recorder.ExtractionOutcome(string(o.Kind), string(o.Status))
		}))

	synthesizer := synthesis.NewAgent(runner,
		synthesis.WithLogger(a.logger),
		synthesis.WithTemperature(a.cfg.Model.Temperature))

	a.coordinator = pipeline.NewCoordinator(loader, extractor, synthesizer,
		pipeline.WithOuterBudget(a.cfg.Pipeline.OuterBudget),
		pipeline.WithMetrics(a.recorder),
		pipeline.WithLogger(a.logger))
	a.pool = pipeline.NewPool(a.coordinator, a.cfg.Pipeline.MaxConcurrent)

	return nil
}

func modelClient(cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	registry := model.NewDefaultRegistry()
	if cfg.Model.Registry != "" {
		r, err := model.LoadFile(cfg.Model.Registry)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		registry = r
	}

	opts := []llm.ClientOption{llm.WithLogger(logger)}
	if cfg.Model.RateLimit > 0 {
		opts = append(opts, llm.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.Model.RateLimit), cfg.Model.Burst)))
	}
	return llm.NewClient(registry, opts...), nil
}

func (a *App) promptCache(ctx context.Context) (promptcache.Cache, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheSQLite:
		c, err := promptcache.OpenSQLiteCache(a.cfg.Cache.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		return c, nil
	case config.CacheNATS:
		js, err := a.JetStream()
		if err != nil {
			return nil, err
		}
		return promptcache.NewKVCache(ctx, js, a.cfg.Cache.Bucket, a.cfg.Cache.TTL)
	default:
		return promptcache.NewMemoryCache(), nil
	}
}

func (a *App) factsSource(ctx context.Context) (contextloader.FactsSource, error) {
	if a.cfg.Context.Source == config.SourcePostgres {
		return a.Store(ctx)
	}
	return contextloader.LoadStaticSource(a.cfg.Context.StaticPath)
}

// JetStream connects to NATS on first use.
func (a *App) JetStream() (jetstream.JetStream, error) {
	if a.js != nil {
		return a.js, nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("callscore"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	a.closers = append(a.closers, nc.Close)
	return js, nil
}

// Store connects to PostgreSQL on first use.
func (a *App) Store(ctx context.Context) (*postgres.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if a.cfg.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn is not configured")
	}
	s, err := postgres.Open(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// Pool returns the bounded scoring pool.
func (a *App) Pool() *pipeline.Pool { return a.pool }

// Coordinator returns the job coordinator.
func (a *App) Coordinator() *pipeline.Coordinator { return a.coordinator }

// ServeMetrics exposes the metrics endpoint until ctx is cancelled. It
// returns immediately when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		a.logger.Info("Metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
