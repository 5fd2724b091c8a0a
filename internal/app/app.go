// Package app assembles a caseflow process from configuration: storage,
// queue, case store, agent, engine, workers and the HTTP and NATS
// front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/caseflow"
	"github.com/petrijr/caseflow/internal/agent"
	"github.com/petrijr/caseflow/internal/config"
	"github.com/petrijr/caseflow/internal/engine"
	"github.com/petrijr/caseflow/internal/httpapi"
	"github.com/petrijr/caseflow/internal/natsbridge"
	"github.com/petrijr/caseflow/pkg/api"
	"github.com/petrijr/caseflow/pkg/metrics"
	"github.com/petrijr/caseflow/pkg/retention"
	"github.com/petrijr/caseflow/pkg/worker"
)

// NewLogger builds the process logger.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// App is an assembled process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	conns  *connections

	Engine    *engine.Engine
	CaseStore api.CaseStore
	Agent     api.Agent
	Metrics   *metrics.Observer
}

// New connects every backend and registers the workflows.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, conns: newConnections(cfg)}
	if err := a.init(ctx); err != nil {
		_ = a.conns.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	store, err := a.conns.persistence(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	q, err := a.conns.queue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	if a.CaseStore, err = a.conns.caseStore(ctx, cfg.CaseStore); err != nil {
		return fmt.Errorf("case store: %w", err)
	}
	a.Agent = newAgent(cfg.Agent, a.logger)

	observers := []api.Observer{api.NewLoggingObserver(a.logger)}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewObserver(nil)
		observers = append(observers, a.Metrics)
	}
	a.Engine = engine.New(engine.Config{
		Persistence: store,
		Queue:       q,
		Observer:    api.NewCompositeObserver(observers...),
		Logger:      a.logger,
	})

	backoff := retention.AgentRetry.InitialBackoff
	if cfg.Retention.AgentBackoff > 0 {
		backoff = cfg.Retention.AgentBackoff
	}
	retry := caseflow.Retry(cfg.Retention.AgentMaxAttempts).
		Multiplier(retention.AgentRetry.BackoffMultiplier).
		Backoff(backoff, retention.AgentRetry.MaxBackoff).
		Policy()
	deps := caseflow.Dependencies{Store: a.CaseStore, Agent: a.Agent, Logger: a.logger}
	if err := caseflow.RegisterWorkflows(a.Engine, deps, retention.WithAgentRetry(retry), retention.WithTimeoutScale(cfg.Retention.TimeoutScale)); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}
	return nil
}

func newAgent(cfg config.AgentConfig, logger *slog.Logger) api.Agent {
	if cfg.Kind != config.AgentHTTP {
		return agent.NewScripted()
	}
	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.APIKey != "" {
		opts = append(opts, agent.WithAPIKey(cfg.APIKey))
	}
	if cfg.Temperature != nil {
		opts = append(opts, agent.WithTemperature(*cfg.Temperature))
	}
	for role, prompt := range retention.RolePrompts {
		opts = append(opts, agent.WithRolePrompt(role, prompt))
	}
	return agent.NewHTTPClient(cfg.BaseURL, cfg.Model, opts...)
}

// Close releases every backend connection.
func (a *App) Close() error {
	return a.conns.close()
}

// Worker builds a worker for the configured queues.
func (a *App) Worker() *worker.Worker {
	wc := a.cfg.Worker
	queues := wc.Queues
	if len(queues) == 0 {
		queues = caseflow.DefaultQueues
	}
	cfg := worker.Config{
		Queues:        queues,
		WorkflowQueue: a.Engine.WorkflowQueue(),
		Concurrency:   wc.Concurrency,
		LeaseTTL:      wc.LeaseTTL,
		MaxAttempts:   wc.MaxAttempts,
		Backoff:       wc.Backoff,
		PollTimeout:   wc.PollTimeout,
		Logger:        a.logger,
	}
	if a.Metrics != nil {
		cfg.Observer = a.Metrics
	}
	return worker.New(a.Engine, a.Engine.Queue(), cfg)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	deps := httpapi.Dependencies{
		Engine:        a.Engine,
		Logger:        a.logger,
		MaxResultWait: a.cfg.HTTP.MaxResultWait,
	}
	if a.Metrics != nil {
		deps.Metrics = a.Metrics.Handler()
	}
	return httpapi.NewRouter(deps)
}

// Serve recovers pending work and runs the workers, the HTTP server and the
// NATS bridge until ctx is cancelled or one of them fails. Replicas sharing a
// durable queue may all recover on start: activity and timer tasks that are
// still queued are not duplicated.
func (a *App) Serve(ctx context.Context) error {
	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "recovered pending instances", slog.Int("instances", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Worker.Enabled {
		w := a.Worker()
		g.Go(func() error { return w.Run(gctx) })
	}
	if a.cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:         a.cfg.HTTP.Addr,
			Handler:      a.Handler(),
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
		}
		g.Go(func() error {
			a.logger.InfoContext(gctx, "http listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	if a.cfg.NATS.Enabled {
		stop, err := a.startBridge(gctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stop()
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startBridge(ctx context.Context) (stop func(), err error) {
	nc, shutdown, err := a.ConnectNATS()
	if err != nil {
		return nil, err
	}
	b := natsbridge.New(nc, a.Engine,
		natsbridge.WithPrefix(a.cfg.NATS.Prefix),
		natsbridge.WithQueueGroup(a.cfg.NATS.QueueGroup),
		natsbridge.WithLogger(a.logger),
	)
	if err := b.Start(ctx); err != nil {
		shutdown()
		return nil, err
	}
	return func() {
		if err := b.Stop(); err != nil {
			a.logger.Warn("nats bridge drain failed", slog.String("error", err.Error()))
		}
		shutdown()
	}, nil
}

// ConnectNATS dials the configured server, or starts the embedded one. The
// returned func closes the connection and stops an embedded server.
func (a *App) ConnectNATS() (*nats.Conn, func(), error) {
	opts := []nats.Option{
		nats.Name("caseflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if !a.cfg.NATS.Embedded {
		nc, err := nats.Connect(a.cfg.NATS.URL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}
		return nc, nc.Close, nil
	}
	srv, err := natsbridge.StartEmbedded(a.cfg.NATS.EmbeddedPort)
	if err != nil {
		return nil, nil, err
	}
	nc, err := srv.Connect(opts...)
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.logger.Info("embedded NATS server started", slog.String("url", srv.URL()))
	return nc, func() {
		nc.Close()
		srv.Shutdown()
	}, nil
}
