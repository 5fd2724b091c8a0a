package caseflow

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/petrijr/caseflow/internal/agent"
	"github.com/petrijr/caseflow/internal/casestore"
	"github.com/petrijr/caseflow/internal/engine"
	"github.com/petrijr/caseflow/internal/persistence"
	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
	"github.com/petrijr/caseflow/pkg/conversation"
	"github.com/petrijr/caseflow/pkg/retention"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Registrar            = api.Registrar
	WorkflowDefinition   = api.WorkflowDefinition
	ActivityDefinition   = api.ActivityDefinition
	SignalDefinition     = api.SignalDefinition
	WorkflowContext      = api.WorkflowContext
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	HistoryEvent         = api.HistoryEvent
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	ActivityOptions      = api.ActivityOptions
	CaseStore            = api.CaseStore
	Agent                = api.Agent
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithInstanceID       = api.WithInstanceID
)

var (
	ErrWorkflowNotFound = api.ErrWorkflowNotFound
	ErrInstanceNotFound = api.ErrInstanceNotFound
	ErrSignalTimeout    = api.ErrSignalTimeout
	ErrCaseNotFound     = api.ErrCaseNotFound
	ErrCaseConflict     = api.ErrCaseConflict
)

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusFailed    = api.StatusFailed
	StatusCompleted = api.StatusCompleted
)

// DefaultQueues are the task queues a worker must poll to drive both
// bundled workflows.
var DefaultQueues = []string{
	taskqueue.DefaultWorkflowQueue,
	retention.RetentionQueue,
	retention.CaseAnalysisQueue,
	conversation.Queue,
}

// Option adjusts how an engine is built.
type Option func(*engine.Config)

// WithObserver installs obs for lifecycle callbacks.
func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = l }
}

// WithDefaultRetry applies p to activities that carry no policy of their own.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(c *engine.Config) { c.DefaultRetry = &p }
}

func build(store persistence.Persistence, q taskqueue.Queue, opts []Option) *engine.Engine {
	cfg := engine.Config{Persistence: store, Queue: q}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}

// Engine constructors. These wrap internal/engine so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts ...Option) Engine {
	return newInMemory(opts)
}

func newInMemory(opts []Option) *engine.Engine {
	mem := persistence.NewInMemoryStore()
	return build(persistence.Persistence{Instances: mem, History: mem}, taskqueue.NewInMemoryQueue(), opts)
}

// NewSQLiteEngine returns an Engine whose history, instances and task
// queue all live in db.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	return newSQLite(db, opts)
}

func newSQLite(db *sql.DB, opts []Option) (*engine.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return build(persistence.Persistence{Instances: store, History: store}, q, opts), nil
}

// NewPostgresEngine returns an Engine whose history, instances and task
// queue all live in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return build(persistence.Persistence{Instances: store, History: store}, q, opts), nil
}

// NewMemoryCaseStore returns a non-durable case store.
func NewMemoryCaseStore() CaseStore {
	return casestore.NewMemoryStore()
}

// NewSQLiteCaseStore returns a case store persisted in db. It may share db
// with NewSQLiteEngine.
func NewSQLiteCaseStore(db *sql.DB) (CaseStore, error) {
	return casestore.NewSQLiteStore(db)
}

// NewScriptedAgent returns an offline agent that answers every role with a
// canned one-line report. It is meant for demos and tests.
func NewScriptedAgent() Agent {
	return agent.NewScripted()
}

// Dependencies are the collaborators of the bundled workflows.
type Dependencies struct {
	Store  CaseStore
	Agent  Agent
	Logger *slog.Logger
}

// RegisterWorkflows registers the customer retention and interactive
// conversation workflows with their activities.
func RegisterWorkflows(r Registrar, deps Dependencies, opts ...retention.Option) error {
	if err := retention.Register(r, &retention.Activities{Store: deps.Store, Agent: deps.Agent, Logger: deps.Logger}, opts...); err != nil {
		return err
	}
	return conversation.Register(r, &conversation.Activities{Agent: deps.Agent, Logger: deps.Logger})
}

// Recover re-dispatches pending work for every non-terminal instance. It is
// typically called on process startup before starting any workers:
//
//	n, err := caseflow.Recover(ctx, eng)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
