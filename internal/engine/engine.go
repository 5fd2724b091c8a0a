package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/caseflow/internal/persistence"
	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
)

// maxAppendRetries bounds how often a history mutation is rebuilt after
// losing an optimistic append race.
const maxAppendRetries = 5

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Logger      *slog.Logger

	// WorkflowQueue receives workflow and timer tasks. Defaults to
	// taskqueue.DefaultWorkflowQueue.
	WorkflowQueue string

	// ResultPollInterval is how often Result re-reads the instance.
	ResultPollInterval time.Duration

	// DefaultActivityTimeout bounds attempts whose options set no timeout.
	DefaultActivityTimeout time.Duration

	// DefaultRetry applies to activities without their own policy.
	DefaultRetry *api.RetryPolicy
}

// Engine is the event-sourced implementation of api.Engine. It never runs
// workflow code on the caller's goroutine: Start and Signal record intent
// and enqueue tasks, and HandleTask (called by workers) drives instances.
type Engine struct {
	instances persistence.InstanceStore
	history   persistence.HistoryStore
	queue     taskqueue.Queue
	observer  api.Observer
	logger    *slog.Logger
	registry  *registry

	workflowQueue   string
	resultPoll      time.Duration
	activityTimeout time.Duration
	retry           api.RetryPolicy

	now func() time.Time
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := cfg.Queue
	if q == nil {
		q = taskqueue.NewInMemoryQueue()
	}
	e := &Engine{
		instances:       cfg.Persistence.Instances,
		history:         cfg.Persistence.History,
		queue:           q,
		observer:        obs,
		logger:          logger.With(slog.String("component", "engine")),
		registry:        newRegistry(),
		workflowQueue:   cfg.WorkflowQueue,
		resultPoll:      cfg.ResultPollInterval,
		activityTimeout: cfg.DefaultActivityTimeout,
		retry:           api.DefaultRetryPolicy,
		now:             time.Now,
	}
	if e.instances == nil || e.history == nil {
		mem := persistence.NewInMemoryStore()
		e.instances, e.history = mem, mem
	}
	if e.workflowQueue == "" {
		e.workflowQueue = taskqueue.DefaultWorkflowQueue
	}
	if e.resultPoll <= 0 {
		e.resultPoll = 20 * time.Millisecond
	}
	if e.activityTimeout <= 0 {
		e.activityTimeout = 10 * time.Minute
	}
	if cfg.DefaultRetry != nil {
		e.retry = *cfg.DefaultRetry
	}
	return e
}

// NewInMemoryEngine returns an engine with in-memory history and instance
// stores. A nil queue gets an in-memory queue.
func NewInMemoryEngine(q taskqueue.Queue) *Engine {
	mem := persistence.NewInMemoryStore()
	return New(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Queue:       q,
	})
}

// NewSQLiteEngine stores history and instances in db. A nil queue gets a
// SQLite queue in the same database.
func NewSQLiteEngine(db *sql.DB, q taskqueue.Queue) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	if q == nil {
		if q, err = taskqueue.NewSQLiteQueue(db); err != nil {
			return nil, err
		}
	}
	return New(Config{
		Persistence: persistence.Persistence{Instances: store, History: store},
		Queue:       q,
	}), nil
}

// Queue returns the task queue the engine dispatches to.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// WorkflowQueue returns the name of the queue carrying workflow tasks.
func (e *Engine) WorkflowQueue() string { return e.workflowQueue }

func (e *Engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.registerWorkflow(def)
}

func (e *Engine) RegisterActivity(def api.ActivityDefinition) error {
	return e.registry.registerActivity(def)
}

func (e *Engine) Start(ctx context.Context, name string, input any, opts ...api.StartOption) (*api.WorkflowInstance, error) {
	def, err := e.registry.workflow(name)
	if err != nil {
		return nil, err
	}
	raw, err := api.MarshalPayload(input)
	if err != nil {
		return nil, asValidation(err)
	}
	if def.Validate != nil {
		if err := def.Validate(raw); err != nil {
			return nil, asValidation(err)
		}
	}

	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	now := e.now().UTC()
	inst := &api.WorkflowInstance{
		ID:        id,
		Name:      name,
		Status:    api.StatusPending,
		Counters:  map[string]int{},
		Input:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}

	started := []api.HistoryEvent{{Type: api.EventWorkflowStarted, At: now, Name: name, Payload: raw}}
	if err := e.history.AppendEvents(ctx, id, 0, started); err != nil {
		if errors.Is(err, persistence.ErrHistoryConflict) {
			return nil, api.ErrInstanceExists
		}
		return nil, fmt.Errorf("record start of %s: %w", id, err)
	}
	inst.HistoryLen = 1
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.enqueueWorkflowTask(ctx, inst); err != nil {
		return nil, err
	}

	e.observer.OnWorkflowStart(ctx, inst)
	return inst.Clone(), nil
}

func asValidation(err error) error {
	if api.IsValidationError(err) {
		return err
	}
	return api.NewValidationError("", err.Error())
}

func (e *Engine) Signal(ctx context.Context, id string, name string, payload any) error {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		e.logger.InfoContext(ctx, "signal ignored for terminal instance",
			slog.String("instance_id", id), slog.String("signal", name), slog.String("status", string(inst.Status)))
		return nil
	}
	def, err := e.registry.workflow(inst.Name)
	if err != nil {
		return err
	}

	raw, err := api.MarshalPayload(payload)
	if err != nil {
		return asValidation(err)
	}
	if len(def.Signals) > 0 {
		sd, ok := def.Signal(name)
		if !ok {
			return api.NewValidationError("signal", fmt.Sprintf("workflow %s does not accept signal %q", inst.Name, name))
		}
		if sd.Validate != nil {
			if err := sd.Validate(raw); err != nil {
				return asValidation(err)
			}
		}
	}

	_, added, err := e.mutate(ctx, id, func(idx *historyIndex) ([]api.HistoryEvent, error) {
		if idx.terminal != nil {
			return nil, nil
		}
		return []api.HistoryEvent{{Type: api.EventSignalReceived, At: e.now().UTC(), Name: name, Payload: raw}}, nil
	})
	if err != nil {
		return err
	}
	if len(added) == 0 {
		e.logger.InfoContext(ctx, "signal ignored for terminal instance",
			slog.String("instance_id", id), slog.String("signal", name))
		return nil
	}
	if err := e.enqueueWorkflowTask(ctx, inst); err != nil {
		return err
	}
	e.observer.OnSignalReceived(ctx, inst, name)
	return nil
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.instances.GetInstance(ctx, id)
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	})
}

func (e *Engine) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	if _, err := e.instances.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.history.LoadHistory(ctx, id)
}

func (e *Engine) Result(ctx context.Context, id string, out any) error {
	tmr := time.NewTicker(e.resultPoll)
	defer tmr.Stop()
	for {
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		switch inst.Status {
		case api.StatusCompleted:
			return decodeInto(inst.Output, out)
		case api.StatusFailed:
			if inst.Err != nil {
				return inst.Err
			}
			return fmt.Errorf("workflow %s failed", id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

// Replay re-executes the workflow function of a terminal instance against
// its recorded history. Any command not already in history, or a different
// outcome, is reported as api.ErrNondeterminism.
func (e *Engine) Replay(ctx context.Context, id string) (json.RawMessage, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := e.history.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(h) == 0 || !h[len(h)-1].IsTerminal() {
		return nil, fmt.Errorf("instance %s is not terminal", id)
	}
	def, err := e.registry.workflow(inst.Name)
	if err != nil {
		return nil, err
	}

	recorded := h[len(h)-1]
	d := e.decide(ctx, def, inst, h[:len(h)-1])
	if len(d.events) != 1 || d.events[0].Type != recorded.Type {
		return nil, fmt.Errorf("%w: replay of %s issued %d new event(s)", api.ErrNondeterminism, id, len(d.events))
	}
	if recorded.Type == api.EventWorkflowFailed {
		if d.events[0].Error != recorded.Error {
			return nil, fmt.Errorf("%w: replay of %s failed with %q, history has %q", api.ErrNondeterminism, id, d.events[0].Error, recorded.Error)
		}
		return nil, api.RestoreFailure(recorded.ErrorKind, recorded.Error)
	}
	if !jsonEqual(d.output, recorded.Payload) {
		return nil, fmt.Errorf("%w: replay of %s produced a different result", api.ErrNondeterminism, id)
	}
	return d.output, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}

// Recover re-dispatches the work of every non-terminal instance: a workflow
// task, each scheduled activity without a result, and each pending timer.
// Tasks already queued may be delivered twice; results are deduplicated.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{NonTerminal: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range insts {
		h, err := e.history.LoadHistory(ctx, inst.ID)
		if err != nil {
			return n, err
		}
		if len(h) == 0 {
			e.logger.WarnContext(ctx, "instance has no history, skipping recovery", slog.String("instance_id", inst.ID))
			continue
		}
		idx := indexHistory(h)
		if idx.terminal == nil {
			if err := e.redispatch(ctx, inst, idx); err != nil {
				return n, err
			}
		}
		if err := e.enqueueWorkflowTask(ctx, inst); err != nil {
			return n, err
		}
		n++
	}
	e.logger.InfoContext(ctx, "recovered instances", slog.Int("count", n))
	return n, nil
}

func (e *Engine) redispatch(ctx context.Context, inst *api.WorkflowInstance, idx *historyIndex) error {
	for cmd := 1; cmd <= idx.maxCommand; cmd++ {
		rec := idx.commands[cmd]
		if rec == nil {
			continue
		}
		if rec.scheduled != nil && rec.resolved == nil {
			if err := e.enqueueActivity(ctx, inst, rec.scheduled, rec.failures+1, time.Time{}); err != nil {
				return err
			}
		}
		if rec.timer != nil && rec.fired == nil && rec.consumed == nil {
			if err := e.enqueueTimer(ctx, inst, rec.timer); err != nil {
				return err
			}
		}
	}
	return nil
}

// mutate loads the history, lets build derive new events from it and
// appends them, retrying when another writer appended first. It returns the
// history as loaded and the events it appended.
func (e *Engine) mutate(ctx context.Context, id string, build func(idx *historyIndex) ([]api.HistoryEvent, error)) ([]api.HistoryEvent, []api.HistoryEvent, error) {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		h, err := e.history.LoadHistory(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		events, err := build(indexHistory(h))
		if err != nil || len(events) == 0 {
			return h, nil, err
		}
		err = e.history.AppendEvents(ctx, id, int64(len(h)), events)
		if errors.Is(err, persistence.ErrHistoryConflict) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return h, events, nil
	}
	return nil, nil, fmt.Errorf("append to %s: %w", id, persistence.ErrHistoryConflict)
}
