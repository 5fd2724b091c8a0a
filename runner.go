package caseflow

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/petrijr/caseflow/internal/engine"
	"github.com/petrijr/caseflow/pkg/worker"
)

// Runner bundles an Engine with a Worker consuming the engine's task queue,
// for tests, local development and simple single-process deployments.
//
// Typical usage:
//
//	runner := caseflow.NewLocalRunner(worker.Config{})
//	_ = caseflow.RegisterWorkflows(runner.Engine, caseflow.Dependencies{Store: store, Agent: agent})
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	inst, _ := runner.Engine.Start(ctx, retention.WorkflowName, complaint)
type Runner struct {
	// Engine drives the instances.
	Engine Engine

	// Worker processes tasks from the engine's queue.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner builds a Runner on in-memory stores and queue. A cfg
// without Queues polls DefaultQueues.
func NewLocalRunner(cfg worker.Config, opts ...Option) *Runner {
	return newRunner(newInMemory(opts), cfg)
}

// NewSQLiteRunner builds a Runner whose instances, history and queued
// tasks are all persisted in db.
//
//	db, _ := sql.Open("sqlite", "file:caseflow.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	runner, err := caseflow.NewSQLiteRunner(db, worker.Config{MaxAttempts: 3})
func NewSQLiteRunner(db *sql.DB, cfg worker.Config, opts ...Option) (*Runner, error) {
	eng, err := newSQLite(db, opts)
	if err != nil {
		return nil, err
	}
	return newRunner(eng, cfg), nil
}

func newRunner(eng *engine.Engine, cfg worker.Config) *Runner {
	if len(cfg.Queues) == 0 {
		cfg.Queues = append([]string(nil), DefaultQueues...)
	}
	cfg.WorkflowQueue = eng.WorkflowQueue()
	return &Runner{
		Engine: eng,
		Worker: worker.New(eng, eng.Queue(), cfg),
	}
}

// Start runs the worker in the background until Stop is called or ctx is
// cancelled. Calling Start twice without Stop returns an error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("caseflow: runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	go func(done chan<- error) {
		done <- r.Worker.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the worker and waits for in-flight tasks to settle. It
// returns the error the worker stopped with, if any.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// StartWorkflowAsync enqueues a start request for a worker to pick up and
// returns the instance ID it will use. Input is validated when the worker
// handles the task, not here.
func (r *Runner) StartWorkflowAsync(ctx context.Context, workflowName string, input any) (string, error) {
	return r.Worker.EnqueueStartWorkflow(ctx, workflowName, "", input)
}

// SignalAsync records a signal and leaves the workflow task that consumes
// it to the worker. Signals are consumed in the order SignalAsync returned.
func (r *Runner) SignalAsync(ctx context.Context, instanceID, name string, payload any) error {
	return r.Worker.EnqueueSignal(ctx, instanceID, name, payload)
}
