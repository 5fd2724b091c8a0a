package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
)

// TaskHandler executes one task. The engine implements it.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *taskqueue.Task) error
}

// SignalRecorder appends a signal to an instance history. The engine
// implements it.
type SignalRecorder interface {
	Signal(ctx context.Context, id string, name string, payload any) error
}

// TaskObserver is told about every handled task.
type TaskObserver interface {
	TaskHandled(queue string, typ taskqueue.TaskType, d time.Duration, err error)
}

// Config controls how a Worker polls and retries.
type Config struct {
	// WorkerID identifies lease owners. Defaults to a random ID.
	WorkerID string

	// Queues polled by Run. Defaults to the workflow queue.
	Queues []string

	// WorkflowQueue receives tasks enqueued through EnqueueStartWorkflow.
	// Defaults to taskqueue.DefaultWorkflowQueue.
	WorkflowQueue string

	// Concurrency is the number of pollers per queue.
	Concurrency int

	// LeaseTTL is how long a dequeued task stays invisible to others.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often the lease of a running task is
	// renewed. Defaults to a third of LeaseTTL.
	HeartbeatInterval time.Duration

	// MaxAttempts bounds deliveries of a task whose handler keeps failing.
	// The task is dropped once it is reached. Zero means no bound.
	MaxAttempts int

	// Backoff is the base delay before a failed task is redelivered. It
	// doubles per failed delivery.
	Backoff time.Duration

	// PollTimeout bounds a single Dequeue in ProcessOne. Zero waits until
	// ctx is done.
	PollTimeout time.Duration

	Logger   *slog.Logger
	Observer TaskObserver
}

// Worker pulls tasks from a Queue and hands them to a TaskHandler.
type Worker struct {
	handler TaskHandler
	queue   taskqueue.Queue
	cfg     Config
	logger  *slog.Logger
}

// New creates a Worker. Zero fields of cfg get defaults.
func New(handler TaskHandler, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.WorkflowQueue == "" {
		cfg.WorkflowQueue = taskqueue.DefaultWorkflowQueue
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{cfg.WorkflowQueue}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		handler: handler,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "worker"), slog.String("worker_id", cfg.WorkerID)),
	}
}

// ID returns the lease owner name of the worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// EnqueueStartWorkflow asks a worker to start a workflow instance. The
// instance ID is returned so callers can follow it; an empty instanceID
// gets a generated one.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, workflowName, instanceID string, input any) (string, error) {
	payload, err := api.MarshalPayload(input)
	if err != nil {
		return "", api.NewValidationError("", err.Error())
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	err = w.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeStartWorkflow,
		Queue:        w.cfg.WorkflowQueue,
		WorkflowName: workflowName,
		InstanceID:   instanceID,
		Payload:      payload,
	})
	if err != nil {
		return "", err
	}
	return instanceID, nil
}

// EnqueueSignal appends a signal to the instance history and returns; a
// worker runs the workflow task that consumes it. History is the signal
// buffer, so signals keep their call order and queue retries cannot drop
// them. The handler must be a SignalRecorder.
func (w *Worker) EnqueueSignal(ctx context.Context, instanceID, name string, payload any) error {
	rec, ok := w.handler.(SignalRecorder)
	if !ok {
		return errors.New("worker: handler cannot record signals")
	}
	raw, err := api.MarshalPayload(payload)
	if err != nil {
		return api.NewValidationError("", err.Error())
	}
	return rec.Signal(ctx, instanceID, name, raw)
}

// ProcessOne leases a single task from queue and handles it.
// Returns (processed, error):
//   - processed == false: no task was leased; err is nil if PollTimeout
//     elapsed, or the Dequeue error otherwise.
//   - processed == true: a task was handled; err is the handler error.
func (w *Worker) ProcessOne(ctx context.Context, queue string) (bool, error) {
	dctx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.PollTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, w.cfg.PollTimeout)
	}
	task, err := w.queue.Dequeue(dctx, queue, w.cfg.WorkerID, w.cfg.LeaseTTL)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	err = w.handle(ctx, task)
	if w.cfg.Observer != nil {
		w.cfg.Observer.TaskHandled(task.QueueName(), task.Type, time.Since(start), err)
	}
	return true, w.settle(ctx, task, err)
}

// handle runs the handler while a heartbeat keeps the lease alive.
func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	hbCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.heartbeat(hbCtx, task)
	}()
	defer func() {
		stop()
		<-done
	}()
	return w.handler.HandleTask(ctx, task)
}

func (w *Worker) heartbeat(ctx context.Context, task *taskqueue.Task) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.RenewLease(ctx, task.ID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if errors.Is(err, taskqueue.ErrLeaseLost) {
				w.logger.WarnContext(ctx, "lease lost while task running", slog.String("task_id", task.ID))
				return
			}
			if err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "lease renewal failed", slog.String("task_id", task.ID), slog.Any("error", err))
			}
		}
	}
}

// settle acknowledges a handled task or schedules its redelivery.
func (w *Worker) settle(ctx context.Context, task *taskqueue.Task, handleErr error) error {
	// Settle even when ctx was cancelled mid-task.
	sctx := context.WithoutCancel(ctx)
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
	}

	if handleErr == nil {
		if err := w.queue.Ack(sctx, task.ID, w.cfg.WorkerID); err != nil {
			// Another worker owns it now; its outcome is deduplicated.
			w.logger.WarnContext(ctx, "ack failed", append(attrs, slog.Any("error", err))...)
		}
		return nil
	}

	attempts := task.Attempts + 1
	if w.cfg.MaxAttempts > 0 && attempts >= w.cfg.MaxAttempts {
		w.logger.ErrorContext(ctx, "dropping task after repeated failures",
			append(attrs, slog.Int("attempts", attempts), slog.Any("error", handleErr))...)
		if err := w.queue.Ack(sctx, task.ID, w.cfg.WorkerID); err != nil {
			w.logger.WarnContext(ctx, "ack failed", append(attrs, slog.Any("error", err))...)
		}
		return handleErr
	}

	delay := w.backoff(attempts)
	w.logger.WarnContext(ctx, "task failed, will retry",
		append(attrs, slog.Int("attempts", attempts), slog.Duration("backoff", delay), slog.Any("error", handleErr))...)
	if err := w.queue.Nack(sctx, task.ID, w.cfg.WorkerID, time.Now().Add(delay), attempts); err != nil {
		w.logger.WarnContext(ctx, "nack failed", append(attrs, slog.Any("error", err))...)
	}
	return handleErr
}

func (w *Worker) backoff(attempts int) time.Duration {
	p := api.RetryPolicy{
		InitialBackoff:    w.cfg.Backoff,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Minute,
	}
	return p.Delay(attempts)
}

// Run polls every configured queue with Concurrency pollers each until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		slog.Any("queues", w.cfg.Queues), slog.Int("concurrency", w.cfg.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range w.cfg.Queues {
		for i := 0; i < w.cfg.Concurrency; i++ {
			g.Go(func() error {
				w.poll(gctx, queue)
				return nil
			})
		}
	}
	err := g.Wait()
	w.logger.InfoContext(ctx, "worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx, queue)
		if err == nil || ctx.Err() != nil {
			continue
		}
		if processed {
			// Already logged and rescheduled by settle.
			continue
		}
		w.logger.ErrorContext(ctx, "dequeue failed", slog.String("queue", queue), slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.Backoff):
		}
	}
}
