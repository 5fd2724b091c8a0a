package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/caseflow/internal/persistence"
	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
)

// activityPayload is the JSON payload of an activity task.
type activityPayload struct {
	Input   json.RawMessage     `json:"input"`
	Options api.ActivityOptions `json:"options"`
	Attempt int                 `json:"attempt"`
}

// HandleTask executes one task taken from the queue. A nil error means the
// task is done and can be acknowledged; tasks that can never succeed are
// logged and dropped rather than returned as errors.
func (e *Engine) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeWorkflow:
		return e.runWorkflowTask(ctx, task.InstanceID)
	case taskqueue.TaskTypeActivity:
		return e.runActivityTask(ctx, task)
	case taskqueue.TaskTypeTimer:
		return e.runTimerTask(ctx, task)
	case taskqueue.TaskTypeStartWorkflow:
		_, err := e.Start(ctx, task.WorkflowName, json.RawMessage(task.Payload), api.WithInstanceID(task.InstanceID))
		return e.dropRejected(ctx, task, err)
	default:
		e.logger.WarnContext(ctx, "dropping task of unknown type", slog.String("type", string(task.Type)), slog.String("task_id", task.ID))
		return nil
	}
}

// dropRejected turns errors that a redelivery cannot fix into nil.
func (e *Engine) dropRejected(ctx context.Context, task *taskqueue.Task, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrInstanceExists) && task.Type == taskqueue.TaskTypeStartWorkflow:
		// Redelivered start of an instance that already exists.
		return nil
	case api.IsValidationError(err), errors.Is(err, api.ErrWorkflowNotFound), errors.Is(err, api.ErrInstanceNotFound):
		e.logger.WarnContext(ctx, "dropping rejected task",
			slog.String("type", string(task.Type)),
			slog.String("instance_id", task.InstanceID),
			slog.Any("error", err))
		return nil
	}
	return err
}

func (e *Engine) enqueueWorkflowTask(ctx context.Context, inst *api.WorkflowInstance) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeWorkflow,
		Queue:        e.workflowQueue,
		WorkflowName: inst.Name,
		InstanceID:   inst.ID,
	})
}

// Activity and timer tasks have IDs derived from history, so dispatching
// the same attempt twice leaves a single task in the queue.
func activityTaskID(instanceID string, command, attempt int) string {
	return fmt.Sprintf("%s/activity/%d/%d", instanceID, command, attempt)
}

func timerTaskID(instanceID string, command int) string {
	return fmt.Sprintf("%s/timer/%d", instanceID, command)
}

func (e *Engine) enqueueActivity(ctx context.Context, inst *api.WorkflowInstance, scheduled *api.HistoryEvent, attempt int, notBefore time.Time) error {
	p := activityPayload{Input: scheduled.Payload, Attempt: attempt}
	if scheduled.Options != nil {
		p.Options = *scheduled.Options
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:           activityTaskID(inst.ID, scheduled.Command, attempt),
		Type:         taskqueue.TaskTypeActivity,
		Queue:        scheduled.Queue,
		WorkflowName: inst.Name,
		InstanceID:   inst.ID,
		ActivityName: scheduled.Name,
		Command:      scheduled.Command,
		Payload:      data,
		NotBefore:    notBefore,
	})
}

func (e *Engine) enqueueTimer(ctx context.Context, inst *api.WorkflowInstance, started *api.HistoryEvent) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:           timerTaskID(inst.ID, started.Command),
		Type:         taskqueue.TaskTypeTimer,
		Queue:        e.workflowQueue,
		WorkflowName: inst.Name,
		InstanceID:   inst.ID,
		SignalName:   started.Name,
		Command:      started.Command,
		NotBefore:    started.FireAt,
	})
}

// decision is the outcome of executing the workflow function once.
type decision struct {
	events []api.HistoryEvent
	status api.Status
	output json.RawMessage
	err    error
}

// decide runs the workflow function against history h and returns the new
// events it produced. It performs no I/O.
func (e *Engine) decide(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, h []api.HistoryEvent) decision {
	idx := indexHistory(h)
	w := &workflowContext{
		ctx:          ctx,
		inst:         inst,
		idx:          idx,
		logger:       e.logger.With(slog.String("workflow", inst.Name), slog.String("instance_id", inst.ID)),
		now:          e.now,
		defaultQueue: e.workflowQueue,
	}

	input := inst.Input
	if idx.started != nil && len(idx.started.Payload) > 0 {
		input = idx.started.Payload
	}
	out, err := runWorkflowFunc(def.Fn, w, input)

	if w.fault != nil {
		err = w.fault
	} else if err == nil && w.cmd < idx.maxCommand {
		err = fmt.Errorf("%w: workflow returned after %d of %d recorded commands", api.ErrNondeterminism, w.cmd, idx.maxCommand)
	}

	var suspend *api.SuspendError
	if w.fault == nil && errors.As(err, &suspend) {
		status := api.StatusRunning
		if suspend.Reason == api.SuspendSignal {
			status = api.StatusWaiting
		}
		return decision{events: w.events, status: status}
	}

	if err != nil {
		w.record(api.HistoryEvent{Type: api.EventWorkflowFailed, Name: inst.Name, Error: err.Error(), ErrorKind: api.FailureKind(err)})
		return decision{events: w.events, status: api.StatusFailed, err: err}
	}

	payload, merr := api.MarshalPayload(out)
	if merr != nil {
		err = fmt.Errorf("encode workflow result: %w", merr)
		w.record(api.HistoryEvent{Type: api.EventWorkflowFailed, Name: inst.Name, Error: err.Error(), ErrorKind: api.FailureKind(err)})
		return decision{events: w.events, status: api.StatusFailed, err: err}
	}
	w.record(api.HistoryEvent{Type: api.EventWorkflowCompleted, Name: inst.Name, Payload: payload})
	return decision{events: w.events, status: api.StatusCompleted, output: payload}
}

func runWorkflowFunc(fn api.WorkflowFunc, w *workflowContext, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(w, input)
}

func (e *Engine) runWorkflowTask(ctx context.Context, id string) error {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		inst, err := e.instances.GetInstance(ctx, id)
		if errors.Is(err, api.ErrInstanceNotFound) {
			e.logger.WarnContext(ctx, "dropping workflow task for unknown instance", slog.String("instance_id", id))
			return nil
		}
		if err != nil {
			return err
		}
		h, err := e.history.LoadHistory(ctx, id)
		if err != nil {
			return err
		}
		if len(h) == 0 {
			e.logger.WarnContext(ctx, "dropping workflow task for instance without history", slog.String("instance_id", id))
			return nil
		}

		if last := h[len(h)-1]; last.IsTerminal() {
			// History is closed; make sure the projection caught up.
			d := decision{status: api.StatusCompleted, output: last.Payload}
			if last.Type == api.EventWorkflowFailed {
				d = decision{status: api.StatusFailed, err: api.RestoreFailure(last.ErrorKind, last.Error)}
			}
			if inst.Status.Terminal() {
				return nil
			}
			return e.project(ctx, inst, h, nil, d)
		}

		def, err := e.registry.workflow(inst.Name)
		if err != nil {
			return err
		}

		d := e.decide(ctx, def, inst, h)
		if len(d.events) > 0 {
			err := e.history.AppendEvents(ctx, id, int64(len(h)), d.events)
			if errors.Is(err, persistence.ErrHistoryConflict) {
				continue
			}
			if err != nil {
				return err
			}
		}

		full := append(h, d.events...)
		if err := e.dispatch(ctx, inst, d.events); err != nil {
			return err
		}
		return e.project(ctx, inst, full, d.events, d)
	}
	return fmt.Errorf("workflow task for %s: %w", id, persistence.ErrHistoryConflict)
}

// dispatch enqueues the activity and timer tasks for newly recorded commands.
func (e *Engine) dispatch(ctx context.Context, inst *api.WorkflowInstance, events []api.HistoryEvent) error {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case api.EventActivityScheduled:
			if err := e.enqueueActivity(ctx, inst, ev, 1, time.Time{}); err != nil {
				return fmt.Errorf("dispatch activity %s: %w", ev.Name, err)
			}
		case api.EventTimerStarted:
			if err := e.enqueueTimer(ctx, inst, ev); err != nil {
				return fmt.Errorf("dispatch timer: %w", err)
			}
		}
	}
	return nil
}

// project folds the history into the instance projection and notifies
// observers about what the new events changed.
func (e *Engine) project(ctx context.Context, inst *api.WorkflowInstance, full, added []api.HistoryEvent, d decision) error {
	inst.Status = d.status
	inst.HistoryLen = int64(len(full))
	inst.UpdatedAt = e.now().UTC()
	if inst.Counters == nil {
		inst.Counters = map[string]int{}
	}
	for _, ev := range full {
		switch ev.Type {
		case api.EventMarkerStage:
			inst.Stage = ev.Name
		case api.EventMarkerCounter:
			var v int
			if err := json.Unmarshal(ev.Payload, &v); err == nil {
				inst.Counters[ev.Name] = v
			}
		}
	}
	switch d.status {
	case api.StatusCompleted:
		inst.Output = d.output
		inst.Err = nil
	case api.StatusFailed:
		inst.Err = d.err
	}
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	for _, ev := range added {
		if ev.Type == api.EventMarkerStage {
			e.observer.OnStageEntered(ctx, inst, ev.Name)
		}
	}
	switch d.status {
	case api.StatusCompleted:
		e.observer.OnWorkflowCompleted(ctx, inst)
	case api.StatusFailed:
		e.observer.OnWorkflowFailed(ctx, inst, d.err)
	}
	return nil
}

func (e *Engine) runActivityTask(ctx context.Context, task *taskqueue.Task) error {
	var p activityPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		e.logger.WarnContext(ctx, "dropping undecodable activity task", slog.String("task_id", task.ID), slog.Any("error", err))
		return nil
	}
	if p.Attempt < 1 {
		p.Attempt = 1
	}

	inst, err := e.instances.GetInstance(ctx, task.InstanceID)
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h, err := e.history.LoadHistory(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	idx := indexHistory(h)
	rec := idx.commands[task.Command]
	if idx.terminal != nil || rec == nil || rec.scheduled == nil || rec.resolved != nil || rec.failures >= p.Attempt {
		e.logger.DebugContext(ctx, "dropping duplicate activity task",
			slog.String("instance_id", task.InstanceID), slog.String("activity", task.ActivityName), slog.Int("attempt", p.Attempt))
		return nil
	}

	info := api.ActivityInfo{
		InstanceID:   inst.ID,
		WorkflowName: inst.Name,
		Activity:     task.ActivityName,
		Queue:        task.QueueName(),
		Command:      task.Command,
		Attempt:      p.Attempt,
	}

	def, err := e.registry.activity(task.ActivityName)
	if err != nil {
		return e.recordActivityFailure(ctx, inst, rec.scheduled, p, api.NonRetryable(err))
	}

	timeout := p.Options.StartToCloseTimeout
	if timeout <= 0 {
		timeout = e.activityTimeout
	}
	actx, cancel := context.WithTimeout(api.WithActivityInfo(ctx, info), timeout)
	e.observer.OnActivityStart(ctx, info)
	start := time.Now()
	out, err := runActivityFunc(def.Fn, actx, p.Input)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	e.observer.OnActivityCompleted(ctx, info, err, time.Since(start))

	if err != nil && ctx.Err() != nil {
		// Worker is shutting down; leave the task to be redelivered.
		return ctx.Err()
	}
	var payload json.RawMessage
	if err == nil {
		if payload, err = api.MarshalPayload(out); err != nil {
			err = api.NonRetryable(fmt.Errorf("encode result: %w", err))
		}
	}
	if err != nil {
		if timedOut && !api.IsNonRetryable(err) {
			err = &attemptTimeout{timeout: timeout, err: err}
		}
		return e.recordActivityFailure(ctx, inst, rec.scheduled, p, err)
	}

	_, added, err := e.mutate(ctx, inst.ID, func(idx *historyIndex) ([]api.HistoryEvent, error) {
		if idx.terminal != nil {
			return nil, nil
		}
		if r := idx.commands[task.Command]; r == nil || r.resolved != nil {
			return nil, nil
		}
		return []api.HistoryEvent{{
			Type:    api.EventActivityCompleted,
			At:      e.now().UTC(),
			Command: task.Command,
			Name:    task.ActivityName,
			Attempt: p.Attempt,
			Payload: payload,
		}}, nil
	})
	if err != nil || len(added) == 0 {
		return err
	}
	return e.enqueueWorkflowTask(ctx, inst)
}

type attemptTimeout struct {
	timeout time.Duration
	err     error
}

func (e *attemptTimeout) Error() string {
	return fmt.Sprintf("attempt timed out after %s: %v", e.timeout, e.err)
}

func (e *attemptTimeout) Unwrap() error { return e.err }

func runActivityFunc(fn api.ActivityFunc, ctx context.Context, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}

// recordActivityFailure records a failed attempt and either schedules the
// next attempt or resolves the command as failed.
func (e *Engine) recordActivityFailure(ctx context.Context, inst *api.WorkflowInstance, scheduled *api.HistoryEvent, p activityPayload, cause error) error {
	kind := api.ActivityTransient
	var te *attemptTimeout
	switch {
	case api.IsNonRetryable(cause):
		kind = api.ActivityFatal
	case errors.As(cause, &te):
		kind = api.ActivityTimeout
	}

	policy := e.retry
	if p.Options.Retry != nil {
		policy = *p.Options.Retry
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retry := kind != api.ActivityFatal && p.Attempt < maxAttempts

	ev := api.HistoryEvent{
		At:        e.now().UTC(),
		Command:   scheduled.Command,
		Name:      scheduled.Name,
		Attempt:   p.Attempt,
		Error:     cause.Error(),
		ErrorKind: string(kind),
		Cause:     api.CauseKind(cause),
	}
	if retry {
		ev.Type = api.EventActivityAttemptFailed
	} else {
		ev.Type = api.EventActivityFailed
		if kind != api.ActivityFatal && maxAttempts > 1 {
			ev.ErrorKind = string(api.ActivityExhausted)
		}
	}

	_, added, err := e.mutate(ctx, inst.ID, func(idx *historyIndex) ([]api.HistoryEvent, error) {
		r := idx.commands[scheduled.Command]
		if idx.terminal != nil || r == nil || r.resolved != nil || r.failures >= p.Attempt {
			return nil, nil
		}
		return []api.HistoryEvent{ev}, nil
	})
	if err != nil || len(added) == 0 {
		return err
	}

	e.logger.WarnContext(ctx, "activity attempt failed",
		slog.String("instance_id", inst.ID),
		slog.String("activity", scheduled.Name),
		slog.Int("attempt", p.Attempt),
		slog.String("kind", ev.ErrorKind),
		slog.Bool("retrying", retry),
		slog.Any("error", cause))

	if retry {
		return e.enqueueActivity(ctx, inst, scheduled, p.Attempt+1, e.now().Add(policy.Delay(p.Attempt)))
	}
	return e.enqueueWorkflowTask(ctx, inst)
}

func (e *Engine) runTimerTask(ctx context.Context, task *taskqueue.Task) error {
	inst, err := e.instances.GetInstance(ctx, task.InstanceID)
	if errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, added, err := e.mutate(ctx, inst.ID, func(idx *historyIndex) ([]api.HistoryEvent, error) {
		rec := idx.commands[task.Command]
		if idx.terminal != nil || rec == nil || rec.timer == nil || rec.fired != nil || rec.consumed != nil {
			return nil, nil
		}
		return []api.HistoryEvent{{
			Type:    api.EventTimerFired,
			At:      e.now().UTC(),
			Command: task.Command,
			Name:    rec.timer.Name,
		}}, nil
	})
	if err != nil || len(added) == 0 {
		return err
	}
	return e.enqueueWorkflowTask(ctx, inst)
}
