package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// workflowContext implements api.WorkflowContext for one execution of a
// workflow function. Commands are numbered in call order and matched
// against the indexed history; commands past the end of history are
// collected in events.
type workflowContext struct {
	ctx    context.Context
	inst   *api.WorkflowInstance
	idx    *historyIndex
	logger *slog.Logger
	now    func() time.Time

	defaultQueue string

	cmd    int
	events []api.HistoryEvent

	// fault is the first nondeterminism detected. It fails the instance
	// even if workflow code swallows the error.
	fault error
}

var _ api.WorkflowContext = (*workflowContext)(nil)

var discardLogger = slog.New(slog.DiscardHandler)

func (w *workflowContext) Context() context.Context { return w.ctx }
func (w *workflowContext) InstanceID() string       { return w.inst.ID }
func (w *workflowContext) WorkflowName() string     { return w.inst.Name }

func (w *workflowContext) StartTime() time.Time {
	if w.idx.started != nil {
		return w.idx.started.At
	}
	return w.inst.CreatedAt
}

func (w *workflowContext) IsReplaying() bool {
	return w.cmd < w.idx.maxCommand
}

func (w *workflowContext) Logger() *slog.Logger {
	if w.IsReplaying() {
		return discardLogger
	}
	return w.logger
}

// next advances the command counter and returns the new command number
// together with what history holds for it.
func (w *workflowContext) next() (int, *commandRecord) {
	w.cmd++
	rec := w.idx.commands[w.cmd]
	if rec != nil && !rec.opened() {
		rec = nil
	}
	return w.cmd, rec
}

func (w *workflowContext) record(ev api.HistoryEvent) {
	ev.At = w.now()
	w.events = append(w.events, ev)
}

func (w *workflowContext) nondeterministic(cmd int, format string, args ...any) error {
	err := fmt.Errorf("%w: command %d: %s", api.ErrNondeterminism, cmd, fmt.Sprintf(format, args...))
	if w.fault == nil {
		w.fault = err
	}
	return err
}

func describe(rec *commandRecord) string {
	switch {
	case rec.scheduled != nil:
		return fmt.Sprintf("activity %q", rec.scheduled.Name)
	case rec.marker != nil:
		return fmt.Sprintf("%s %q", rec.marker.Type, rec.marker.Name)
	case rec.timer != nil:
		return fmt.Sprintf("signal wait %q", rec.timer.Name)
	case rec.consumed != nil:
		return fmt.Sprintf("signal wait %q", rec.consumed.Name)
	}
	return "nothing"
}

func (w *workflowContext) Now() time.Time {
	cmd, rec := w.next()
	if rec != nil {
		if rec.marker == nil || rec.marker.Type != api.EventMarkerTime {
			_ = w.nondeterministic(cmd, "history has %s, workflow read the clock", describe(rec))
			return w.now()
		}
		var t time.Time
		if err := json.Unmarshal(rec.marker.Payload, &t); err != nil {
			_ = w.nondeterministic(cmd, "undecodable time marker: %v", err)
		}
		return t
	}
	t := w.now().UTC()
	payload, _ := json.Marshal(t)
	w.record(api.HistoryEvent{Type: api.EventMarkerTime, Command: cmd, Payload: payload})
	return t
}

func (w *workflowContext) EnterStage(stage string) error {
	cmd, rec := w.next()
	if rec != nil {
		if rec.marker == nil || rec.marker.Type != api.EventMarkerStage || rec.marker.Name != stage {
			return w.nondeterministic(cmd, "history has %s, workflow entered stage %q", describe(rec), stage)
		}
		return nil
	}
	w.record(api.HistoryEvent{Type: api.EventMarkerStage, Command: cmd, Name: stage})
	return nil
}

func (w *workflowContext) SetCounter(name string, value int) error {
	payload, _ := json.Marshal(value)
	cmd, rec := w.next()
	if rec != nil {
		if rec.marker == nil || rec.marker.Type != api.EventMarkerCounter || rec.marker.Name != name {
			return w.nondeterministic(cmd, "history has %s, workflow set counter %q", describe(rec), name)
		}
		if !bytes.Equal(bytes.TrimSpace(rec.marker.Payload), payload) {
			return w.nondeterministic(cmd, "counter %q was %s, workflow set %s", name, rec.marker.Payload, payload)
		}
		return nil
	}
	w.record(api.HistoryEvent{Type: api.EventMarkerCounter, Command: cmd, Name: name, Payload: payload})
	return nil
}

func (w *workflowContext) ExecuteActivity(name string, opts api.ActivityOptions, input any) api.Future {
	cmd, rec := w.next()
	if rec != nil {
		if rec.scheduled == nil || rec.scheduled.Name != name {
			return &activityFuture{err: w.nondeterministic(cmd, "history has %s, workflow scheduled activity %q", describe(rec), name)}
		}
		return &activityFuture{resolved: rec.resolved}
	}

	payload, err := api.MarshalPayload(input)
	if err != nil {
		return &activityFuture{err: fmt.Errorf("encode input of activity %s: %w", name, err)}
	}
	if opts.Queue == "" {
		opts.Queue = w.defaultQueue
	}
	w.record(api.HistoryEvent{
		Type:    api.EventActivityScheduled,
		Command: cmd,
		Name:    name,
		Queue:   opts.Queue,
		Attempt: 1,
		Payload: payload,
		Options: &opts,
	})
	return &activityFuture{}
}

func (w *workflowContext) AwaitSignal(name string, timeout time.Duration, out any) error {
	cmd, rec := w.next()

	var before int64
	if rec != nil {
		opener := rec.consumed
		if opener == nil {
			opener = rec.timer
		}
		if opener == nil || opener.Name != name {
			return w.nondeterministic(cmd, "history has %s, workflow awaited signal %q", describe(rec), name)
		}
		if rec.consumed != nil {
			return w.decodeSignal(cmd, rec.consumed.Ref, out)
		}
		if rec.fired != nil {
			// Only signals that arrived before the timer fired can win.
			before = rec.fired.Seq
		}
	}

	if sig := w.idx.oldestSignal(name, before); sig != nil {
		w.idx.consumed[sig.Seq] = true
		w.record(api.HistoryEvent{Type: api.EventSignalConsumed, Command: cmd, Name: name, Ref: sig.Seq})
		return decodeInto(sig.Payload, out)
	}

	if rec != nil && rec.fired != nil {
		return fmt.Errorf("%w: %s", api.ErrSignalTimeout, name)
	}
	if rec == nil && timeout > 0 {
		w.record(api.HistoryEvent{Type: api.EventTimerStarted, Command: cmd, Name: name, FireAt: w.now().Add(timeout)})
	}
	return &api.SuspendError{Reason: api.SuspendSignal}
}

func (w *workflowContext) decodeSignal(cmd int, seq int64, out any) error {
	sig := w.idx.signalBySeq(seq)
	if sig == nil {
		return w.nondeterministic(cmd, "consumed signal #%d is missing from history", seq)
	}
	return decodeInto(sig.Payload, out)
}

func decodeInto(payload json.RawMessage, out any) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// activityFuture resolves from the activity.completed / activity.failed
// event recorded for its command.
type activityFuture struct {
	resolved *api.HistoryEvent
	err      error
}

func (f *activityFuture) Ready() bool { return f.err != nil || f.resolved != nil }

func (f *activityFuture) Get(out any) error {
	if f.err != nil {
		return f.err
	}
	if f.resolved == nil {
		return &api.SuspendError{Reason: api.SuspendActivity}
	}
	if f.resolved.Type == api.EventActivityFailed {
		return &api.ActivityError{
			Activity: f.resolved.Name,
			Kind:     api.ActivityErrorKind(f.resolved.ErrorKind),
			Attempt:  f.resolved.Attempt,
			Message:  f.resolved.Error,
			Cause:    f.resolved.Cause,
		}
	}
	return decodeInto(f.resolved.Payload, out)
}
