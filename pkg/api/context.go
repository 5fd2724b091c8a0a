package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// WorkflowContext is the only way workflow code may interact with the
// outside world. Every call that issues a command is numbered in call
// order; on replay the engine matches the numbers against recorded history
// so already-completed work is never re-issued.
type WorkflowContext interface {
	// Context returns the context of the workflow task being executed.
	Context() context.Context

	InstanceID() string
	WorkflowName() string

	// StartTime is the recorded time the instance was started.
	StartTime() time.Time

	// Now returns a time recorded in history the first time this call is
	// reached, so replays see the same value.
	Now() time.Time

	// IsReplaying reports whether the workflow is re-executing commands that
	// are already in history.
	IsReplaying() bool

	// Logger returns a logger that is silent while replaying.
	Logger() *slog.Logger

	// ExecuteActivity schedules an activity and returns a future for its
	// result.
	ExecuteActivity(name string, opts ActivityOptions, input any) Future

	// AwaitSignal consumes the oldest unconsumed signal with the given name
	// and decodes its payload into out. If none is queued the workflow
	// suspends until one arrives or timeout elapses, in which case
	// ErrSignalTimeout is returned. timeout <= 0 waits without a timer.
	AwaitSignal(name string, timeout time.Duration, out any) error

	// EnterStage records the workflow's current stage.
	EnterStage(stage string) error

	// SetCounter records a named counter in durable state.
	SetCounter(name string, value int) error
}

// Future is the eventual result of an activity.
type Future interface {
	// Ready reports whether the result is recorded.
	Ready() bool
	// Get decodes the result into out. If the result is not recorded yet it
	// returns a *SuspendError, which the workflow must propagate.
	Get(out any) error
}

// All joins futures. It returns the first recorded failure as soon as one is
// seen, nil when every future succeeded, and a *SuspendError while any
// future is still outstanding.
func All(futures ...Future) error {
	pending := false
	for _, f := range futures {
		if !f.Ready() {
			pending = true
			continue
		}
		if err := f.Get(nil); err != nil {
			return err
		}
	}
	if pending {
		return &SuspendError{Reason: SuspendActivity}
	}
	return nil
}

// Validator is implemented by typed inputs that can check themselves.
type Validator interface {
	Validate() error
}

// ValidateJSON returns a validation func that decodes input into T and, if T
// implements Validator, calls Validate.
func ValidateJSON[T any]() func(json.RawMessage) error {
	return func(data json.RawMessage) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return NewValidationError("", "malformed payload: "+err.Error())
		}
		if val, ok := any(&v).(Validator); ok {
			return val.Validate()
		}
		return nil
	}
}

// TypedWorkflow adapts a strongly typed workflow body into a WorkflowFunc.
func TypedWorkflow[I, O any](fn func(wctx WorkflowContext, input I) (O, error)) WorkflowFunc {
	return func(wctx WorkflowContext, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NewValidationError("", "malformed input: "+err.Error())
			}
		}
		out, err := fn(wctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// TypedActivity adapts a strongly typed activity into an ActivityFunc.
// Undecodable input fails the activity without retries.
func TypedActivity[I, O any](fn func(ctx context.Context, input I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NonRetryable(NewValidationError("", "malformed activity input: "+err.Error()))
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// MarshalPayload encodes v as JSON. json.RawMessage and []byte values are
// taken as already-encoded JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, NewValidationError("", "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return MarshalPayload(json.RawMessage(p))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
