package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusWaiting   Status = "WAITING"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowFunc is the body of a workflow. It is re-executed from the start
// on every workflow task and must be deterministic: all side effects go
// through the WorkflowContext.
type WorkflowFunc func(wctx WorkflowContext, input json.RawMessage) (any, error)

// ActivityFunc performs one unit of side-effecting work. Its result is
// JSON-encoded and recorded in the instance history.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// SignalDefinition fixes the payload schema of one named signal.
type SignalDefinition struct {
	Name string
	// Validate rejects malformed payloads at the transport boundary.
	// A nil Validate accepts any JSON value.
	Validate func(payload json.RawMessage) error
}

// WorkflowDefinition describes a registered workflow.
type WorkflowDefinition struct {
	Name string
	Fn   WorkflowFunc

	// Validate checks start input before an instance is created.
	Validate func(input json.RawMessage) error

	// Signals lists the signals the workflow accepts. Signals with other
	// names are rejected by Engine.Signal.
	Signals []SignalDefinition
}

// Signal returns the definition for the named signal.
func (d WorkflowDefinition) Signal(name string) (SignalDefinition, bool) {
	for _, s := range d.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDefinition{}, false
}

// ActivityDefinition describes a registered activity.
type ActivityDefinition struct {
	Name string
	Fn   ActivityFunc
}

// ActivityOptions controls where and how an activity invocation runs.
type ActivityOptions struct {
	// Queue is the logical task queue the invocation is routed to.
	Queue string `json:"queue"`
	// StartToCloseTimeout bounds a single attempt. A timed-out attempt
	// counts as one failed attempt.
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty"`
	// Retry overrides the engine's default retry policy.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// WorkflowInstance is the projection of one workflow execution.
type WorkflowInstance struct {
	ID     string
	Name   string
	Status Status

	// Stage is the most recently entered stage.
	Stage string
	// Counters holds named loop counters recorded by the workflow.
	Counters map[string]int

	Input  json.RawMessage
	Output json.RawMessage
	Err    error

	CreatedAt time.Time
	UpdatedAt time.Time

	// HistoryLen is the number of history events the projection reflects.
	HistoryLen int64
}

// Clone returns a deep copy of inst.
func (inst *WorkflowInstance) Clone() *WorkflowInstance {
	if inst == nil {
		return nil
	}
	cp := *inst
	if inst.Counters != nil {
		cp.Counters = make(map[string]int, len(inst.Counters))
		for k, v := range inst.Counters {
			cp.Counters[k] = v
		}
	}
	cp.Input = append(json.RawMessage(nil), inst.Input...)
	cp.Output = append(json.RawMessage(nil), inst.Output...)
	return &cp
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// StartOptions holds optional Start parameters.
type StartOptions struct {
	InstanceID string
}

// StartOption configures a Start call.
type StartOption func(*StartOptions)

// WithInstanceID uses id instead of a generated instance ID.
func WithInstanceID(id string) StartOption {
	return func(o *StartOptions) { o.InstanceID = id }
}

// RetryPolicy controls how a failed activity attempt is retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `json:"initial_backoff,omitempty"`
	// BackoffMultiplier grows the delay per attempt (values <= 1 keep it constant).
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	// MaxBackoff caps the delay; zero means no cap.
	MaxBackoff time.Duration `json:"max_backoff,omitempty"`
}

// DefaultRetryPolicy is applied to activities that do not set one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    time.Second,
	BackoffMultiplier: 2,
	MaxBackoff:        30 * time.Second,
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before trying again. A policy without InitialBackoff retries at once.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialBackoff
	if base <= 0 {
		return 0
	}
	d := float64(base)
	if p.BackoffMultiplier > 1 {
		for i := 1; i < attempt; i++ {
			d *= p.BackoffMultiplier
			if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
				return p.MaxBackoff
			}
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Duration is a time.Duration that encodes to JSON as a string such as "30m".
// Integer JSON values are read as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("duration must be a string or an integer")
	}
	*d = Duration(n)
	return nil
}

// ActivityInfo describes the activity invocation a context belongs to.
type ActivityInfo struct {
	InstanceID   string
	WorkflowName string
	Activity     string
	Queue        string
	Command      int
	Attempt      int
}

type activityInfoKey struct{}

// WithActivityInfo attaches info to ctx. The engine does this before calling
// an ActivityFunc.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the invocation info for the running activity.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// LogAttrs returns slog attributes identifying the invocation.
func (i ActivityInfo) LogAttrs() []any {
	return []any{
		slog.String("instance_id", i.InstanceID),
		slog.String("activity", i.Activity),
		slog.Int("attempt", i.Attempt),
	}
}
