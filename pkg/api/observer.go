package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance is created by Start.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance transitions to StatusFailed.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStageEntered is called when a workflow task records a new stage.
	OnStageEntered(ctx context.Context, inst *WorkflowInstance, stage string)

	// OnActivityStart is called before each activity attempt.
	OnActivityStart(ctx context.Context, info ActivityInfo)

	// OnActivityCompleted is called after each attempt, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, duration time.Duration)

	// OnSignalReceived is called after a signal is recorded.
	OnSignalReceived(ctx context.Context, inst *WorkflowInstance, signal string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)         {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {}
func (NoopObserver) OnStageEntered(ctx context.Context, inst *WorkflowInstance, stage string) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
}
func (NoopObserver) OnSignalReceived(ctx context.Context, inst *WorkflowInstance, signal string) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStageEntered(ctx context.Context, inst *WorkflowInstance, stage string) {
	for _, o := range c.observers {
		o.OnStageEntered(ctx, inst, stage)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, info)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, info, err, d)
	}
}

func (c *CompositeObserver) OnSignalReceived(ctx context.Context, inst *WorkflowInstance, signal string) {
	for _, o := range c.observers {
		o.OnSignalReceived(ctx, inst, signal)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow, stage and
// activity lifecycle events using the provided slog.Logger. If logger is
// nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageEntered(ctx context.Context, inst *WorkflowInstance, stage string) {
	o.Logger.InfoContext(ctx, "stage_entered",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("stage", stage),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("workflow", info.WorkflowName),
		slog.String("instance_id", info.InstanceID),
		slog.String("activity", info.Activity),
		slog.Int("attempt", info.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("workflow", info.WorkflowName),
		slog.String("instance_id", info.InstanceID),
		slog.String("activity", info.Activity),
		slog.Int("attempt", info.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSignalReceived(ctx context.Context, inst *WorkflowInstance, signal string) {
	o.Logger.InfoContext(ctx, "signal_received",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("signal", signal),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted      atomic.Int64
	workflowsCompleted    atomic.Int64
	workflowsFailed       atomic.Int64
	activitiesCompleted   atomic.Int64
	activitiesFailed      atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
	signalsReceived       atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration

	SignalsReceived int64
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnSignalReceived(ctx context.Context, inst *WorkflowInstance, signal string) {
	m.signalsReceived.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	acts := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if acts > 0 {
		avg = time.Duration(totalNs / acts)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		PendingWorkflows:    started - completed - failed,
		ActivitiesCompleted: acts,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
		SignalsReceived:     m.signalsReceived.Load(),
	}
}
