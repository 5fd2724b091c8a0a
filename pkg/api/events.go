package api

import (
	"encoding/json"
	"time"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	EventActivityScheduled     EventType = "activity.scheduled"
	EventActivityAttemptFailed EventType = "activity.attempt_failed"
	EventActivityCompleted     EventType = "activity.completed"
	EventActivityFailed        EventType = "activity.failed"

	EventSignalReceived EventType = "signal.received"
	EventSignalConsumed EventType = "signal.consumed"

	EventTimerStarted EventType = "timer.started"
	EventTimerFired   EventType = "timer.fired"

	EventMarkerStage   EventType = "marker.stage"
	EventMarkerCounter EventType = "marker.counter"
	EventMarkerTime    EventType = "marker.time"
)

// HistoryEvent is one entry of an instance's append-only history.
// Replaying the history re-derives every decision the workflow made.
type HistoryEvent struct {
	// Seq is the 1-based position in the history, assigned on append.
	Seq        int64     `json:"seq"`
	InstanceID string    `json:"instance_id"`
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`

	// Command is the deterministic command number the event belongs to,
	// or 0 for events not produced by a workflow command.
	Command int `json:"command,omitempty"`

	// Name is the workflow, activity, signal, stage or counter name.
	Name    string          `json:"name,omitempty"`
	Queue   string          `json:"queue,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	// Cause is the registered failure kind behind an activity failure.
	Cause string `json:"cause,omitempty"`

	// Ref is the Seq of a related event (the signal a consumption refers to).
	Ref int64 `json:"ref,omitempty"`

	FireAt  time.Time        `json:"fire_at,omitzero"`
	Options *ActivityOptions `json:"options,omitempty"`
}

// IsTerminal reports whether the event closes the history.
func (e HistoryEvent) IsTerminal() bool {
	return e.Type == EventWorkflowCompleted || e.Type == EventWorkflowFailed
}
