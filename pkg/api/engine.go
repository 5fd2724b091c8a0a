package api

import (
	"context"
	"encoding/json"
)

// Registrar accepts workflow and activity definitions. Domain packages
// register themselves against it.
type Registrar interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterActivity registers an activity implementation by name.
	RegisterActivity(def ActivityDefinition) error
}

// Engine is the high-level engine API.
//
// Start and Signal only record intent and enqueue work; workers pulling
// from the task queues drive instances forward.
type Engine interface {
	Registrar

	// Start validates input, creates an instance, and schedules its first
	// workflow task. Invalid input returns a *ValidationError and creates
	// nothing.
	Start(ctx context.Context, name string, input any, opts ...StartOption) (*WorkflowInstance, error)

	// Signal records a named signal for an instance. Signals sent to a
	// terminal instance are logged and ignored.
	Signal(ctx context.Context, id string, name string, payload any) error

	// GetInstance looks up a workflow instance by ID.
	// Returns ErrInstanceNotFound if the instance does not exist.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the ordered event log of an instance.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// Result blocks until the instance is terminal. On completion the output
	// is decoded into out (which may be nil); on failure the instance error
	// is returned.
	Result(ctx context.Context, id string, out any) error

	// Replay re-drives a completed instance from its recorded history
	// without dispatching any work and returns the re-derived output.
	Replay(ctx context.Context, id string) (json.RawMessage, error)

	// Recover re-dispatches pending work for every non-terminal instance.
	// It is intended to be called on process startup and returns the
	// number of instances touched.
	Recover(ctx context.Context) (int, error)
}
