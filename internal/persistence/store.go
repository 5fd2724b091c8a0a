package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/caseflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by SaveInstance for a duplicate ID.
	ErrInstanceExists = api.ErrInstanceExists

	// ErrHistoryConflict is returned by AppendEvents when the history grew
	// since the caller loaded it.
	ErrHistoryConflict = errors.New("history was appended concurrently")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
	// NonTerminal restricts results to instances that can still progress.
	NonTerminal bool
}

func (f InstanceFilter) matches(inst *api.WorkflowInstance) bool {
	if f.WorkflowName != "" && inst.Name != f.WorkflowName {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.NonTerminal && inst.Status.Terminal() {
		return false
	}
	return true
}

// InstanceStore holds the projection of each workflow instance.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	// UpdateInstance overwrites the projection unless the stored one already
	// reflects a longer history, in which case the call is a no-op.
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// HistoryStore is the append-only event log of each instance.
type HistoryStore interface {
	// AppendEvents appends events if the history currently holds exactly
	// expectedLen events, otherwise it returns ErrHistoryConflict. Seq and
	// InstanceID are assigned on the passed slice.
	AppendEvents(ctx context.Context, instanceID string, expectedLen int64, events []api.HistoryEvent) error
	LoadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
}

func stampEvents(instanceID string, expectedLen int64, events []api.HistoryEvent) {
	for i := range events {
		events[i].InstanceID = instanceID
		events[i].Seq = expectedLen + int64(i) + 1
	}
}
