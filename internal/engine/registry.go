package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/caseflow/pkg/api"
)

type registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.WorkflowDefinition
	activities map[string]api.ActivityDefinition
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]api.WorkflowDefinition),
		activities: make(map[string]api.ActivityDefinition),
	}
}

func (r *registry) registerWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("workflow %q has no function", def.Name)
	}
	seen := make(map[string]bool, len(def.Signals))
	for _, s := range def.Signals {
		if s.Name == "" || seen[s.Name] {
			return fmt.Errorf("workflow %q: invalid or duplicate signal %q", def.Name, s.Name)
		}
		seen[s.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

func (r *registry) registerActivity(def api.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("activity %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("activity already registered: %s", def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

func (r *registry) workflow(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, name)
	}
	return def, nil
}

func (r *registry) activity(name string) (api.ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.activities[name]
	if !ok {
		return api.ActivityDefinition{}, fmt.Errorf("%w: %s", api.ErrActivityNotFound, name)
	}
	return def, nil
}
