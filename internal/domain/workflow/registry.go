package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the validated definitions of every workflow type.
// Definitions are registered at startup and read-only afterwards.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*WorkflowDefinition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*WorkflowDefinition),
	}
}

// Register validates def and stores a copy of it
func (r *Registry) Register(def *WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflowType, def.Type)
	}
	r.definitions[def.Type] = def.Clone()
	return nil
}

// Lookup returns the definition for workflowType. Callers must not modify it.
func (r *Registry) Lookup(workflowType string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}
	return def, nil
}

// Machine returns the machine for workflowType positioned at stage
func (r *Registry) Machine(workflowType, stage string) (Machine, error) {
	def, err := r.Lookup(workflowType)
	if err != nil {
		return nil, err
	}
	return NewMachine(def, stage), nil
}

// Types returns the registered workflow types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
