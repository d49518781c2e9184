package workflow

import "fmt"

// Machine is a definition viewed from one stage of one instance
type Machine interface {
	// Stage returns the current stage name
	Stage() string

	// Resolve returns the action and the stage it targets
	Resolve(action string) (*ActionDefinition, *StageDefinition, error)

	// CanFire returns true if the current stage is a legal predecessor of the action's target
	// and the action may fire from it
	CanFire(action string) bool

	// Check runs the resolve, predecessor and authorization checks in that order
	Check(action string, actor Actor) (*ActionDefinition, *StageDefinition, error)

	// PermittedActions returns the actions whose target accepts the current stage and the actor
	PermittedActions(actor Actor) []ActionDefinition
}

// stageMachine implements Machine
type stageMachine struct {
	def   *WorkflowDefinition
	stage string
}

// NewMachine returns the machine for def positioned at stage
func NewMachine(def *WorkflowDefinition, stage string) Machine {
	return &stageMachine{def: def, stage: stage}
}

func (m *stageMachine) Stage() string {
	return m.stage
}

func (m *stageMachine) Resolve(action string) (*ActionDefinition, *StageDefinition, error) {
	a, ok := m.def.Action(action)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s has no action %q", ErrUnknownAction, m.def.Type, action)
	}
	target, ok := m.def.Stage(a.Target)
	if !ok {
		return nil, nil, fmt.Errorf("%w: action %q targets unknown stage %q", ErrInvalidDefinition, action, a.Target)
	}
	return a, target, nil
}

func (m *stageMachine) CanFire(action string) bool {
	a, target, err := m.Resolve(action)
	if err != nil {
		return false
	}
	return m.legal(a, target)
}

// legal holds when the current stage precedes target and the action fires from it
func (m *stageMachine) legal(a *ActionDefinition, target *StageDefinition) bool {
	return target.HasPredecessor(m.stage) && a.FiresFrom(m.stage)
}

func (m *stageMachine) Check(action string, actor Actor) (*ActionDefinition, *StageDefinition, error) {
	a, target, err := m.Resolve(action)
	if err != nil {
		return nil, nil, err
	}
	if !m.legal(a, target) {
		return nil, nil, fmt.Errorf("%w: cannot move from %q to %q via %q", ErrIllegalTransition, m.stage, target.Name, action)
	}
	if !actor.Satisfies(target) {
		return nil, nil, fmt.Errorf("%w: actor %q may not enter %q", ErrForbidden, actor.ID, target.Name)
	}
	return a, target, nil
}

func (m *stageMachine) PermittedActions(actor Actor) []ActionDefinition {
	actions := make([]ActionDefinition, 0)
	for i := range m.def.Actions {
		a := &m.def.Actions[i]
		target, ok := m.def.Stage(a.Target)
		if !ok || !m.legal(a, target) {
			continue
		}
		if actor.Satisfies(target) {
			actions = append(actions, *a)
		}
	}
	return actions
}
