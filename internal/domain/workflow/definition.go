package workflow

import (
	"fmt"
	"strings"
)

// WorkflowDefinition is the declarative description of one workflow type
type WorkflowDefinition struct {
	Type        string             `json:"type" yaml:"type"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageDefinition  `json:"stages" yaml:"stages"`
	Actions     []ActionDefinition `json:"actions" yaml:"actions"`
}

// StageDefinition describes one step of a workflow.
// A stage with no predecessors is the entry stage. Empty Roles and
// Permissions leave the stage open to any authenticated actor.
type StageDefinition struct {
	Name         string   `json:"name" yaml:"name"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
	Permissions  []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Roles        []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Predecessors []string `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Terminal     bool     `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// ActionDefinition maps an action name onto the stage it moves an instance to.
// From narrows the predecessors of Target the action may fire from; empty
// means any of them.
type ActionDefinition struct {
	Name         string   `json:"name" yaml:"name"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
	Target       string   `json:"target" yaml:"target"`
	From         []string `json:"from,omitempty" yaml:"from,omitempty"`
	RequiresData []string `json:"requires_data,omitempty" yaml:"requires_data,omitempty"`
}

// IsEntry returns true if the stage has no predecessors
func (s *StageDefinition) IsEntry() bool {
	return len(s.Predecessors) == 0
}

// IsOpen returns true if the stage requires neither a role nor a permission
func (s *StageDefinition) IsOpen() bool {
	return len(s.Roles) == 0 && len(s.Permissions) == 0
}

// HasPredecessor returns true if stage is listed as a legal predecessor
func (s *StageDefinition) HasPredecessor(stage string) bool {
	for _, p := range s.Predecessors {
		if p == stage {
			return true
		}
	}
	return false
}

// DisplayName returns the label, falling back to the stage name
func (s *StageDefinition) DisplayName() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// FiresFrom returns true if the action may be taken while an instance sits on stage
func (a *ActionDefinition) FiresFrom(stage string) bool {
	if len(a.From) == 0 {
		return true
	}
	for _, f := range a.From {
		if f == stage {
			return true
		}
	}
	return false
}

// MissingData returns the required keys absent from data
func (a *ActionDefinition) MissingData(data map[string]interface{}) []string {
	var missing []string
	for _, key := range a.RequiresData {
		if _, ok := data[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Stage returns the stage with the given name
func (d *WorkflowDefinition) Stage(name string) (*StageDefinition, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// Action returns the action with the given name
func (d *WorkflowDefinition) Action(name string) (*ActionDefinition, bool) {
	for i := range d.Actions {
		if d.Actions[i].Name == name {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

// EntryStage returns the single stage without predecessors.
// It is only meaningful on a definition that passed Validate.
func (d *WorkflowDefinition) EntryStage() *StageDefinition {
	for i := range d.Stages {
		if d.Stages[i].IsEntry() {
			return &d.Stages[i]
		}
	}
	return nil
}

// Successors returns the names of stages that list stage as a predecessor
func (d *WorkflowDefinition) Successors(stage string) []string {
	var out []string
	for i := range d.Stages {
		if d.Stages[i].HasPredecessor(stage) {
			out = append(out, d.Stages[i].Name)
		}
	}
	return out
}

// Validate checks the structural invariants of the definition
func (d *WorkflowDefinition) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: workflow type is required", ErrInvalidDefinition)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s: at least one stage is required", ErrInvalidDefinition, d.Type)
	}

	names := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: %s: stage name is required", ErrInvalidDefinition, d.Type)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: %s: stage %q declared twice", ErrInvalidDefinition, d.Type, s.Name)
		}
		names[s.Name] = true
	}

	var entries []string
	terminals := 0
	for _, s := range d.Stages {
		if s.IsEntry() {
			entries = append(entries, s.Name)
		}
		if s.Terminal {
			terminals++
		}
		for _, p := range s.Predecessors {
			if !names[p] {
				return fmt.Errorf("%w: %s: stage %q lists unknown predecessor %q", ErrInvalidDefinition, d.Type, s.Name, p)
			}
			if p == s.Name {
				return fmt.Errorf("%w: %s: stage %q lists itself as predecessor", ErrInvalidDefinition, d.Type, s.Name)
			}
		}
	}
	if len(entries) != 1 {
		return fmt.Errorf("%w: %s: exactly one entry stage required, found %d %v", ErrInvalidDefinition, d.Type, len(entries), entries)
	}
	if terminals == 0 {
		return fmt.Errorf("%w: %s: at least one terminal stage is required", ErrInvalidDefinition, d.Type)
	}

	reached := map[string]bool{entries[0]: true}
	queue := []string{entries[0]}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range d.Successors(current) {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range d.Stages {
		if !reached[s.Name] {
			return fmt.Errorf("%w: %s: stage %q is unreachable from entry stage %q", ErrInvalidDefinition, d.Type, s.Name, entries[0])
		}
	}

	actions := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: %s: action name is required", ErrInvalidDefinition, d.Type)
		}
		if IsReservedAction(a.Name) {
			return fmt.Errorf("%w: %s: action name %q is reserved", ErrInvalidDefinition, d.Type, a.Name)
		}
		if actions[a.Name] {
			return fmt.Errorf("%w: %s: action %q declared twice", ErrInvalidDefinition, d.Type, a.Name)
		}
		actions[a.Name] = true

		target, ok := d.Stage(a.Target)
		if !ok {
			return fmt.Errorf("%w: %s: action %q targets unknown stage %q", ErrInvalidDefinition, d.Type, a.Name, a.Target)
		}
		if target.IsEntry() {
			return fmt.Errorf("%w: %s: action %q targets entry stage %q", ErrInvalidDefinition, d.Type, a.Name, a.Target)
		}
		for _, f := range a.From {
			if !target.HasPredecessor(f) {
				return fmt.Errorf("%w: %s: action %q fires from %q, which is not a predecessor of %q",
					ErrInvalidDefinition, d.Type, a.Name, f, a.Target)
			}
		}
	}

	return nil
}

// Clone returns a deep copy so registered definitions cannot be changed by their author
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	out := &WorkflowDefinition{
		Type:        d.Type,
		Name:        d.Name,
		Description: d.Description,
		Stages:      make([]StageDefinition, len(d.Stages)),
		Actions:     make([]ActionDefinition, len(d.Actions)),
	}
	for i, s := range d.Stages {
		out.Stages[i] = StageDefinition{
			Name:         s.Name,
			Label:        s.Label,
			Permissions:  append([]string(nil), s.Permissions...),
			Roles:        append([]string(nil), s.Roles...),
			Predecessors: append([]string(nil), s.Predecessors...),
			Terminal:     s.Terminal,
		}
	}
	for i, a := range d.Actions {
		out.Actions[i] = ActionDefinition{
			Name:         a.Name,
			Label:        a.Label,
			Target:       a.Target,
			From:         append([]string(nil), a.From...),
			RequiresData: append([]string(nil), a.RequiresData...),
		}
	}
	return out
}
