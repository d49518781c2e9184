package workflow

// DefinitionBuilder builds a WorkflowDefinition in Go code
type DefinitionBuilder interface {
	// Describe sets the human readable name and description
	Describe(name, description string) DefinitionBuilder

	// Configure returns the configuration for the given stage, declaring it on first use
	Configure(stage string) StageConfiguration

	// Action declares an action moving an instance to target
	Action(name, target string) ActionConfiguration

	// Build validates and returns the definition
	Build() (*WorkflowDefinition, error)
}

// StageConfiguration configures a single stage
type StageConfiguration interface {
	Label(label string) StageConfiguration
	From(predecessors ...string) StageConfiguration
	Roles(roles ...string) StageConfiguration
	Permissions(permissions ...string) StageConfiguration
	Terminal() StageConfiguration
}

// ActionConfiguration configures a single action
type ActionConfiguration interface {
	Label(label string) ActionConfiguration
	From(stages ...string) ActionConfiguration
	RequiresData(keys ...string) ActionConfiguration
}

// definitionBuilder implements DefinitionBuilder
type definitionBuilder struct {
	def    WorkflowDefinition
	stages map[string]int
}

// stageConfig implements StageConfiguration
type stageConfig struct {
	builder *definitionBuilder
	index   int
}

// actionConfig implements ActionConfiguration
type actionConfig struct {
	builder *definitionBuilder
	index   int
}

// NewBuilder creates a builder for the given workflow type
func NewBuilder(workflowType string) DefinitionBuilder {
	return &definitionBuilder{
		def:    WorkflowDefinition{Type: workflowType, Name: workflowType},
		stages: make(map[string]int),
	}
}

func (b *definitionBuilder) Describe(name, description string) DefinitionBuilder {
	b.def.Name = name
	b.def.Description = description
	return b
}

func (b *definitionBuilder) Configure(stage string) StageConfiguration {
	index, exists := b.stages[stage]
	if !exists {
		b.def.Stages = append(b.def.Stages, StageDefinition{Name: stage})
		index = len(b.def.Stages) - 1
		b.stages[stage] = index
	}
	return &stageConfig{builder: b, index: index}
}

func (b *definitionBuilder) Action(name, target string) ActionConfiguration {
	b.def.Actions = append(b.def.Actions, ActionDefinition{Name: name, Target: target})
	return &actionConfig{builder: b, index: len(b.def.Actions) - 1}
}

// Build validates the accumulated definition and returns a copy of it
func (b *definitionBuilder) Build() (*WorkflowDefinition, error) {
	def := b.def.Clone()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (c *stageConfig) stage() *StageDefinition {
	return &c.builder.def.Stages[c.index]
}

func (c *stageConfig) Label(label string) StageConfiguration {
	c.stage().Label = label
	return c
}

func (c *stageConfig) From(predecessors ...string) StageConfiguration {
	c.stage().Predecessors = append(c.stage().Predecessors, predecessors...)
	return c
}

func (c *stageConfig) Roles(roles ...string) StageConfiguration {
	c.stage().Roles = append(c.stage().Roles, roles...)
	return c
}

func (c *stageConfig) Permissions(permissions ...string) StageConfiguration {
	c.stage().Permissions = append(c.stage().Permissions, permissions...)
	return c
}

func (c *stageConfig) Terminal() StageConfiguration {
	c.stage().Terminal = true
	return c
}

func (c *actionConfig) Label(label string) ActionConfiguration {
	c.builder.def.Actions[c.index].Label = label
	return c
}

func (c *actionConfig) RequiresData(keys ...string) ActionConfiguration {
	a := &c.builder.def.Actions[c.index]
	a.RequiresData = append(a.RequiresData, keys...)
	return c
}

func (c *actionConfig) From(stages ...string) ActionConfiguration {
	a := &c.builder.def.Actions[c.index]
	a.From = append(a.From, stages...)
	return c
}
