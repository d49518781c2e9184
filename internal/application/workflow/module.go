package workflow

import (
	"fmt"
	"sort"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// Module is what a domain module supplies at startup: its definition and handlers.
// Declared actions without a handler get DefaultHandler, or the passthrough
// handler that merges the request data into the payload.
type Module struct {
	Definition     *domainwf.WorkflowDefinition
	Handlers       map[string]dispatcher.HandlerFunc
	EntryHandlers  map[string]dispatcher.HandlerFunc
	DefaultHandler dispatcher.HandlerFunc
}

// RegisterModule registers the definition and every handler together so the
// registry's action map and the dispatcher's handler map never disagree
func (e *engineImpl) RegisterModule(module Module) error {
	def := module.Definition
	if def == nil {
		return fmt.Errorf("%w: module without definition", domainwf.ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	for action := range module.Handlers {
		if _, ok := def.Action(action); !ok {
			return fmt.Errorf("%w: %s: handler for undeclared action %q", domainwf.ErrInvalidDefinition, def.Type, action)
		}
	}
	for stage := range module.EntryHandlers {
		if _, ok := def.Stage(stage); !ok {
			return fmt.Errorf("%w: %s: entry handler for unknown stage %q", domainwf.ErrInvalidDefinition, def.Type, stage)
		}
	}

	actions := make([]string, 0, len(def.Actions))
	for _, a := range def.Actions {
		actions = append(actions, a.Name)
	}
	stages := make([]string, 0, len(module.EntryHandlers))
	for stage := range module.EntryHandlers {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	for _, action := range actions {
		if e.dispatcher.HasHandler(def.Type, action) {
			return fmt.Errorf("%w: %s/%s", domainwf.ErrDuplicateHandler, def.Type, action)
		}
	}
	for _, stage := range stages {
		if e.dispatcher.HasHandler(def.Type, domainwf.EntryAction(stage)) {
			return fmt.Errorf("%w: %s/%s", domainwf.ErrDuplicateHandler, def.Type, domainwf.EntryAction(stage))
		}
	}

	if err := e.registry.Register(def); err != nil {
		return err
	}

	fallback := module.DefaultHandler
	if fallback == nil {
		fallback = dispatcher.PassthroughHandler
	}
	for _, action := range actions {
		handler, ok := module.Handlers[action]
		if !ok {
			handler = fallback
		}
		if err := e.dispatcher.RegisterHandler(def.Type, action, handler); err != nil {
			return fmt.Errorf("failed to register handler %s/%s: %w", def.Type, action, err)
		}
	}
	for _, stage := range stages {
		if err := e.dispatcher.RegisterEntryHandler(def.Type, stage, module.EntryHandlers[stage]); err != nil {
			return fmt.Errorf("failed to register entry handler %s/%s: %w", def.Type, stage, err)
		}
	}

	e.logger.Info("Workflow module registered",
		"workflow_type", def.Type,
		"stages", len(def.Stages),
		"actions", len(def.Actions),
		"custom_handlers", len(module.Handlers),
	)

	return nil
}
