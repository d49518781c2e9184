package workflow

import (
	"context"

	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/event"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// WorkflowEngine executes stage transitions for every registered workflow type
type WorkflowEngine interface {
	// RegisterModule registers a definition together with its action handlers
	RegisterModule(module Module) error

	// Initiate creates an instance on the entry stage of the workflow type
	Initiate(ctx context.Context, req InitiateRequest) (*Result, error)

	// Advance moves an instance to the stage targeted by action
	Advance(ctx context.Context, instanceID int64, actor domainwf.Actor, action string, data map[string]interface{}) (*Result, error)

	// Cancel marks an active instance cancelled from any stage
	Cancel(ctx context.Context, instanceID int64, actor domainwf.Actor, reason string) (*Result, error)

	// Fail marks an active instance failed from any stage
	Fail(ctx context.Context, instanceID int64, actor domainwf.Actor, reason string) (*Result, error)

	// Complete marks an active instance sitting on a terminal stage as completed
	Complete(ctx context.Context, instanceID int64, actor domainwf.Actor, data map[string]interface{}) (*Result, error)

	// Status returns the current stage, the actions open to actor and the history
	Status(ctx context.Context, instanceID int64, actor domainwf.Actor) (*StatusView, error)

	// ListByStage returns instances of workflowType currently on stage
	ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error)

	// ListByReference returns every instance tracking the business entity
	ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error)

	// List returns instances matching filter
	List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error)

	// History returns the audit trail of an instance
	History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error)

	// Definition returns the registered definition of workflowType
	Definition(workflowType string) (*domainwf.WorkflowDefinition, error)

	// WorkflowTypes returns the registered workflow types
	WorkflowTypes() []string
}

// InitiateRequest carries the arguments of Initiate
type InitiateRequest struct {
	WorkflowType  string
	ReferenceType string
	ReferenceID   string
	Actor         domainwf.Actor
	Data          map[string]interface{}
}

// EventListener observes committed transitions and rejected attempts
type EventListener func(ctx context.Context, evt *event.Event)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
