package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/event"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

const tracerName = "github.com/garyjia/stageflow/internal/application/workflow"

// engineImpl is the concrete implementation of WorkflowEngine
type engineImpl struct {
	registry      *domainwf.Registry
	store         port.InstanceStore
	audit         port.AuditTrail
	txManager     port.TransactionManager
	dispatcher    dispatcher.Dispatcher
	notifications port.NotificationRepository

	logger       Logger
	tracer       trace.Tracer
	listeners    []EventListener
	singleActive bool
	now          func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithLogger sets the engine logger
func WithLogger(logger Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = logger
	}
}

// WithNotifications enables the stage notification outbox
func WithNotifications(repo port.NotificationRepository) EngineOption {
	return func(e *engineImpl) {
		e.notifications = repo
	}
}

// WithSingleActivePerReference sets whether a reference may have only one active instance per type
func WithSingleActivePerReference(enabled bool) EngineOption {
	return func(e *engineImpl) {
		e.singleActive = enabled
	}
}

// WithEventListener adds a listener called after each commit and rejection
func WithEventListener(listener EventListener) EngineOption {
	return func(e *engineImpl) {
		e.listeners = append(e.listeners, listener)
	}
}

// WithTracer overrides the global OpenTelemetry tracer
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *engineImpl) {
		e.tracer = tracer
	}
}

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) EngineOption {
	return func(e *engineImpl) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine
func NewEngine(
	registry *domainwf.Registry,
	store port.InstanceStore,
	audit port.AuditTrail,
	txManager port.TransactionManager,
	d dispatcher.Dispatcher,
	opts ...EngineOption,
) WorkflowEngine {
	e := &engineImpl{
		registry:     registry,
		store:        store,
		audit:        audit,
		txManager:    txManager,
		dispatcher:   d,
		logger:       nopLogger{},
		tracer:       otel.Tracer(tracerName),
		singleActive: true,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Initiate creates an instance on the entry stage, runs the entry handler and
// records the initiation, all in one transaction
func (e *engineImpl) Initiate(ctx context.Context, req InitiateRequest) (result *Result, err error) {
	ctx, span := e.startSpan(ctx, "workflow.initiate",
		attribute.String("workflow.type", req.WorkflowType),
		attribute.String("workflow.reference_type", req.ReferenceType),
		attribute.String("workflow.reference_id", req.ReferenceID),
		attribute.String("workflow.actor", req.Actor.ID),
	)
	defer func() { endSpan(span, err) }()

	def, err := e.registry.Lookup(req.WorkflowType)
	if err != nil {
		return NewResult(nil, nil, err), err
	}

	entry := def.EntryStage()
	if !req.Actor.Satisfies(entry) {
		err = fmt.Errorf("%w: actor %q may not start %s", domainwf.ErrForbidden, req.Actor.ID, def.Type)
		return NewResult(nil, nil, err), err
	}

	now := e.now()
	instance := &entity.WorkflowInstance{
		WorkflowType:  def.Type,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		CurrentStage:  entry.Name,
		Status:        domainwf.StatusActive,
		Data:          entity.CopyData(req.Data),
		StartedBy:     req.Actor.ID,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if e.singleActive {
			existing, err := e.store.FindActive(txCtx, def.Type, req.ReferenceType, req.ReferenceID)
			if err != nil {
				return fmt.Errorf("failed to check active instances: %w", err)
			}
			if existing != nil {
				return fmt.Errorf("%w: %s %s/%s is tracked by instance %d",
					domainwf.ErrDuplicateActiveInstance, def.Type, req.ReferenceType, req.ReferenceID, existing.ID)
			}
		}

		if err := e.store.Create(txCtx, instance); err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		delta := entity.CopyData(instance.Data)
		entryAction := domainwf.EntryAction(entry.Name)
		if e.dispatcher.HasHandler(def.Type, entryAction) {
			patch, err := e.dispatcher.Dispatch(txCtx, def.Type, entryAction, dispatcher.NewInstanceView(instance), req.Data)
			if err != nil {
				return err
			}
			if len(patch) > 0 {
				updated, err := e.store.CompareAndUpdate(txCtx, port.InstanceUpdate{
					ID:              instance.ID,
					ExpectedStage:   entry.Name,
					ExpectedVersion: instance.Version,
					NewStage:        entry.Name,
					NewStatus:       domainwf.StatusActive,
					Patch:           patch,
				})
				if err != nil {
					return err
				}
				instance = updated
				delta = entity.MergeData(delta, patch)
			}
		}

		record := &entity.TransitionRecord{
			InstanceID: instance.ID,
			FromStage:  nil,
			ToStage:    entry.Name,
			ActorID:    req.Actor.ID,
			Action:     domainwf.ActionInitiate,
			Outcome:    entity.OutcomeApplied,
			DataDelta:  delta,
			Timestamp:  now,
		}
		if err := e.appendRecord(txCtx, record); err != nil {
			return err
		}

		return e.enqueueStageEntry(txCtx, def, instance, entry)
	})
	if err != nil {
		e.logger.Error("Initiate failed",
			"workflow_type", def.Type,
			"reference_type", req.ReferenceType,
			"reference_id", req.ReferenceID,
			"error", err,
		)
		return NewResult(nil, nil, err), err
	}

	e.logger.Info("Workflow initiated",
		"instance_id", instance.ID,
		"workflow_type", def.Type,
		"stage", instance.CurrentStage,
		"actor", req.Actor.ID,
	)
	e.emit(ctx, event.TypeInstanceInitiated, instance, req.Actor.ID, map[string]interface{}{
		"reference_type": req.ReferenceType,
		"reference_id":   req.ReferenceID,
	})

	return NewResult(instance, e.availableActions(def, instance, req.Actor), nil), nil
}

// Advance validates the action, runs its handler and commits the stage change,
// payload patch and audit record as one unit
func (e *engineImpl) Advance(ctx context.Context, instanceID int64, actor domainwf.Actor, action string, data map[string]interface{}) (result *Result, err error) {
	ctx, span := e.startSpan(ctx, "workflow.advance",
		attribute.Int64("workflow.instance_id", instanceID),
		attribute.String("workflow.action", action),
		attribute.String("workflow.actor", actor.ID),
	)
	defer func() { endSpan(span, err) }()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return NewResult(nil, nil, err), err
	}

	if !instance.IsActive() {
		err = fmt.Errorf("%w: instance %d is %s", domainwf.ErrWorkflowNotActive, instance.ID, instance.Status)
		return e.rejected(ctx, instance, actor, action, instance.CurrentStage, err), err
	}

	def, err := e.registry.Lookup(instance.WorkflowType)
	if err != nil {
		return NewResult(instance, nil, err), err
	}

	actionDef, target, err := domainwf.NewMachine(def, instance.CurrentStage).Check(action, actor)
	if err != nil {
		toStage := instance.CurrentStage
		if a, ok := def.Action(action); ok {
			toStage = a.Target
		}
		return e.rejected(ctx, instance, actor, action, toStage, err), err
	}

	if missing := actionDef.MissingData(data); len(missing) > 0 {
		err = fmt.Errorf("%w: action %q requires %v", domainwf.ErrInvalidRequest, action, missing)
		return e.rejected(ctx, instance, actor, action, target.Name, err), err
	}

	patch, err := e.dispatcher.Dispatch(ctx, def.Type, action, dispatcher.NewInstanceView(instance), data)
	if err != nil {
		return e.rejected(ctx, instance, actor, action, target.Name, err), err
	}

	newStatus := domainwf.StatusActive
	if target.Terminal {
		newStatus = domainwf.StatusCompleted
	}

	fromStage := instance.CurrentStage
	var updated *entity.WorkflowInstance
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = e.store.CompareAndUpdate(txCtx, port.InstanceUpdate{
			ID:              instance.ID,
			ExpectedStage:   fromStage,
			ExpectedVersion: instance.Version,
			NewStage:        target.Name,
			NewStatus:       newStatus,
			Patch:           patch,
		})
		if err != nil {
			return err
		}

		record := &entity.TransitionRecord{
			InstanceID: instance.ID,
			FromStage:  &fromStage,
			ToStage:    target.Name,
			ActorID:    actor.ID,
			Action:     action,
			Outcome:    entity.OutcomeApplied,
			DataDelta:  entity.CopyData(patch),
			Timestamp:  e.now(),
		}
		if err := e.appendRecord(txCtx, record); err != nil {
			return err
		}

		if err := e.enqueueStageEntry(txCtx, def, updated, target); err != nil {
			return err
		}
		if newStatus == domainwf.StatusCompleted {
			return e.enqueueCompletion(txCtx, def, updated)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domainwf.ErrConcurrentModification) {
			return e.rejected(ctx, instance, actor, action, target.Name, err), err
		}
		e.logger.Error("Advance failed",
			"instance_id", instance.ID,
			"action", action,
			"error", err,
		)
		return NewResult(instance, nil, err), err
	}

	e.logger.Info("Workflow advanced",
		"instance_id", updated.ID,
		"workflow_type", def.Type,
		"from_stage", fromStage,
		"to_stage", updated.CurrentStage,
		"action", action,
		"actor", actor.ID,
	)
	e.emit(ctx, event.TypeInstanceAdvanced, updated, actor.ID, map[string]interface{}{
		"action":     action,
		"from_stage": fromStage,
	})
	if updated.Status == domainwf.StatusCompleted {
		e.emit(ctx, event.TypeInstanceCompleted, updated, actor.ID, map[string]interface{}{"action": action})
	}

	return NewResult(updated, e.availableActions(def, updated, actor), nil), nil
}

// Cancel marks the instance cancelled, bypassing the predecessor check
func (e *engineImpl) Cancel(ctx context.Context, instanceID int64, actor domainwf.Actor, reason string) (*Result, error) {
	return e.terminate(ctx, instanceID, actor, domainwf.ActionCancel, domainwf.StatusCancelled, entity.DataKeyCancellationReason, reason)
}

// Fail marks the instance failed, bypassing the predecessor check
func (e *engineImpl) Fail(ctx context.Context, instanceID int64, actor domainwf.Actor, reason string) (*Result, error) {
	return e.terminate(ctx, instanceID, actor, domainwf.ActionFail, domainwf.StatusFailed, entity.DataKeyFailureReason, reason)
}

func (e *engineImpl) terminate(ctx context.Context, instanceID int64, actor domainwf.Actor, action string, status domainwf.Status, reasonKey, reason string) (result *Result, err error) {
	ctx, span := e.startSpan(ctx, "workflow."+action,
		attribute.Int64("workflow.instance_id", instanceID),
		attribute.String("workflow.actor", actor.ID),
	)
	defer func() { endSpan(span, err) }()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return NewResult(nil, nil, err), err
	}

	if !instance.IsActive() {
		err = fmt.Errorf("%w: instance %d is %s", domainwf.ErrWorkflowNotActive, instance.ID, instance.Status)
		return e.rejected(ctx, instance, actor, action, instance.CurrentStage, err), err
	}
	if !actor.IsAuthenticated() {
		err = fmt.Errorf("%w: anonymous actor", domainwf.ErrForbidden)
		return e.rejected(ctx, instance, actor, action, instance.CurrentStage, err), err
	}

	patch := map[string]interface{}{reasonKey: reason}
	stage := instance.CurrentStage

	var updated *entity.WorkflowInstance
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = e.store.CompareAndUpdate(txCtx, port.InstanceUpdate{
			ID:              instance.ID,
			ExpectedStage:   stage,
			ExpectedVersion: instance.Version,
			NewStage:        stage,
			NewStatus:       status,
			Patch:           patch,
		})
		if err != nil {
			return err
		}

		return e.appendRecord(txCtx, &entity.TransitionRecord{
			InstanceID: instance.ID,
			FromStage:  &stage,
			ToStage:    stage,
			ActorID:    actor.ID,
			Action:     action,
			Outcome:    entity.OutcomeApplied,
			Reason:     reason,
			DataDelta:  patch,
			Timestamp:  e.now(),
		})
	})
	if err != nil {
		if errors.Is(err, domainwf.ErrConcurrentModification) {
			return e.rejected(ctx, instance, actor, action, stage, err), err
		}
		return NewResult(instance, nil, err), err
	}

	evtType := event.TypeInstanceCancelled
	if status == domainwf.StatusFailed {
		evtType = event.TypeInstanceFailed
	}
	e.logger.Info("Workflow terminated",
		"instance_id", updated.ID,
		"status", updated.Status,
		"stage", stage,
		"actor", actor.ID,
		"reason", reason,
	)
	e.emit(ctx, evtType, updated, actor.ID, map[string]interface{}{"reason": reason})

	return NewResult(updated, []ActionView{}, nil), nil
}

// Complete closes an active instance that already sits on a terminal stage
func (e *engineImpl) Complete(ctx context.Context, instanceID int64, actor domainwf.Actor, data map[string]interface{}) (result *Result, err error) {
	ctx, span := e.startSpan(ctx, "workflow.complete",
		attribute.Int64("workflow.instance_id", instanceID),
		attribute.String("workflow.actor", actor.ID),
	)
	defer func() { endSpan(span, err) }()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return NewResult(nil, nil, err), err
	}
	if !instance.IsActive() {
		err = fmt.Errorf("%w: instance %d is %s", domainwf.ErrWorkflowNotActive, instance.ID, instance.Status)
		return e.rejected(ctx, instance, actor, domainwf.ActionComplete, instance.CurrentStage, err), err
	}

	def, err := e.registry.Lookup(instance.WorkflowType)
	if err != nil {
		return NewResult(instance, nil, err), err
	}
	stage, ok := def.Stage(instance.CurrentStage)
	if !ok || !stage.Terminal {
		err = fmt.Errorf("%w: stage %q is not terminal", domainwf.ErrIllegalTransition, instance.CurrentStage)
		return e.rejected(ctx, instance, actor, domainwf.ActionComplete, instance.CurrentStage, err), err
	}
	if !actor.Satisfies(stage) {
		err = fmt.Errorf("%w: actor %q may not complete %q", domainwf.ErrForbidden, actor.ID, stage.Name)
		return e.rejected(ctx, instance, actor, domainwf.ActionComplete, instance.CurrentStage, err), err
	}

	completion := entity.CopyData(data)
	completion["completed_by"] = actor.ID
	completion["completed_at"] = e.now().UTC().Format(time.RFC3339)
	patch := map[string]interface{}{entity.DataKeyCompletion: completion}

	var updated *entity.WorkflowInstance
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = e.store.CompareAndUpdate(txCtx, port.InstanceUpdate{
			ID:              instance.ID,
			ExpectedStage:   stage.Name,
			ExpectedVersion: instance.Version,
			NewStage:        stage.Name,
			NewStatus:       domainwf.StatusCompleted,
			Patch:           patch,
		})
		if err != nil {
			return err
		}

		from := stage.Name
		if err := e.appendRecord(txCtx, &entity.TransitionRecord{
			InstanceID: instance.ID,
			FromStage:  &from,
			ToStage:    stage.Name,
			ActorID:    actor.ID,
			Action:     domainwf.ActionComplete,
			Outcome:    entity.OutcomeApplied,
			DataDelta:  patch,
			Timestamp:  e.now(),
		}); err != nil {
			return err
		}

		return e.enqueueCompletion(txCtx, def, updated)
	})
	if err != nil {
		if errors.Is(err, domainwf.ErrConcurrentModification) {
			return e.rejected(ctx, instance, actor, domainwf.ActionComplete, stage.Name, err), err
		}
		return NewResult(instance, nil, err), err
	}

	e.emit(ctx, event.TypeInstanceCompleted, updated, actor.ID, map[string]interface{}{"action": domainwf.ActionComplete})
	return NewResult(updated, []ActionView{}, nil), nil
}

// Status returns the read-only view of an instance for actor
func (e *engineImpl) Status(ctx context.Context, instanceID int64, actor domainwf.Actor) (view *StatusView, err error) {
	ctx, span := e.startSpan(ctx, "workflow.status", attribute.Int64("workflow.instance_id", instanceID))
	defer func() { endSpan(span, err) }()

	instance, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Lookup(instance.WorkflowType)
	if err != nil {
		return nil, err
	}
	history, err := e.audit.History(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	label := instance.CurrentStage
	if stage, ok := def.Stage(instance.CurrentStage); ok {
		label = stage.DisplayName()
	}

	return &StatusView{
		Instance:         instance,
		CurrentStage:     instance.CurrentStage,
		StageLabel:       label,
		AvailableActions: e.availableActions(def, instance, actor),
		History:          history,
	}, nil
}

// ListByStage returns instances of workflowType currently on stage
func (e *engineImpl) ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error) {
	def, err := e.registry.Lookup(workflowType)
	if err != nil {
		return nil, err
	}
	if _, ok := def.Stage(stage); !ok {
		return nil, fmt.Errorf("%w: %s has no stage %q", domainwf.ErrInvalidRequest, workflowType, stage)
	}
	return e.store.ListByStage(ctx, workflowType, stage)
}

// ListByReference returns every instance tracking the business entity
func (e *engineImpl) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error) {
	return e.store.ListByReference(ctx, referenceType, referenceID)
}

// List returns instances matching filter
func (e *engineImpl) List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", domainwf.ErrInvalidRequest, filter.Status)
	}
	return e.store.List(ctx, filter)
}

// History returns the audit trail of an instance
func (e *engineImpl) History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error) {
	if _, err := e.store.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.audit.History(ctx, instanceID)
}

// Definition returns the registered definition of workflowType
func (e *engineImpl) Definition(workflowType string) (*domainwf.WorkflowDefinition, error) {
	return e.registry.Lookup(workflowType)
}

// WorkflowTypes returns the registered workflow types
func (e *engineImpl) WorkflowTypes() []string {
	return e.registry.Types()
}

func (e *engineImpl) availableActions(def *domainwf.WorkflowDefinition, instance *entity.WorkflowInstance, actor domainwf.Actor) []ActionView {
	if !instance.IsActive() {
		return []ActionView{}
	}
	actions := domainwf.NewMachine(def, instance.CurrentStage).PermittedActions(actor)
	return NewActionViews(def, actions)
}

// appendRecord writes an audit record, escalating any failure as an audit failure
func (e *engineImpl) appendRecord(ctx context.Context, record *entity.TransitionRecord) error {
	if err := e.audit.Append(ctx, record); err != nil {
		if errors.Is(err, domainwf.ErrAuditWriteFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", domainwf.ErrAuditWriteFailed, err)
	}
	return nil
}

// rejected records a refused attempt outside any transaction and builds the failure result.
// The instance itself is never touched.
func (e *engineImpl) rejected(ctx context.Context, instance *entity.WorkflowInstance, actor domainwf.Actor, action, toStage string, cause error) *Result {
	from := instance.CurrentStage
	record := &entity.TransitionRecord{
		InstanceID: instance.ID,
		FromStage:  &from,
		ToStage:    toStage,
		ActorID:    actor.ID,
		Action:     action,
		Outcome:    entity.OutcomeRejected,
		Reason:     cause.Error(),
		DataDelta:  map[string]interface{}{},
		Timestamp:  e.now(),
	}
	if err := e.audit.Append(context.WithoutCancel(ctx), record); err != nil {
		e.logger.Error("Failed to record rejected transition",
			"instance_id", instance.ID,
			"action", action,
			"error", err,
		)
	}

	e.logger.Info("Transition rejected",
		"instance_id", instance.ID,
		"action", action,
		"actor", actor.ID,
		"error_kind", domainwf.KindOf(cause),
	)
	e.emit(ctx, event.TypeTransitionRejected, instance, actor.ID, map[string]interface{}{
		"action":     action,
		"error_kind": string(domainwf.KindOf(cause)),
	})

	return NewResult(instance, nil, cause)
}

func (e *engineImpl) emit(ctx context.Context, evtType event.Type, instance *entity.WorkflowInstance, actorID string, payload map[string]interface{}) {
	if len(e.listeners) == 0 {
		return
	}
	evt := event.NewEvent(evtType, instance.ID, instance.WorkflowType, instance.CurrentStage, actorID, payload)
	if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
		evt = evt.WithCorrelation(span.SpanContext().TraceID().String())
	}
	for _, listener := range e.listeners {
		listener(ctx, evt)
	}
}

func (e *engineImpl) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("workflow.error_kind", string(domainwf.KindOf(err))))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ WorkflowEngine = (*engineImpl)(nil)
