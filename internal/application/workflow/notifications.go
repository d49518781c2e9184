package workflow

import (
	"context"
	"fmt"

	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// enqueueStageEntry writes one outbox row per role required by stage.
// It runs inside the transition's transaction, so a failed write aborts the transition.
func (e *engineImpl) enqueueStageEntry(ctx context.Context, def *domainwf.WorkflowDefinition, instance *entity.WorkflowInstance, stage *domainwf.StageDefinition) error {
	if e.notifications == nil || stage.Terminal {
		return nil
	}

	for _, role := range stage.Roles {
		n := &entity.StageNotification{
			InstanceID:   instance.ID,
			WorkflowType: def.Type,
			Stage:        stage.Name,
			Kind:         entity.NotificationKindStageEntry,
			Recipient:    entity.RecipientRolePrefix + role,
			Title:        fmt.Sprintf("Action Required: %s", definitionName(def)),
			Message: fmt.Sprintf("Stage '%s' requires your attention (%s %s).",
				stage.DisplayName(), instance.ReferenceType, instance.ReferenceID),
			Status:    entity.NotificationStatusPending,
			CreatedAt: e.now(),
		}
		if err := e.notifications.Create(ctx, n); err != nil {
			return fmt.Errorf("failed to enqueue stage notification: %w", err)
		}
	}

	return nil
}

// enqueueCompletion tells the actor who started the instance that it completed
func (e *engineImpl) enqueueCompletion(ctx context.Context, def *domainwf.WorkflowDefinition, instance *entity.WorkflowInstance) error {
	if e.notifications == nil || instance.StartedBy == "" {
		return nil
	}

	n := &entity.StageNotification{
		InstanceID:   instance.ID,
		WorkflowType: def.Type,
		Stage:        instance.CurrentStage,
		Kind:         entity.NotificationKindStageComplete,
		Recipient:    entity.RecipientUserPrefix + instance.StartedBy,
		Title:        "Workflow Completed",
		Message:      fmt.Sprintf("The %s workflow has been completed successfully.", definitionName(def)),
		Status:       entity.NotificationStatusPending,
		CreatedAt:    e.now(),
	}
	if err := e.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to enqueue completion notification: %w", err)
	}

	return nil
}

func definitionName(def *domainwf.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.Type
}
