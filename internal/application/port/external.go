package port

import (
	"context"
	"io"

	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// NotificationSender delivers a stage notification to its recipient
type NotificationSender interface {
	Send(ctx context.Context, notification *entity.StageNotification) error
}

// HistoryExporter renders an instance's audit trail as a document
type HistoryExporter interface {
	Export(w io.Writer, def *workflow.WorkflowDefinition, instance *entity.WorkflowInstance, records []*entity.TransitionRecord) error
}
