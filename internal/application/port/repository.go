package port

import (
	"context"

	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// InstanceUpdate describes one conditional write against a workflow instance.
// The write applies only if the stored instance still sits on ExpectedStage
// with status active and the stored version equals ExpectedVersion.
type InstanceUpdate struct {
	ID              int64
	ExpectedStage   string
	ExpectedVersion int64
	NewStage        string
	NewStatus       workflow.Status
	Patch           map[string]interface{}
}

// InstanceStore defines persistence operations for WorkflowInstance
type InstanceStore interface {
	// Create persists a new instance and assigns its ID
	Create(ctx context.Context, instance *entity.WorkflowInstance) error

	// Get returns the instance or workflow.ErrInstanceNotFound
	Get(ctx context.Context, id int64) (*entity.WorkflowInstance, error)

	// ListByStage returns instances of workflowType currently on stage
	ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error)

	// ListByReference returns every instance tracking the given business entity
	ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error)

	// List returns instances matching filter, newest first
	List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error)

	// FindActive returns the active instance for the reference, or nil if none exists
	FindActive(ctx context.Context, workflowType, referenceType, referenceID string) (*entity.WorkflowInstance, error)

	// CompareAndUpdate applies update atomically or fails with workflow.ErrConcurrentModification
	CompareAndUpdate(ctx context.Context, update InstanceUpdate) (*entity.WorkflowInstance, error)
}

// AuditTrail defines persistence operations for TransitionRecord
type AuditTrail interface {
	// Append stores a record; failures wrap workflow.ErrAuditWriteFailed
	Append(ctx context.Context, record *entity.TransitionRecord) error

	// History returns the records of an instance in chronological order
	History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error)
}

// NotificationRepository defines persistence operations for the stage notification outbox
type NotificationRepository interface {
	Create(ctx context.Context, notification *entity.StageNotification) error
	GetPending(ctx context.Context, limit int) ([]*entity.StageNotification, error)
	GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error)
	MarkSent(ctx context.Context, id int64) error

	// MarkAttemptFailed records a failed delivery and marks the row failed once maxAttempts is reached
	MarkAttemptFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
