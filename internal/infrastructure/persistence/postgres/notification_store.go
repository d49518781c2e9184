package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
)

const notificationColumns = `id, instance_id, workflow_type, stage, kind, recipient, title, message,
	status, attempts, last_error, created_at, sent_at`

// NotificationStore implements port.NotificationRepository on PostgreSQL
type NotificationStore struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationStore creates a new notification store
func NewNotificationStore(db *DB, logger *zap.Logger) *NotificationStore {
	return &NotificationStore{db: db, logger: logger}
}

// Create queues a stage notification
func (s *NotificationStore) Create(ctx context.Context, n *entity.StageNotification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = entity.NotificationStatusPending
	}

	err := s.db.executor(ctx).QueryRow(ctx, `
		INSERT INTO workflow_notifications (
			instance_id, workflow_type, stage, kind, recipient, title, message,
			status, attempts, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		n.InstanceID, n.WorkflowType, n.Stage, n.Kind, n.Recipient, n.Title, n.Message,
		n.Status, n.Attempts, n.LastError, n.CreatedAt.UTC(),
	).Scan(&n.ID)
	if err != nil {
		s.logger.Error("Failed to create notification", zap.Int64("instance_id", n.InstanceID), zap.Error(err))
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// GetPending returns up to limit pending notifications, oldest first
func (s *NotificationStore) GetPending(ctx context.Context, limit int) ([]*entity.StageNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+notificationColumns+` FROM workflow_notifications
		WHERE status = $1 ORDER BY created_at, id LIMIT $2`, entity.NotificationStatusPending, limit)
}

// GetByInstanceID returns every notification queued for an instance
func (s *NotificationStore) GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error) {
	return s.query(ctx, `SELECT `+notificationColumns+` FROM workflow_notifications
		WHERE instance_id = $1 ORDER BY created_at, id`, instanceID)
}

// MarkSent marks a notification as delivered
func (s *NotificationStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.executor(ctx).Exec(ctx, `
		UPDATE workflow_notifications
		SET status = $1, sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $3`, entity.NotificationStatusSent, time.Now().UTC(), id)
	if err != nil {
		s.logger.Error("Failed to mark notification sent", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkAttemptFailed records a failed delivery and fails the row at maxAttempts
func (s *NotificationStore) MarkAttemptFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	_, err := s.db.executor(ctx).Exec(ctx, `
		UPDATE workflow_notifications
		SET attempts = attempts + 1,
			last_error = $1,
			status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
		WHERE id = $4`, errMsg, maxAttempts, entity.NotificationStatusFailed, id)
	if err != nil {
		s.logger.Error("Failed to record notification failure", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to record notification failure: %w", err)
	}
	return nil
}

func (s *NotificationStore) query(ctx context.Context, query string, args ...any) ([]*entity.StageNotification, error) {
	rows, err := s.db.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to query notifications", zap.Error(err))
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*entity.StageNotification, 0)
	for rows.Next() {
		var n entity.StageNotification
		if err := rows.Scan(
			&n.ID, &n.InstanceID, &n.WorkflowType, &n.Stage, &n.Kind, &n.Recipient,
			&n.Title, &n.Message, &n.Status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.SentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// Verify interface compliance
var _ port.NotificationRepository = (*NotificationStore)(nil)
