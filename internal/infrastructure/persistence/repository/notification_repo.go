package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/sqlite"
)

const notificationColumns = `
	id, instance_id, workflow_type, stage, kind, recipient, title, message,
	status, attempts, last_error, created_at, sent_at`

// NotificationRepository implements port.NotificationRepository
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) port.NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Create queues a stage notification
func (r *NotificationRepository) Create(ctx context.Context, notification *entity.StageNotification) error {
	query := `
		INSERT INTO workflow_notifications (
			instance_id, workflow_type, stage, kind, recipient, title, message,
			status, attempts, last_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	if notification.Status == "" {
		notification.Status = entity.NotificationStatusPending
	}

	result, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		notification.InstanceID,
		notification.WorkflowType,
		notification.Stage,
		notification.Kind,
		notification.Recipient,
		notification.Title,
		notification.Message,
		notification.Status,
		notification.Attempts,
		notification.LastError,
		notification.CreatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to create notification",
			zap.Int64("instance_id", notification.InstanceID),
			zap.String("recipient", notification.Recipient),
			zap.Error(err))
		return fmt.Errorf("failed to create notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	notification.ID = id
	return nil
}

// GetPending returns up to limit pending notifications, oldest first
func (r *NotificationRepository) GetPending(ctx context.Context, limit int) ([]*entity.StageNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + notificationColumns + ` FROM workflow_notifications
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`

	return r.query(ctx, query, entity.NotificationStatusPending, limit)
}

// GetByInstanceID returns every notification queued for an instance
func (r *NotificationRepository) GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM workflow_notifications
		WHERE instance_id = ?
		ORDER BY created_at ASC, id ASC`

	return r.query(ctx, query, instanceID)
}

// MarkSent marks a notification as delivered
func (r *NotificationRepository) MarkSent(ctx context.Context, id int64) error {
	query := `
		UPDATE workflow_notifications
		SET status = ?, sent_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ?
	`

	if _, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		entity.NotificationStatusSent, time.Now().UTC(), id); err != nil {
		r.logger.Error("Failed to mark notification sent", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkAttemptFailed records a failed delivery. The row stays pending until maxAttempts is reached.
func (r *NotificationRepository) MarkAttemptFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	query := `
		UPDATE workflow_notifications
		SET attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		WHERE id = ?
	`

	if _, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		errMsg, maxAttempts, entity.NotificationStatusFailed, id); err != nil {
		r.logger.Error("Failed to record notification failure", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to record notification failure: %w", err)
	}
	return nil
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*entity.StageNotification, error) {
	rows, err := sqlite.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query notifications", zap.Error(err))
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*entity.StageNotification, 0)
	for rows.Next() {
		var n entity.StageNotification
		var sentAt sql.NullTime

		if err := rows.Scan(
			&n.ID,
			&n.InstanceID,
			&n.WorkflowType,
			&n.Stage,
			&n.Kind,
			&n.Recipient,
			&n.Title,
			&n.Message,
			&n.Status,
			&n.Attempts,
			&n.LastError,
			&n.CreatedAt,
			&sentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if sentAt.Valid {
			n.SentAt = &sentAt.Time
		}
		notifications = append(notifications, &n)
	}

	return notifications, rows.Err()
}

// Verify interface compliance
var _ port.NotificationRepository = (*NotificationRepository)(nil)
