package service

import (
	"context"
	"fmt"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
)

// DefaultMaxAttempts is the number of deliveries tried before a notification is marked failed
const DefaultMaxAttempts = 5

// DeliveryStats summarizes one delivery pass
type DeliveryStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// NotificationService delivers queued stage notifications
type NotificationService interface {
	// DeliverPending sends up to limit pending notifications
	DeliverPending(ctx context.Context, limit int) (DeliveryStats, error)

	// ListForInstance returns every notification queued for an instance
	ListForInstance(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error)
}

type notificationServiceImpl struct {
	notificationRepo port.NotificationRepository
	sender           port.NotificationSender
	maxAttempts      int
	logger           Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	notificationRepo port.NotificationRepository,
	sender port.NotificationSender,
	maxAttempts int,
	logger Logger,
) NotificationService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &notificationServiceImpl{
		notificationRepo: notificationRepo,
		sender:           sender,
		maxAttempts:      maxAttempts,
		logger:           logger,
	}
}

// DeliverPending sends pending notifications one by one. A failed send is
// recorded on the row and does not stop the pass.
func (s *notificationServiceImpl) DeliverPending(ctx context.Context, limit int) (DeliveryStats, error) {
	var stats DeliveryStats

	pending, err := s.notificationRepo.GetPending(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to load pending notifications", "error", err)
		return stats, fmt.Errorf("get pending notifications: %w", err)
	}

	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := s.sender.Send(ctx, n); err != nil {
			stats.Failed++
			s.logger.Error("Failed to send notification",
				"error", err,
				"notification_id", n.ID,
				"instance_id", n.InstanceID,
				"recipient", n.Recipient,
				"attempt", n.Attempts+1,
			)
			if markErr := s.notificationRepo.MarkAttemptFailed(ctx, n.ID, err.Error(), s.maxAttempts); markErr != nil {
				return stats, fmt.Errorf("record failed attempt: %w", markErr)
			}
			continue
		}

		if err := s.notificationRepo.MarkSent(ctx, n.ID); err != nil {
			return stats, fmt.Errorf("mark notification sent: %w", err)
		}
		stats.Sent++
	}

	if stats.Sent > 0 || stats.Failed > 0 {
		s.logger.Info("Notification delivery pass finished", "sent", stats.Sent, "failed", stats.Failed)
	}
	return stats, nil
}

// ListForInstance returns every notification queued for an instance
func (s *notificationServiceImpl) ListForInstance(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error) {
	notifications, err := s.notificationRepo.GetByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get notifications: %w", err)
	}
	return notifications, nil
}
