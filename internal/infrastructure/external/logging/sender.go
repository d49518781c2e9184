// Package logging provides a notification sender that only writes log lines.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
)

// Sender logs notifications instead of delivering them. It is used when no
// messaging backend is configured.
type Sender struct {
	logger *zap.Logger
}

// NewSender creates a new logging sender
func NewSender(logger *zap.Logger) *Sender {
	return &Sender{logger: logger}
}

// Send writes the notification to the log and always succeeds
func (s *Sender) Send(ctx context.Context, n *entity.StageNotification) error {
	s.logger.Info("Stage notification",
		zap.Int64("notification_id", n.ID),
		zap.Int64("instance_id", n.InstanceID),
		zap.String("workflow_type", n.WorkflowType),
		zap.String("stage", n.Stage),
		zap.String("kind", n.Kind),
		zap.String("recipient", n.Recipient),
		zap.String("title", n.Title),
		zap.String("message", n.Message))
	return nil
}

// Verify interface compliance
var _ port.NotificationSender = (*Sender)(nil)
