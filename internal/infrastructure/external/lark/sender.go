package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
)

const (
	receiveIDTypeChat      = "chat_id"
	defaultUserIDType      = "user_id"
	messageTypeInteractive = "interactive"
)

// Sender implements port.NotificationSender on top of Lark messages.
// Role recipients go to the chat configured for the role, user
// recipients are messaged directly.
type Sender struct {
	creator    MessageCreator
	roleChats  map[string]string
	userIDType string
	logger     *zap.Logger
}

// NewSender creates a new Lark notification sender
func NewSender(creator MessageCreator, cfg Config, logger *zap.Logger) *Sender {
	userIDType := cfg.UserIDType
	if userIDType == "" {
		userIDType = defaultUserIDType
	}
	chats := make(map[string]string, len(cfg.RoleChats))
	for role, chat := range cfg.RoleChats {
		chats[strings.ToLower(role)] = chat
	}
	return &Sender{
		creator:    creator,
		roleChats:  chats,
		userIDType: userIDType,
		logger:     logger,
	}
}

// Send delivers one notification as an interactive card
func (s *Sender) Send(ctx context.Context, n *entity.StageNotification) error {
	receiveIDType, receiveID, err := s.resolve(n.Recipient)
	if err != nil {
		return err
	}

	content, err := buildCard(n)
	if err != nil {
		return err
	}

	messageID, err := s.creator.CreateMessage(ctx, receiveIDType, receiveID, messageTypeInteractive, content)
	if err != nil {
		return fmt.Errorf("failed to deliver notification %d: %w", n.ID, err)
	}

	s.logger.Info("Notification delivered",
		zap.Int64("notification_id", n.ID),
		zap.Int64("instance_id", n.InstanceID),
		zap.String("recipient", n.Recipient),
		zap.String("message_id", messageID))
	return nil
}

func (s *Sender) resolve(recipient string) (string, string, error) {
	switch {
	case strings.HasPrefix(recipient, entity.RecipientRolePrefix):
		role := strings.TrimPrefix(recipient, entity.RecipientRolePrefix)
		chat, ok := s.roleChats[strings.ToLower(role)]
		if !ok || chat == "" {
			return "", "", fmt.Errorf("no chat configured for role %q", role)
		}
		return receiveIDTypeChat, chat, nil
	case strings.HasPrefix(recipient, entity.RecipientUserPrefix):
		user := strings.TrimPrefix(recipient, entity.RecipientUserPrefix)
		if user == "" {
			return "", "", fmt.Errorf("empty user recipient")
		}
		return s.userIDType, user, nil
	default:
		return "", "", fmt.Errorf("unsupported recipient %q", recipient)
	}
}

// buildCard renders a minimal message card with the notification title as header
func buildCard(n *entity.StageNotification) (string, error) {
	card := map[string]interface{}{
		"config": map[string]interface{}{"wide_screen_mode": true},
		"header": map[string]interface{}{
			"template": headerTemplate(n.Kind),
			"title":    map[string]interface{}{"tag": "plain_text", "content": n.Title},
		},
		"elements": []interface{}{
			map[string]interface{}{
				"tag":  "div",
				"text": map[string]interface{}{"tag": "lark_md", "content": n.Message},
			},
			map[string]interface{}{
				"tag": "note",
				"elements": []interface{}{
					map[string]interface{}{
						"tag":     "plain_text",
						"content": fmt.Sprintf("%s #%d · %s", n.WorkflowType, n.InstanceID, n.Stage),
					},
				},
			},
		},
	}

	b, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("failed to marshal card content: %w", err)
	}
	return string(b), nil
}

func headerTemplate(kind string) string {
	if kind == entity.NotificationKindStageComplete {
		return "green"
	}
	return "blue"
}

// Verify interface compliance
var _ port.NotificationSender = (*Sender)(nil)
