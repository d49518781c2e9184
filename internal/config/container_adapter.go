package config

import (
	"github.com/garyjia/stageflow/internal/container"
)

// ToContainerConfig converts the application Config to a container.Config.
// This provides a bridge between the file-based config loaded by viper
// and the container's configuration structure.
func (c *Config) ToContainerConfig() *container.Config {
	roleChats := make(map[string]string, len(c.Notification.Lark.RoleChats))
	for role, chat := range c.Notification.Lark.RoleChats {
		roleChats[role] = chat
	}

	return &container.Config{
		Database: container.DatabaseConfig{
			Driver:          c.Database.Driver,
			Path:            c.Database.Path,
			DSN:             c.Database.DSN,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
			BusyTimeout:     c.Database.BusyTimeout,
		},
		Workflow: container.WorkflowConfig{
			SingleActivePerReference: c.Workflow.SingleActivePerReference,
			Modules:                  append([]string(nil), c.Workflow.Modules...),
			DefinitionFiles:          append([]string(nil), c.Workflow.DefinitionFiles...),
		},
		Notification: container.NotificationConfig{
			Enabled:      c.Notification.Enabled,
			PollInterval: c.Notification.PollInterval,
			BatchSize:    c.Notification.BatchSize,
			MaxAttempts:  c.Notification.MaxAttempts,
			Lark: container.LarkConfig{
				AppID:      c.Notification.Lark.AppID,
				AppSecret:  c.Notification.Lark.AppSecret,
				UserIDType: c.Notification.Lark.UserIDType,
				RoleChats:  roleChats,
			},
		},
		ServiceName: c.Server.ServiceName,
	}
}
