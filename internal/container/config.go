// Package container provides dependency injection and lifecycle management
// for the workflow service: ordered initialization and reverse-order teardown.
package container

import (
	"errors"
	"fmt"
	"time"
)

// Database drivers supported by ProvideDatabase
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the Container.
type Config struct {
	Database     DatabaseConfig
	Workflow     WorkflowConfig
	Notification NotificationConfig
	ServiceName  string
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string

	// Path to the SQLite database file
	Path string

	// DSN is the Postgres connection string
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// WorkflowConfig selects the definitions to register.
type WorkflowConfig struct {
	// SingleActivePerReference rejects a second active instance for one reference
	SingleActivePerReference bool

	// Modules names the built-in domain modules to register
	Modules []string

	// DefinitionFiles lists YAML definition files or directories
	DefinitionFiles []string
}

// NotificationConfig holds stage notification delivery settings.
type NotificationConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lark         LarkConfig
}

// LarkConfig holds Lark API settings. Delivery falls back to the log when AppID is empty.
type LarkConfig struct {
	AppID      string
	AppSecret  string
	UserIDType string
	RoleChats  map[string]string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			Path:            "data/stageflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Workflow: WorkflowConfig{
			SingleActivePerReference: true,
			Modules:                  []string{"admission", "procurement"},
		},
		Notification: NotificationConfig{
			Enabled:      true,
			PollInterval: 10 * time.Second,
			BatchSize:    50,
			MaxAttempts:  5,
			Lark: LarkConfig{
				UserIDType: "user_id",
			},
		},
		ServiceName: "stageflow",
	}
}

// Validate checks that required configuration values are present.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	for _, name := range c.Workflow.Modules {
		if _, ok := moduleFactories[name]; !ok {
			return fmt.Errorf("unknown workflow module %q", name)
		}
	}

	if c.Notification.Enabled && c.Notification.PollInterval <= 0 {
		return errors.New("notification.poll_interval must be positive")
	}

	return nil
}
