package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STAGEFLOW_SERVER_PORT
const EnvPrefix = "STAGEFLOW"

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ServiceName  string        `mapstructure:"service_name"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

// WorkflowConfig controls which definitions are registered and the duplicate-active policy
type WorkflowConfig struct {
	SingleActivePerReference bool     `mapstructure:"single_active_per_reference"`
	Modules                  []string `mapstructure:"modules"`
	DefinitionFiles          []string `mapstructure:"definition_files"`
}

// NotificationConfig holds stage notification delivery configuration
type NotificationConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Lark         LarkConfig    `mapstructure:"lark"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	AppID      string            `mapstructure:"app_id"`
	AppSecret  string            `mapstructure:"app_secret"`
	UserIDType string            `mapstructure:"user_id_type"`
	RoleChats  map[string]string `mapstructure:"role_chats"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from the YAML file at configPath (optional) and
// STAGEFLOW_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.service_name", "stageflow")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/stageflow.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("workflow.single_active_per_reference", true)
	v.SetDefault("workflow.modules", []string{"admission", "procurement"})
	v.SetDefault("workflow.definition_files", []string{})

	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.poll_interval", 10*time.Second)
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.max_attempts", 5)
	v.SetDefault("notification.lark.app_id", "")
	v.SetDefault("notification.lark.app_secret", "")
	v.SetDefault("notification.lark.user_id_type", "user_id")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the conventional Lark credential variables
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("notification.lark.app_id", EnvPrefix+"_NOTIFICATION_LARK_APP_ID", "LARK_APP_ID")
	_ = v.BindEnv("notification.lark.app_secret", EnvPrefix+"_NOTIFICATION_LARK_APP_SECRET", "LARK_APP_SECRET")
	_ = v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN", "DATABASE_URL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver))
	}

	for _, m := range c.Workflow.Modules {
		if !isKnownModule(m) {
			errs = append(errs, fmt.Errorf("workflow.modules: unknown module %q", m))
		}
	}

	if c.Notification.Enabled {
		if c.Notification.PollInterval <= 0 {
			errs = append(errs, errors.New("notification.poll_interval must be positive"))
		}
		if c.Notification.BatchSize <= 0 {
			errs = append(errs, errors.New("notification.batch_size must be positive"))
		}
	}
	if (c.Notification.Lark.AppID == "") != (c.Notification.Lark.AppSecret == "") {
		errs = append(errs, errors.New("notification.lark.app_id and notification.lark.app_secret must be set together"))
	}

	return errors.Join(errs...)
}

// KnownModules lists the built-in workflow modules
var KnownModules = []string{"admission", "procurement"}

func isKnownModule(name string) bool {
	for _, m := range KnownModules {
		if m == name {
			return true
		}
	}
	return false
}
