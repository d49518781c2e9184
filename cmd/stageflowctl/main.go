// Command stageflowctl inspects workflow definitions and drives instances
// against the configured database without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/config"
	"github.com/garyjia/stageflow/internal/container"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/pkg/utils"
)

var (
	configPath string
	actorID    string
	actorRoles []string
	actorPerms []string
	logLevel   string

	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:           "stageflowctl",
	Short:         "Inspect workflow definitions and instances",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = gotenv.Load()
		if configPath == "" {
			configPath = os.Getenv("STAGEFLOW_CONFIG")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (default $STAGEFLOW_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", envOr("STAGEFLOW_ACTOR", "cli"), "actor ID recorded in the audit trail")
	rootCmd.PersistentFlags().StringSliceVar(&actorRoles, "roles", nil, "roles held by the actor")
	rootCmd.PersistentFlags().StringSliceVar(&actorPerms, "permissions", nil, "permissions held by the actor")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for engine output on stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func currentActor() domainwf.Actor {
	return domainwf.Actor{ID: actorID, Roles: actorRoles, Permissions: actorPerms}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	return utils.NewLogger(utils.LoggerConfig{
		Level:      logLevel,
		OutputPath: "stderr",
		Format:     "console",
	})
}

// withContainer starts a container without the notification worker and closes it after fn
func withContainer(ctx context.Context, fn func(c *container.Container) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cc := cfg.ToContainerConfig()
	cc.Notification.Enabled = false

	c, err := container.NewContainer(cc, logger)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close container", zap.Error(err))
		}
	}()

	return fn(c)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
