package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "stageflow.db")
	cfg.Workflow.DefinitionFiles = []string{"../../configs/workflows"}
	// deliveries are driven by Wake, not by the ticker
	cfg.Notification.PollInterval = time.Hour
	return cfg
}

func TestNewContainer_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewContainer(nil, logger)
	assert.Error(t, err)

	_, err = NewContainer(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Workflow.Modules = []string{"payroll"}
	_, err = NewContainer(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payroll")
}

func TestContainer_Lifecycle(t *testing.T) {
	c, err := NewContainer(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, c.Ready())

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())
	assert.Error(t, c.Start(context.Background()), "second start")

	types := c.WorkflowEngine().WorkflowTypes()
	assert.ElementsMatch(t, []string{"admission", "procurement", "leave_request"}, types)

	health := c.Health(context.Background())
	assert.True(t, health.Overall)
	assert.True(t, health.Components["database"].Healthy)
	assert.True(t, health.Components["workers"].Healthy)
	assert.Equal(t, 1, c.Workers().WorkerCount())

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Error(t, c.Close(), "second close")
	assert.Error(t, c.Start(context.Background()), "start after close")
}

func TestContainer_DeliversStageNotifications(t *testing.T) {
	c, err := NewContainer(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	engine := c.WorkflowEngine()

	started, err := engine.Initiate(ctx, workflow.InitiateRequest{
		WorkflowType:  "leave_request",
		ReferenceType: "leave",
		ReferenceID:   "LV-1",
		Actor:         domainwf.Actor{ID: "u-staff"},
	})
	require.NoError(t, err)
	require.True(t, started.IsSuccess())

	manager := domainwf.Actor{ID: "u-manager", Roles: []string{"line_manager"}}
	advanced, err := engine.Advance(ctx, started.InstanceID, manager, "approve", nil)
	require.NoError(t, err)
	assert.Equal(t, "manager_approved", advanced.CurrentStage)

	svc := c.Services().Notification
	assert.Eventually(t, func() bool {
		list, err := svc.ListForInstance(ctx, started.InstanceID)
		if err != nil || len(list) == 0 {
			return false
		}
		for _, n := range list {
			if n.Status != entity.NotificationStatusSent {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestContainer_NotificationsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notification.Enabled = false

	c, err := NewContainer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, 0, c.Workers().WorkerCount())
	assert.True(t, c.Health(context.Background()).Overall)
	assert.NotNil(t, c.Services().Report)
}

func TestContainer_StartFailureReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.DefinitionFiles = []string{filepath.Join(t.TempDir(), "missing.yaml")}

	c, err := NewContainer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.False(t, c.Ready())
	assert.False(t, c.Health(context.Background()).Overall)
}

func TestModuleNames(t *testing.T) {
	assert.Equal(t, []string{"admission", "procurement"}, ModuleNames())
}
