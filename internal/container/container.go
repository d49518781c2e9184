package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	"github.com/garyjia/stageflow/internal/application/service"
	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/event"
	"github.com/garyjia/stageflow/internal/infrastructure/worker"
)

// Container manages all application dependencies and lifecycle.
type Container struct {
	config *Config
	logger *zap.Logger

	database *DatabaseBundle
	engine   *EngineBundle
	services *ServiceBundle

	workers            *worker.Manager
	notificationWorker *worker.NotificationWorker

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Notification service.NotificationService
	Report       service.ReportService
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and begins processing.
// Components are initialized in dependency order:
// 1. Database and stores
// 2. Notification delivery (sender, service, worker)
// 3. Registry, dispatcher and workflow engine with modules
// 4. Report service
// 5. Workers
func (c *Container) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errors.New("container has been closed")
	}
	if c.ready.Load() {
		return errors.New("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	// Step 1: Initialize database and stores
	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.logger.Info("Database initialized", zap.String("driver", c.config.Database.Driver))

	// Step 2: Initialize notification delivery
	if err := c.initNotifications(); err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}

	// Step 3: Initialize dispatcher and workflow engine
	if err := c.initEngine(); err != nil {
		return fmt.Errorf("failed to initialize workflow engine: %w", err)
	}
	c.logger.Info("Workflow engine initialized", zap.Strings("workflows", c.engine.Engine.WorkflowTypes()))

	// Step 4: Initialize services that read through the engine
	if err := c.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 5: Start workers
	if err := c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	c.logger.Info("Workers started", zap.Int("count", c.workers.WorkerCount()))

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errors.New("container already closed")
	}

	c.logger.Info("Closing container")
	err := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Container closed successfully")
	return nil
}

// teardown releases whatever Start managed to build, newest first
func (c *Container) teardown() error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.workers != nil && c.workers.IsRunning() {
		if err := c.workers.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	if c.engine != nil {
		if err := c.engine.Dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}

	if c.database != nil && c.database.Close != nil {
		if err := c.database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		} else {
			c.logger.Info("Database closed")
		}
		c.database = nil
	}

	return errors.Join(errs...)
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, h ComponentHealth) {
		status.Components[name] = h
		if !h.Healthy {
			status.Overall = false
		}
	}

	if c.database == nil {
		set("database", ComponentHealth{Message: "not initialized"})
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.database.Ping(pingCtx); err != nil {
			set("database", ComponentHealth{Message: fmt.Sprintf("ping failed: %v", err)})
		} else {
			set("database", ComponentHealth{Healthy: true})
		}
	}

	if c.engine == nil {
		set("engine", ComponentHealth{Message: "not initialized"})
	} else {
		set("engine", ComponentHealth{
			Healthy: true,
			Message: fmt.Sprintf("%d workflow types", len(c.engine.Engine.WorkflowTypes())),
		})
	}

	if c.workers == nil {
		set("workers", ComponentHealth{Message: "not initialized"})
	} else {
		set("workers", ComponentHealth{
			Healthy: c.workers.IsRunning() || c.workers.WorkerCount() == 0,
			Message: fmt.Sprintf("worker count: %d", c.workers.WorkerCount()),
		})
	}

	return status
}

func (c *Container) initDatabase() error {
	bundle, err := ProvideDatabase(c.ctx, &c.config.Database, c.logger)
	if err != nil {
		return err
	}
	c.database = bundle
	return nil
}

// initNotifications builds the delivery service and worker. The worker starts with the others in Start.
func (c *Container) initNotifications() error {
	cfg := &c.config.Notification
	sender := ProvideNotificationSender(&cfg.Lark, c.logger)

	notifications, err := ProvideNotificationService(c.database, sender, cfg.MaxAttempts, c.logger)
	if err != nil {
		return err
	}
	c.services = &ServiceBundle{Notification: notifications}

	c.workers = worker.NewManager(c.logger.Named("workers"))
	if cfg.Enabled {
		c.notificationWorker = ProvideNotificationWorker(cfg, notifications, c.logger)
		c.workers.Register(c.notificationWorker)
	}
	return nil
}

func (c *Container) initEngine() error {
	listeners := []workflow.EventListener{transitionLogger(c.logger.Named("events"))}
	if c.notificationWorker != nil {
		w := c.notificationWorker
		listeners = append(listeners, func(ctx context.Context, evt *event.Event) {
			if evt.Type != event.TypeTransitionRejected {
				w.Wake()
			}
		})
	}

	bundle, err := ProvideEngine(&EngineDeps{
		Database:  c.database,
		Workflow:  &c.config.Workflow,
		Listeners: listeners,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}
	c.engine = bundle
	return nil
}

func (c *Container) initServices() error {
	report, err := ProvideReportService(c.engine.Engine, c.database, c.logger)
	if err != nil {
		return err
	}
	c.services.Report = report
	return nil
}

// WorkflowEngine returns the workflow engine.
func (c *Container) WorkflowEngine() workflow.WorkflowEngine {
	return c.engine.Engine
}

// Dispatcher returns the action dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.engine.Dispatcher
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.Manager {
	return c.workers
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *Config {
	return c.config
}
