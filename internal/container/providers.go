package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/application/service"
	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/event"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/infrastructure/definitions"
	"github.com/garyjia/stageflow/internal/infrastructure/export"
	infraLark "github.com/garyjia/stageflow/internal/infrastructure/external/lark"
	"github.com/garyjia/stageflow/internal/infrastructure/external/logging"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/repository"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/stageflow/internal/infrastructure/worker"
	"github.com/garyjia/stageflow/internal/modules/admission"
	"github.com/garyjia/stageflow/internal/modules/procurement"
	"github.com/garyjia/stageflow/pkg/database"
	"github.com/garyjia/stageflow/pkg/utils"
)

const tracerName = "github.com/garyjia/stageflow"

// moduleFactories maps module names accepted in configuration to their constructors
var moduleFactories = map[string]func() (workflow.Module, error){
	admission.WorkflowType:   func() (workflow.Module, error) { return admission.NewModule() },
	procurement.WorkflowType: func() (workflow.Module, error) { return procurement.NewModule() },
}

// ModuleNames returns the names of the built-in modules, sorted
func ModuleNames() []string {
	names := make([]string, 0, len(moduleFactories))
	for name := range moduleFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabaseBundle holds the stores of one backend plus its transaction manager.
type DatabaseBundle struct {
	Instances     port.InstanceStore
	Audit         port.AuditTrail
	Notifications port.NotificationRepository
	TxManager     port.TransactionManager

	// Ping checks the connection; Close releases it
	Ping  func(ctx context.Context) error
	Close func() error
}

// ProvideDatabase opens the configured backend and runs its migrations.
func ProvideDatabase(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, errors.New("database config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	switch cfg.Driver {
	case DriverSQLite, "":
		return provideSQLite(cfg, logger)
	case DriverPostgres:
		return providePostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func provideSQLite(cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		BusyTimeout:     cfg.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db, logger).RunMigrations(database.EmbeddedMigrations()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		Instances:     repository.NewInstanceRepository(db.DB, logger),
		Audit:         repository.NewTransitionRepository(db.DB, logger),
		Notifications: repository.NewNotificationRepository(db.DB, logger),
		TxManager:     sqlite.NewDB(db.DB, logger),
		Ping:          db.PingContext,
		Close:         db.Close,
	}, nil
}

func providePostgres(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	maxConns := int32(cfg.MaxOpenConns)
	db, err := postgres.Open(ctx, cfg.DSN, maxConns, logger)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		Instances:     postgres.NewInstanceStore(db, logger),
		Audit:         postgres.NewAuditTrail(db, logger),
		Notifications: postgres.NewNotificationStore(db, logger),
		TxManager:     db,
		Ping:          db.Pool().Ping,
		Close: func() error {
			db.Close()
			return nil
		},
	}, nil
}

// EngineDeps holds dependencies for the workflow engine.
type EngineDeps struct {
	Database  *DatabaseBundle
	Workflow  *WorkflowConfig
	Listeners []workflow.EventListener
	Logger    *zap.Logger
}

// EngineBundle holds the registry, dispatcher and engine built together.
type EngineBundle struct {
	Registry   *domainwf.Registry
	Dispatcher dispatcher.Dispatcher
	Engine     workflow.WorkflowEngine
}

// ProvideEngine builds the engine and registers the configured modules and definition files.
func ProvideEngine(deps *EngineDeps) (*EngineBundle, error) {
	if deps == nil || deps.Database == nil || deps.Workflow == nil || deps.Logger == nil {
		return nil, errors.New("engine dependencies are incomplete")
	}

	kv := utils.NewKVLogger(deps.Logger)
	registry := domainwf.NewRegistry()
	disp := dispatcher.NewDispatcher(dispatcher.WithLogger(utils.NewKVLogger(deps.Logger.Named("dispatcher"))))

	opts := []workflow.EngineOption{
		workflow.WithLogger(kv),
		workflow.WithNotifications(deps.Database.Notifications),
		workflow.WithSingleActivePerReference(deps.Workflow.SingleActivePerReference),
		workflow.WithTracer(otel.Tracer(tracerName)),
	}
	for _, l := range deps.Listeners {
		opts = append(opts, workflow.WithEventListener(l))
	}

	engine := workflow.NewEngine(registry, deps.Database.Instances, deps.Database.Audit, deps.Database.TxManager, disp, opts...)

	modules, err := ProvideModules(deps.Workflow)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if err := engine.RegisterModule(m); err != nil {
			return nil, fmt.Errorf("failed to register workflow %s: %w", m.Definition.Type, err)
		}
		deps.Logger.Info("Workflow registered",
			zap.String("workflow_type", m.Definition.Type),
			zap.Int("stages", len(m.Definition.Stages)),
			zap.Int("actions", len(m.Definition.Actions)))
	}

	return &EngineBundle{Registry: registry, Dispatcher: disp, Engine: engine}, nil
}

// ProvideModules builds the configured domain modules followed by the YAML
// definitions. YAML definitions carry no domain rules and get the passthrough handler.
func ProvideModules(cfg *WorkflowConfig) ([]workflow.Module, error) {
	var modules []workflow.Module
	for _, name := range cfg.Modules {
		factory, ok := moduleFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown workflow module %q", name)
		}
		m, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to build module %s: %w", name, err)
		}
		modules = append(modules, m)
	}

	files, err := definitions.LoadPaths(cfg.DefinitionFiles)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		modules = append(modules, workflow.Module{
			Definition:     f.Definition,
			DefaultHandler: dispatcher.PassthroughHandler,
		})
	}

	return modules, nil
}

// ProvideNotificationSender returns the Lark sender when credentials are set, else the logging sender.
func ProvideNotificationSender(cfg *LarkConfig, logger *zap.Logger) port.NotificationSender {
	larkCfg := infraLark.Config{
		AppID:      cfg.AppID,
		AppSecret:  cfg.AppSecret,
		RoleChats:  cfg.RoleChats,
		UserIDType: cfg.UserIDType,
	}
	if !larkCfg.Enabled() {
		logger.Info("Lark credentials not configured, notifications go to the log")
		return logging.NewSender(logger.Named("notifications"))
	}
	client := infraLark.NewSDKClient(larkCfg, logger.Named("lark"))
	return infraLark.NewSender(client, larkCfg, logger.Named("lark"))
}

// ProvideNotificationService creates the outbox delivery service.
func ProvideNotificationService(db *DatabaseBundle, sender port.NotificationSender, maxAttempts int, logger *zap.Logger) (service.NotificationService, error) {
	if db == nil || sender == nil || logger == nil {
		return nil, errors.New("notification service dependencies are incomplete")
	}
	return service.NewNotificationService(db.Notifications, sender, maxAttempts, utils.NewKVLogger(logger)), nil
}

// ProvideReportService creates the history export service.
func ProvideReportService(engine workflow.WorkflowEngine, db *DatabaseBundle, logger *zap.Logger) (service.ReportService, error) {
	if engine == nil || db == nil || logger == nil {
		return nil, errors.New("report service dependencies are incomplete")
	}
	return service.NewReportService(engine, db.Instances, export.NewExcelExporter(logger), utils.NewKVLogger(logger)), nil
}

// ProvideNotificationWorker creates the outbox delivery worker.
func ProvideNotificationWorker(cfg *NotificationConfig, svc service.NotificationService, logger *zap.Logger) *worker.NotificationWorker {
	wc := worker.DefaultNotificationWorkerConfig()
	if cfg.PollInterval > 0 {
		wc.PollInterval = cfg.PollInterval
	}
	if cfg.BatchSize > 0 {
		wc.BatchSize = cfg.BatchSize
	}
	return worker.NewNotificationWorker(wc, svc, logger.Named("notification-worker"))
}

// transitionLogger writes every engine event to the debug log.
func transitionLogger(logger *zap.Logger) workflow.EventListener {
	return func(ctx context.Context, evt *event.Event) {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.String("event", string(evt.Type)),
			zap.Int64("instance_id", evt.InstanceID),
			zap.String("workflow_type", evt.WorkflowType),
			zap.String("stage", evt.Stage),
			zap.String("actor", evt.ActorID),
			zap.String("correlation_id", evt.CorrelationID),
			zap.Time("at", evt.Timestamp.UTC().Truncate(time.Millisecond)),
		}
		if evt.Type == event.TypeTransitionRejected {
			fields = append(fields,
				zap.String("action", evt.GetPayloadString("action")),
				zap.String("error_kind", evt.GetPayloadString("error_kind")))
		}
		logger.Debug("Workflow event", fields...)
	}
}
