package service

import (
	"context"
	"fmt"
	"io"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/application/workflow"
)

// ReportService renders audit reports
type ReportService interface {
	// ExportHistory writes the instance's audit trail as a workbook to w
	ExportHistory(ctx context.Context, instanceID int64, w io.Writer) error
}

type reportServiceImpl struct {
	engine   workflow.WorkflowEngine
	store    port.InstanceStore
	exporter port.HistoryExporter
	logger   Logger
}

// NewReportService creates a new ReportService
func NewReportService(engine workflow.WorkflowEngine, store port.InstanceStore, exporter port.HistoryExporter, logger Logger) ReportService {
	return &reportServiceImpl{
		engine:   engine,
		store:    store,
		exporter: exporter,
		logger:   logger,
	}
}

// ExportHistory loads the instance, its definition and its records, then hands them to the exporter
func (s *reportServiceImpl) ExportHistory(ctx context.Context, instanceID int64, w io.Writer) error {
	instance, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}

	def, err := s.engine.Definition(instance.WorkflowType)
	if err != nil {
		return fmt.Errorf("get definition: %w", err)
	}

	records, err := s.engine.History(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	if err := s.exporter.Export(w, def, instance, records); err != nil {
		s.logger.Error("Failed to export history", "error", err, "instance_id", instanceID)
		return fmt.Errorf("export history: %w", err)
	}

	s.logger.Info("History report exported", "instance_id", instanceID, "records", len(records))
	return nil
}
