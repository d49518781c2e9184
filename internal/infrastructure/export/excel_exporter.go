// Package export renders instance audit trails as spreadsheets.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

const (
	summarySheet = "Summary"
	historySheet = "History"
	timeLayout   = "2006-01-02 15:04:05"
)

var historyHeader = []interface{}{
	"#", "Timestamp (UTC)", "From Stage", "To Stage", "Action", "Actor", "Outcome", "Reason", "Data Delta",
}

// ExcelExporter writes an instance's history as an .xlsx workbook
type ExcelExporter struct {
	logger *zap.Logger
}

// NewExcelExporter creates a new Excel exporter
func NewExcelExporter(logger *zap.Logger) *ExcelExporter {
	return &ExcelExporter{logger: logger}
}

// Export writes a summary sheet and one history row per transition record
func (e *ExcelExporter) Export(w io.Writer, def *workflow.WorkflowDefinition, instance *entity.WorkflowInstance, records []*entity.TransitionRecord) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			e.logger.Warn("Failed to close workbook", zap.Error(err))
		}
	}()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return fmt.Errorf("failed to create history sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := e.fillSummary(f, def, instance, records, headerStyle); err != nil {
		return err
	}
	if err := e.fillHistory(f, def, records, headerStyle); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("History exported",
		zap.Int64("instance_id", instance.ID),
		zap.Int("records", len(records)))
	return nil
}

func (e *ExcelExporter) fillSummary(f *excelize.File, def *workflow.WorkflowDefinition, instance *entity.WorkflowInstance, records []*entity.TransitionRecord, headerStyle int) error {
	applied, rejected := 0, 0
	for _, r := range records {
		if r.IsApplied() {
			applied++
		} else {
			rejected++
		}
	}

	stageLabel := instance.CurrentStage
	if stage, ok := def.Stage(instance.CurrentStage); ok {
		stageLabel = stage.DisplayName()
	}

	completed := ""
	if instance.CompletedAt != nil {
		completed = formatTime(*instance.CompletedAt)
	}

	rows := [][]interface{}{
		{"Field", "Value"},
		{"Workflow", def.Name},
		{"Workflow Type", def.Type},
		{"Instance ID", instance.ID},
		{"Reference", fmt.Sprintf("%s %s", instance.ReferenceType, instance.ReferenceID)},
		{"Current Stage", stageLabel},
		{"Status", string(instance.Status)},
		{"Started By", instance.StartedBy},
		{"Started At (UTC)", formatTime(instance.CreatedAt)},
		{"Last Updated (UTC)", formatTime(instance.UpdatedAt)},
		{"Completed At (UTC)", completed},
		{"Applied Transitions", applied},
		{"Rejected Attempts", rejected},
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to set summary row %d: %w", i+1, err)
		}
	}

	if err := f.SetCellStyle(summarySheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("failed to style summary header: %w", err)
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func (e *ExcelExporter) fillHistory(f *excelize.File, def *workflow.WorkflowDefinition, records []*entity.TransitionRecord, headerStyle int) error {
	if err := f.SetSheetRow(historySheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("failed to set history header: %w", err)
	}

	for i, r := range records {
		delta := ""
		if len(r.DataDelta) > 0 {
			b, err := json.Marshal(r.DataDelta)
			if err != nil {
				return fmt.Errorf("failed to encode data delta of record %d: %w", r.ID, err)
			}
			delta = string(b)
		}

		row := []interface{}{
			i + 1,
			formatTime(r.Timestamp),
			stageLabel(def, r.FromStageName()),
			stageLabel(def, r.ToStage),
			r.Action,
			r.ActorID,
			r.Outcome,
			r.Reason,
			delta,
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to set history row %d: %w", i+2, err)
		}
	}

	if err := f.SetCellStyle(historySheet, "A1", "I1", headerStyle); err != nil {
		return fmt.Errorf("failed to style history header: %w", err)
	}
	if err := f.SetColWidth(historySheet, "B", "H", 20); err != nil {
		return err
	}
	return f.SetColWidth(historySheet, "I", "I", 48)
}

func stageLabel(def *workflow.WorkflowDefinition, name string) string {
	if name == "" {
		return ""
	}
	if stage, ok := def.Stage(name); ok {
		return stage.DisplayName()
	}
	return name
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// Verify interface compliance
var _ port.HistoryExporter = (*ExcelExporter)(nil)
