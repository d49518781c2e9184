package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/sqlite"
)

const instanceColumns = `
	id, workflow_type, reference_type, reference_id, current_stage, status,
	data, started_by, version, created_at, updated_at, completed_at`

// InstanceRepository implements port.InstanceStore on SQLite
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) port.InstanceStore {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new workflow instance
func (r *InstanceRepository) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	data, err := marshalData(instance.Data)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = instance.CreatedAt
	}
	if instance.Version == 0 {
		instance.Version = 1
	}
	if instance.Status == "" {
		instance.Status = workflow.StatusActive
	}

	query := `
		INSERT INTO workflow_instances (
			workflow_type, reference_type, reference_id, current_stage, status,
			data, started_by, version, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		instance.WorkflowType,
		instance.ReferenceType,
		instance.ReferenceID,
		instance.CurrentStage,
		string(instance.Status),
		data,
		instance.StartedBy,
		instance.Version,
		instance.CreatedAt.UTC(),
		instance.UpdatedAt.UTC(),
		nullTime(instance.CompletedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create instance", zap.String("workflow_type", instance.WorkflowType), zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	instance.ID = id
	return nil
}

// Get retrieves a workflow instance by ID
func (r *InstanceRepository) Get(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ?`

	instance, err := scanInstance(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", workflow.ErrInstanceNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get instance by ID", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return instance, nil
}

// ListByStage returns instances of workflowType on stage, oldest first
func (r *InstanceRepository) ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE workflow_type = ? AND current_stage = ?
		ORDER BY created_at ASC, id ASC`

	return r.query(ctx, query, workflowType, stage)
}

// ListByReference returns every instance of the reference, oldest first
func (r *InstanceRepository) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE reference_type = ? AND reference_id = ?
		ORDER BY created_at ASC, id ASC`

	return r.query(ctx, query, referenceType, referenceID)
}

// List returns instances matching filter, newest first
func (r *InstanceRepository) List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	var conditions []string
	var args []interface{}

	add := func(column, value string) {
		if value != "" {
			conditions = append(conditions, column+" = ?")
			args = append(args, value)
		}
	}
	add("workflow_type", filter.WorkflowType)
	add("current_stage", filter.Stage)
	add("status", string(filter.Status))
	add("reference_type", filter.ReferenceType)
	add("reference_id", filter.ReferenceID)

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return r.query(ctx, query, args...)
}

// FindActive returns the active instance tracking the reference, or nil
func (r *InstanceRepository) FindActive(ctx context.Context, workflowType, referenceType, referenceID string) (*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE workflow_type = ? AND reference_type = ? AND reference_id = ? AND status = ?
		ORDER BY id ASC LIMIT 1`

	instance, err := scanInstance(r.getExecutor(ctx).QueryRowContext(ctx, query,
		workflowType, referenceType, referenceID, string(workflow.StatusActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to find active instance",
			zap.String("workflow_type", workflowType),
			zap.String("reference_id", referenceID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to find active instance: %w", err)
	}

	return instance, nil
}

// CompareAndUpdate merges the patch and moves the instance in one conditional UPDATE
func (r *InstanceRepository) CompareAndUpdate(ctx context.Context, update port.InstanceUpdate) (*entity.WorkflowInstance, error) {
	current, err := r.Get(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	if current.CurrentStage != update.ExpectedStage || !current.IsActive() || current.Version != update.ExpectedVersion {
		return nil, fmt.Errorf("%w: instance %d is at %s/%s v%d, expected %s v%d",
			workflow.ErrConcurrentModification, update.ID,
			current.CurrentStage, current.Status, current.Version,
			update.ExpectedStage, update.ExpectedVersion)
	}

	next := current.Clone()
	next.CurrentStage = update.NewStage
	next.Status = update.NewStatus
	next.Data = entity.MergeData(current.Data, update.Patch)
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if update.NewStatus.IsTerminal() {
		completedAt := next.UpdatedAt
		next.CompletedAt = &completedAt
	}

	data, err := marshalData(next.Data)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE workflow_instances
		SET current_stage = ?, status = ?, data = ?, version = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND current_stage = ? AND status = ? AND version = ?
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		next.CurrentStage,
		string(next.Status),
		data,
		next.Version,
		next.UpdatedAt,
		nullTime(next.CompletedAt),
		update.ID,
		update.ExpectedStage,
		string(workflow.StatusActive),
		update.ExpectedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.Int64("id", update.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: instance %d", workflow.ErrConcurrentModification, update.ID)
	}

	return next, nil
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...interface{}) ([]*entity.WorkflowInstance, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]*entity.WorkflowInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

// getExecutor returns the transaction carried by ctx or the database
func (r *InstanceRepository) getExecutor(ctx context.Context) sqlite.QueryExecutor {
	return sqlite.Executor(ctx, r.db)
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*entity.WorkflowInstance, error) {
	var instance entity.WorkflowInstance
	var status, data string
	var completedAt sql.NullTime

	err := row.Scan(
		&instance.ID,
		&instance.WorkflowType,
		&instance.ReferenceType,
		&instance.ReferenceID,
		&instance.CurrentStage,
		&status,
		&data,
		&instance.StartedBy,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Status = workflow.Status(status)
	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}
	if instance.Data, err = unmarshalData(data); err != nil {
		return nil, err
	}

	return &instance, nil
}

func marshalData(data map[string]interface{}) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(b), nil
}

func unmarshalData(raw string) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return data, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Verify interface compliance
var _ port.InstanceStore = (*InstanceRepository)(nil)
