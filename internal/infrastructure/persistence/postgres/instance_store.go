package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

const instanceColumns = `id, workflow_type, reference_type, reference_id, current_stage, status,
	data, started_by, version, created_at, updated_at, completed_at`

// InstanceStore implements port.InstanceStore on PostgreSQL
type InstanceStore struct {
	db     *DB
	logger *zap.Logger
}

// NewInstanceStore creates a new instance store
func NewInstanceStore(db *DB, logger *zap.Logger) *InstanceStore {
	return &InstanceStore{db: db, logger: logger}
}

// Create persists a new instance and assigns its ID
func (s *InstanceStore) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	data, err := encodeJSON(instance.Data)
	if err != nil {
		return err
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
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

	err = s.db.executor(ctx).QueryRow(ctx, `
		INSERT INTO workflow_instances (
			workflow_type, reference_type, reference_id, current_stage, status,
			data, started_by, version, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)
		RETURNING id`,
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
		instance.CompletedAt,
	).Scan(&instance.ID)
	if err != nil {
		s.logger.Error("Failed to create instance", zap.String("workflow_type", instance.WorkflowType), zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// Get returns the instance or workflow.ErrInstanceNotFound
func (s *InstanceStore) Get(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	instance, err := scanInstance(s.db.executor(ctx).QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", workflow.ErrInstanceNotFound, id)
	}
	if err != nil {
		s.logger.Error("Failed to get instance", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// ListByStage returns instances of workflowType on stage, oldest first
func (s *InstanceStore) ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error) {
	return s.query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances
		WHERE workflow_type = $1 AND current_stage = $2
		ORDER BY created_at, id`, workflowType, stage)
}

// ListByReference returns every instance of the reference, oldest first
func (s *InstanceStore) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error) {
	return s.query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at, id`, referenceType, referenceID)
}

// List returns instances matching filter, newest first
func (s *InstanceStore) List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	var conditions []string
	var args []any

	add := func(column, value string) {
		if value != "" {
			args = append(args, value)
			conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
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

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return s.query(ctx, query, args...)
}

// FindActive returns the active instance for the reference, or nil.
// Inside a transaction it first takes an advisory lock on the reference so
// concurrent Initiate calls for the same reference serialize.
func (s *InstanceStore) FindActive(ctx context.Context, workflowType, referenceType, referenceID string) (*entity.WorkflowInstance, error) {
	q := s.db.executor(ctx)

	if inTransaction(ctx) {
		key := workflowType + "/" + referenceType + "/" + referenceID
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return nil, fmt.Errorf("failed to lock reference: %w", err)
		}
	}

	instance, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances
		WHERE workflow_type = $1 AND reference_type = $2 AND reference_id = $3 AND status = $4
		ORDER BY id LIMIT 1`,
		workflowType, referenceType, referenceID, string(workflow.StatusActive)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("Failed to find active instance", zap.String("reference_id", referenceID), zap.Error(err))
		return nil, fmt.Errorf("failed to find active instance: %w", err)
	}
	return instance, nil
}

// CompareAndUpdate merges the patch and moves the instance in one conditional UPDATE
func (s *InstanceStore) CompareAndUpdate(ctx context.Context, update port.InstanceUpdate) (*entity.WorkflowInstance, error) {
	patch, err := encodeJSON(update.Patch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if update.NewStatus.IsTerminal() {
		completedAt = &now
	}

	q := s.db.executor(ctx)
	instance, err := scanInstance(q.QueryRow(ctx, `
		UPDATE workflow_instances
		SET current_stage = $1,
			status = $2,
			data = data || $3::jsonb,
			version = version + 1,
			updated_at = $4,
			completed_at = COALESCE($5, completed_at)
		WHERE id = $6 AND current_stage = $7 AND status = $8 AND version = $9
		RETURNING `+instanceColumns,
		update.NewStage,
		string(update.NewStatus),
		patch,
		now,
		completedAt,
		update.ID,
		update.ExpectedStage,
		string(workflow.StatusActive),
		update.ExpectedVersion,
	))
	if err == nil {
		return instance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("Failed to update instance", zap.Int64("id", update.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	// nothing matched: tell a missing row apart from a lost race
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, update.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check instance: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", workflow.ErrInstanceNotFound, update.ID)
	}
	return nil, fmt.Errorf("%w: instance %d", workflow.ErrConcurrentModification, update.ID)
}

func (s *InstanceStore) query(ctx context.Context, query string, args ...any) ([]*entity.WorkflowInstance, error) {
	rows, err := s.db.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to list instances", zap.Error(err))
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

func scanInstance(row pgx.Row) (*entity.WorkflowInstance, error) {
	var instance entity.WorkflowInstance
	var status string
	var data []byte

	if err := row.Scan(
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
		&instance.CompletedAt,
	); err != nil {
		return nil, err
	}

	instance.Status = workflow.Status(status)
	decoded, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	instance.Data = decoded
	return &instance, nil
}

func encodeJSON(data map[string]interface{}) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw []byte) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return data, nil
}

// Verify interface compliance
var _ port.InstanceStore = (*InstanceStore)(nil)
