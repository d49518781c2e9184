package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/sqlite"
)

// TransitionRepository implements port.AuditTrail on SQLite
type TransitionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *sql.DB, logger *zap.Logger) port.AuditTrail {
	return &TransitionRepository{
		db:     db,
		logger: logger,
	}
}

// Append stores a transition record. Records are never updated afterwards.
func (r *TransitionRepository) Append(ctx context.Context, record *entity.TransitionRecord) error {
	delta, err := marshalData(record.DataDelta)
	if err != nil {
		return fmt.Errorf("%w: %w", workflow.ErrAuditWriteFailed, err)
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	var fromStage sql.NullString
	if record.FromStage != nil {
		fromStage = sql.NullString{String: *record.FromStage, Valid: true}
	}

	query := `
		INSERT INTO workflow_transitions (
			instance_id, from_stage, to_stage, actor_id, action, outcome, reason, data_delta, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := sqlite.Executor(ctx, r.db).ExecContext(ctx, query,
		record.InstanceID,
		fromStage,
		record.ToStage,
		record.ActorID,
		record.Action,
		record.Outcome,
		record.Reason,
		delta,
		record.Timestamp.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to append transition",
			zap.Int64("instance_id", record.InstanceID),
			zap.String("action", record.Action),
			zap.Error(err))
		return fmt.Errorf("%w: %w", workflow.ErrAuditWriteFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: failed to get last insert id: %w", workflow.ErrAuditWriteFailed, err)
	}

	record.ID = id
	return nil
}

// History returns the records of an instance in chronological order
func (r *TransitionRepository) History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error) {
	query := `
		SELECT id, instance_id, from_stage, to_stage, actor_id, action, outcome, reason, data_delta, created_at
		FROM workflow_transitions
		WHERE instance_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := sqlite.Executor(ctx, r.db).QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to query history", zap.Int64("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.TransitionRecord, 0)
	for rows.Next() {
		var record entity.TransitionRecord
		var fromStage sql.NullString
		var delta string

		if err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&fromStage,
			&record.ToStage,
			&record.ActorID,
			&record.Action,
			&record.Outcome,
			&record.Reason,
			&delta,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		if fromStage.Valid {
			stage := fromStage.String
			record.FromStage = &stage
		}
		if record.DataDelta, err = unmarshalData(delta); err != nil {
			return nil, err
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

// Verify interface compliance
var _ port.AuditTrail = (*TransitionRepository)(nil)
