package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// AuditTrail implements port.AuditTrail on PostgreSQL
type AuditTrail struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditTrail creates a new audit trail
func NewAuditTrail(db *DB, logger *zap.Logger) *AuditTrail {
	return &AuditTrail{db: db, logger: logger}
}

// Append stores a transition record
func (a *AuditTrail) Append(ctx context.Context, record *entity.TransitionRecord) error {
	delta, err := encodeJSON(record.DataDelta)
	if err != nil {
		return fmt.Errorf("%w: %w", workflow.ErrAuditWriteFailed, err)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	err = a.db.executor(ctx).QueryRow(ctx, `
		INSERT INTO workflow_transitions (
			instance_id, from_stage, to_stage, actor_id, action, outcome, reason, data_delta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING id`,
		record.InstanceID,
		record.FromStage,
		record.ToStage,
		record.ActorID,
		record.Action,
		record.Outcome,
		record.Reason,
		delta,
		record.Timestamp.UTC(),
	).Scan(&record.ID)
	if err != nil {
		a.logger.Error("Failed to append transition",
			zap.Int64("instance_id", record.InstanceID),
			zap.String("action", record.Action),
			zap.Error(err))
		return fmt.Errorf("%w: %w", workflow.ErrAuditWriteFailed, err)
	}
	return nil
}

// History returns the records of an instance in chronological order
func (a *AuditTrail) History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error) {
	rows, err := a.db.executor(ctx).Query(ctx, `
		SELECT id, instance_id, from_stage, to_stage, actor_id, action, outcome, reason, data_delta, created_at
		FROM workflow_transitions
		WHERE instance_id = $1
		ORDER BY created_at, id`, instanceID)
	if err != nil {
		a.logger.Error("Failed to query history", zap.Int64("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.TransitionRecord, 0)
	for rows.Next() {
		var record entity.TransitionRecord
		var delta []byte
		if err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&record.FromStage,
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
		if record.DataDelta, err = decodeJSON(delta); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// Verify interface compliance
var _ port.AuditTrail = (*AuditTrail)(nil)
