package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
)

type RollbackResult struct {
	OperationID    string                 `json:"operation_id"`
	SourceUserID   string                 `json:"source_user_id"`
	TargetUserID   string                 `json:"target_user_id"`
	Status         duplicates.MergeStatus `json:"status"`
	RolledBackAt   time.Time              `json:"rolled_back_at"`
	RolledBackBy   string                 `json:"rolled_back_by"`
	RestoredCounts map[string]int         `json:"restored_counts"`
}

// Rollback reverses a completed merge while its window is open.
func (e *Engine) Rollback(ctx context.Context, operationID, performedBy string) (*RollbackResult, error) {
	operationID, err := parseID("id", operationID)
	if err != nil {
		return nil, err
	}
	performedBy = strings.TrimSpace(performedBy)
	if performedBy == "" {
		return nil, duplicates.NewValidationError("performed_by", "is required")
	}

	op, err := e.store.GetMergeOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("merge operation %s: %w", operationID, duplicates.ErrNotFound)
		}
		return nil, fmt.Errorf("load merge operation %s: %w", operationID, err)
	}

	now := globaltime.UTC()
	switch duplicates.EffectiveStatus(op.Status, op.RollbackExpiresAt, now) {
	case duplicates.MergeRolledBack:
		return nil, fmt.Errorf("merge operation %s: %w", operationID, duplicates.ErrRollbackAlreadyApplied)
	case duplicates.MergeExpired:
		return nil, fmt.Errorf("merge operation %s: %w", operationID, duplicates.ErrRollbackExpired)
	}

	restored, err := e.store.ApplyRollback(ctx, op, performedBy, now)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("merge operation %s: %w", operationID, duplicates.ErrNotFound)
		}
		return nil, fmt.Errorf("roll back merge operation %s: %w", operationID, err)
	}

	result := &RollbackResult{
		OperationID:    op.ID,
		SourceUserID:   op.SourceUserID,
		TargetUserID:   op.TargetUserID,
		Status:         duplicates.MergeRolledBack,
		RolledBackAt:   now,
		RolledBackBy:   performedBy,
		RestoredCounts: restored,
	}
	e.logger.Info().
		Str("operation_id", op.ID).
		Str("source_user_id", op.SourceUserID).
		Str("target_user_id", op.TargetUserID).
		Str("performed_by", performedBy).
		Interface("restored_counts", result.RestoredCounts).
		Msg("Merge rolled back")
	return result, nil
}
