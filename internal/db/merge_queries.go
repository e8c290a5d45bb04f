package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"horse.fit/dupehub/internal/duplicates"
)

// MergeOperationFilter narrows ListMergeOperations. Status is matched against
// the effective status at Now, so a stale completed row lists as expired.
type MergeOperationFilter struct {
	UserID string
	Status duplicates.MergeStatus
	Now    time.Time
	Page   Page
}

// MoveReferences reassigns every row of one reference type from fromUserID
// to toUserID and appends the moved ids to the operation's moved_refs in the
// same transaction, so the operation never records less than what moved.
func (p *Pool) MoveReferences(ctx context.Context, operationID, label, fromUserID, toUserID string) ([]string, error) {
	ref, ok := duplicates.LookupRef(label)
	if !ok {
		return nil, fmt.Errorf("unknown reference label %q", label)
	}

	q := fmt.Sprintf(`
UPDATE %s
SET %s = $2::uuid
WHERE %s = $1::uuid
RETURNING id::text
`, ref.Table, ref.Field, ref.Field)

	const appendQuery = `
UPDATE duplicate_merge_operations
SET moved_refs = moved_refs || $2::jsonb
WHERE id = $1::uuid
`

	var moved []string
	err := p.WithTx(ctx, func(tx Tx) error {
		moved = make([]string, 0)
		rows, err := tx.Query(ctx, q, fromUserID, toUserID)
		if err != nil {
			return fmt.Errorf("move %s: %w", ref.Label, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan moved %s id: %w", ref.Label, err)
			}
			moved = append(moved, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate moved %s ids: %w", ref.Label, err)
		}
		if len(moved) == 0 {
			return nil
		}

		entry, err := encodeJSON([]duplicates.MovedRef{{
			Label: ref.Label,
			Model: ref.Model,
			Field: ref.Field,
			IDs:   moved,
		}})
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, appendQuery, operationID, string(entry))
		if err != nil {
			return fmt.Errorf("record moved %s on operation %s: %w", ref.Label, operationID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("record moved %s: merge operation %s: %w", ref.Label, operationID, ErrNoRows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// FinishMerge soft-deletes the claimed source user and marks the operation
// finished in one transaction.
func (p *Pool) FinishMerge(ctx context.Context, op *MergeOperationRecord, now time.Time) error {
	if op == nil {
		return fmt.Errorf("merge operation is nil")
	}
	now = now.UTC()

	publicIDs, err := encodeJSON(nonNilStrings(op.MovedDocPublicIDs))
	if err != nil {
		return err
	}
	imageURLs, err := encodeJSON(nonNilStrings(op.MovedDocImageURLs))
	if err != nil {
		return err
	}

	return p.WithTx(ctx, func(tx Tx) error {
		const markUserQuery = `
UPDATE users
SET
	is_active = FALSE,
	merge_status = 'merged',
	merged_into_user_id = $2::uuid,
	merged_at = $3,
	updated_at = $3
WHERE id = $1::uuid
  AND merge_status = 'merging'
`
		tag, err := tx.Exec(ctx, markUserQuery, op.SourceUserID, op.TargetUserID, now)
		if err != nil {
			return fmt.Errorf("mark user %s merged: %w", op.SourceUserID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("mark user %s merged: merge claim lost", op.SourceUserID)
		}

		const finishOpQuery = `
UPDATE duplicate_merge_operations
SET
	partial_failure = NULL,
	moved_doc_public_ids = $2::jsonb,
	moved_doc_image_urls = $3::jsonb
WHERE id = $1::uuid
`
		tag, err = tx.Exec(ctx, finishOpQuery, op.ID, string(publicIDs), string(imageURLs))
		if err != nil {
			return fmt.Errorf("finish merge operation %s: %w", op.ID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("finish merge operation %s: %w", op.ID, ErrNoRows)
		}
		return nil
	})
}

// RecordMergeFailure stores why a merge stopped early. The moved refs were
// already appended step by step.
func (p *Pool) RecordMergeFailure(ctx context.Context, operationID, message string, publicIDs, imageURLs []string) error {
	encodedIDs, err := encodeJSON(nonNilStrings(publicIDs))
	if err != nil {
		return err
	}
	encodedURLs, err := encodeJSON(nonNilStrings(imageURLs))
	if err != nil {
		return err
	}

	const q = `
UPDATE duplicate_merge_operations
SET
	partial_failure = $2,
	moved_doc_public_ids = $3::jsonb,
	moved_doc_image_urls = $4::jsonb
WHERE id = $1::uuid
`
	if _, err := p.Exec(ctx, q, operationID, message, string(encodedIDs), string(encodedURLs)); err != nil {
		return fmt.Errorf("record failure on merge operation %s: %w", operationID, err)
	}
	return nil
}

// ListDocumentAssets returns the external asset ids and URLs of the given
// KYC documents, skipping documents without assets.
func (p *Pool) ListDocumentAssets(ctx context.Context, documentIDs []string) ([]string, []string, error) {
	publicIDs := make([]string, 0)
	imageURLs := make([]string, 0)
	if len(documentIDs) == 0 {
		return publicIDs, imageURLs, nil
	}

	const q = `
SELECT
	COALESCE(public_id, ''),
	COALESCE(image_url, '')
FROM kyc_documents
WHERE id = ANY($1::text[]::uuid[])
ORDER BY created_at, id
`
	rows, err := p.Query(ctx, q, documentIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query document assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var publicID, imageURL string
		if err := rows.Scan(&publicID, &imageURL); err != nil {
			return nil, nil, fmt.Errorf("scan document asset row: %w", err)
		}
		if publicID != "" {
			publicIDs = append(publicIDs, publicID)
		}
		if imageURL != "" {
			imageURLs = append(imageURLs, imageURL)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate document asset rows: %w", err)
	}
	return publicIDs, imageURLs, nil
}

func (p *Pool) CreateMergeOperation(ctx context.Context, record *MergeOperationRecord) error {
	if record == nil {
		return fmt.Errorf("merge operation is nil")
	}
	row, err := mergeOperationToModel(record)
	if err != nil {
		return fmt.Errorf("encode merge operation: %w", err)
	}
	if err := p.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("merge operation %s: %w", row.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert merge operation: %w", err)
	}
	record.ID = row.ID
	return nil
}

func (p *Pool) GetMergeOperation(ctx context.Context, operationID string) (*MergeOperationRecord, error) {
	var row DuplicateMergeOperation
	err := p.gdb.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(operationID)).
		Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query merge operation %s: %w", operationID, err)
	}
	return mergeOperationFromModel(row)
}

// ApplyRollback reverses a completed merge in one transaction and returns how
// many rows of each reference type went back. Rows that no longer point at
// the target are left alone and not counted. The operation row is flipped
// first and conditionally, so a concurrent second rollback fails before
// touching any reference.
func (p *Pool) ApplyRollback(ctx context.Context, op *MergeOperationRecord, performedBy string, now time.Time) (map[string]int, error) {
	if op == nil {
		return nil, fmt.Errorf("merge operation is nil")
	}
	now = now.UTC()

	restored := make(map[string]int, len(op.MovedRefs))
	err := p.WithTx(ctx, func(tx Tx) error {
		const claimQuery = `
UPDATE duplicate_merge_operations
SET
	status = 'rolled_back',
	rolled_back_at = $2,
	rolled_back_by = $3
WHERE id = $1::uuid
  AND status = 'completed'
  AND rollback_expires_at > $2
`
		tag, err := tx.Exec(ctx, claimQuery, op.ID, now, performedBy)
		if err != nil {
			return fmt.Errorf("mark merge operation %s rolled back: %w", op.ID, err)
		}
		if tag.RowsAffected() != 1 {
			return rollbackRefusal(ctx, tx, op.ID, now)
		}

		for i := len(op.MovedRefs) - 1; i >= 0; i-- {
			moved := op.MovedRefs[i]
			if len(moved.IDs) == 0 {
				continue
			}
			ref, ok := duplicates.LookupRef(moved.Label)
			if !ok {
				return fmt.Errorf("unknown reference label %q on operation %s", moved.Label, op.ID)
			}
			q := fmt.Sprintf(`
UPDATE %s
SET %s = $1::uuid
WHERE id = ANY($3::text[]::uuid[])
  AND %s = $2::uuid
`, ref.Table, ref.Field, ref.Field)
			tag, err := tx.Exec(ctx, q, op.SourceUserID, op.TargetUserID, moved.IDs)
			if err != nil {
				return fmt.Errorf("restore %s: %w", ref.Label, err)
			}
			restored[ref.Label] += int(tag.RowsAffected())
		}

		source := op.SourceSnapshot
		const restoreUserQuery = `
UPDATE users
SET
	is_active = $2,
	merge_status = $3,
	merged_into_user_id = $4::uuid,
	merged_at = NULL,
	updated_at = $5
WHERE id = $1::uuid
`
		if _, err := tx.Exec(
			ctx,
			restoreUserQuery,
			op.SourceUserID,
			source.IsActive,
			string(source.MergeStatus),
			nullableString(source.MergedIntoUserID),
			now,
		); err != nil {
			return fmt.Errorf("restore source user %s: %w", op.SourceUserID, err)
		}

		if op.DuplicateCaseID != nil && strings.TrimSpace(*op.DuplicateCaseID) != "" {
			const reopenCaseQuery = `
UPDATE duplicate_cases
SET
	status = 'reviewing',
	updated_at = $2
WHERE id = $1::uuid
  AND status = 'merged'
`
			if _, err := tx.Exec(ctx, reopenCaseQuery, *op.DuplicateCaseID, now); err != nil {
				return fmt.Errorf("reopen duplicate case %s: %w", *op.DuplicateCaseID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func rollbackRefusal(ctx context.Context, tx Tx, operationID string, now time.Time) error {
	var status string
	var expiresAt time.Time
	const q = `SELECT status, rollback_expires_at FROM duplicate_merge_operations WHERE id = $1::uuid`
	if err := tx.QueryRow(ctx, q, operationID).Scan(&status, &expiresAt); err != nil {
		if IsNoRows(err) {
			return ErrNoRows
		}
		return fmt.Errorf("reload merge operation %s: %w", operationID, err)
	}
	switch duplicates.EffectiveStatus(duplicates.MergeStatus(status), expiresAt, now) {
	case duplicates.MergeRolledBack:
		return duplicates.ErrRollbackAlreadyApplied
	default:
		return duplicates.ErrRollbackExpired
	}
}

func (p *Pool) ListMergeOperations(ctx context.Context, filter MergeOperationFilter) ([]MergeOperationRecord, int64, error) {
	page := filter.Page.Normalized()
	now := filter.Now.UTC()

	base := p.gdb.WithContext(ctx).Model(&DuplicateMergeOperation{})
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		base = base.Where("source_user_id = ? OR target_user_id = ?", userID, userID)
	}
	switch filter.Status {
	case duplicates.MergeCompleted:
		base = base.Where("status = ? AND rollback_expires_at > ?", string(duplicates.MergeCompleted), now)
	case duplicates.MergeExpired:
		base = base.Where(
			"(status = ? OR (status = ? AND rollback_expires_at <= ?))",
			string(duplicates.MergeExpired),
			string(duplicates.MergeCompleted),
			now,
		)
	case duplicates.MergeRolledBack:
		base = base.Where("status = ?", string(duplicates.MergeRolledBack))
	}
	base = base.Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count merge operations: %w", err)
	}

	rows := make([]DuplicateMergeOperation, 0, page.PageSize)
	if err := base.
		Order("created_at DESC").
		Order("id").
		Limit(page.PageSize).
		Offset(page.offset()).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list merge operations: %w", err)
	}

	records := make([]MergeOperationRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mergeOperationFromModel(row)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *record)
	}
	return records, total, nil
}

// SweepExpiredMergeOperations persists the implicit completed -> expired
// transition for every operation whose window closed before now.
func (p *Pool) SweepExpiredMergeOperations(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE duplicate_merge_operations
SET status = 'expired'
WHERE status = 'completed'
  AND rollback_expires_at <= $1
`
	tag, err := p.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired merge operations: %w", err)
	}
	return tag.RowsAffected(), nil
}
