package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"horse.fit/dupehub/internal/duplicates"
)

// CaseUpsert is the write model for one duplicate group. An empty Status
// leaves an existing case's status alone and opens new cases as "new".
type CaseUpsert struct {
	ID         string
	EntityType duplicates.EntityType
	Key        string
	Reason     string
	Confidence int
	Signals    duplicates.Signals
	Primary    *duplicates.RecordSnapshot
	Duplicates []duplicates.RecordSnapshot
	Status     duplicates.CaseStatus
	Now        time.Time
}

type CaseFilter struct {
	EntityType duplicates.EntityType
	Status     duplicates.CaseStatus
	Assignee   string
	Page       Page
}

// CasePatch holds the optional fields of a case update. An empty Assignee
// clears the assignment.
type CasePatch struct {
	Status   *duplicates.CaseStatus
	Assignee *string
	Notes    *string
}

// CaseKey identifies a duplicate group.
type CaseKey struct {
	EntityType duplicates.EntityType
	Key        string
}

// UpsertCase inserts or refreshes the case for (entity_type, key) and reports
// whether a new row was created.
func (p *Pool) UpsertCase(ctx context.Context, in CaseUpsert) (*CaseRecord, bool, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, false, fmt.Errorf("case key is required")
	}

	signals, err := json.Marshal(in.Signals)
	if err != nil {
		return nil, false, fmt.Errorf("encode case signals: %w", err)
	}
	primary, err := json.Marshal(in.Primary)
	if err != nil {
		return nil, false, fmt.Errorf("encode case primary: %w", err)
	}
	dupes := in.Duplicates
	if dupes == nil {
		dupes = []duplicates.RecordSnapshot{}
	}
	duplicateRecords, err := json.Marshal(dupes)
	if err != nil {
		return nil, false, fmt.Errorf("encode case duplicates: %w", err)
	}

	const q = `
INSERT INTO duplicate_cases (
	id,
	entity_type,
	key,
	reason,
	confidence,
	signals,
	primary_record,
	duplicate_records,
	status,
	notes,
	created_at,
	updated_at
)
VALUES (
	COALESCE(NULLIF($1::text, '')::uuid, gen_random_uuid()),
	$2,
	$3,
	$4,
	$5,
	$6::jsonb,
	$7::jsonb,
	$8::jsonb,
	COALESCE(NULLIF($9::text, ''), 'new'),
	'',
	$10,
	$10
)
ON CONFLICT (entity_type, key) DO UPDATE
SET
	reason = EXCLUDED.reason,
	confidence = EXCLUDED.confidence,
	signals = EXCLUDED.signals,
	primary_record = EXCLUDED.primary_record,
	duplicate_records = EXCLUDED.duplicate_records,
	status = COALESCE(NULLIF($9::text, ''), duplicate_cases.status),
	updated_at = EXCLUDED.updated_at
RETURNING id::text, (xmax = 0) AS inserted
`
	var id string
	var inserted bool
	if err := p.QueryRow(
		ctx,
		q,
		in.ID,
		string(in.EntityType),
		key,
		in.Reason,
		in.Confidence,
		string(signals),
		string(primary),
		string(duplicateRecords),
		string(in.Status),
		in.Now.UTC(),
	).Scan(&id, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert duplicate case %s/%s: %w", in.EntityType, key, err)
	}

	record, err := p.GetCase(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return record, inserted, nil
}

func (p *Pool) GetCase(ctx context.Context, caseID string) (*CaseRecord, error) {
	var row DuplicateCase
	err := p.gdb.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(caseID)).
		Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query duplicate case %s: %w", caseID, err)
	}
	return caseRecordFromModel(row)
}

func (p *Pool) ListCases(ctx context.Context, filter CaseFilter) ([]CaseRecord, int64, error) {
	page := filter.Page.Normalized()

	base := p.gdb.WithContext(ctx).Model(&DuplicateCase{})
	if filter.EntityType != "" {
		base = base.Where("entity_type = ?", string(filter.EntityType))
	}
	if filter.Status != "" {
		base = base.Where("status = ?", string(filter.Status))
	}
	if assignee := strings.TrimSpace(filter.Assignee); assignee != "" {
		base = base.Where("assignee = ?", assignee)
	}
	base = base.Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count duplicate cases: %w", err)
	}

	rows := make([]DuplicateCase, 0, page.PageSize)
	if err := base.
		Order("confidence DESC").
		Order("updated_at DESC").
		Order("id").
		Limit(page.PageSize).
		Offset(page.offset()).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list duplicate cases: %w", err)
	}

	records := make([]CaseRecord, 0, len(rows))
	for _, row := range rows {
		record, err := caseRecordFromModel(row)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *record)
	}
	return records, total, nil
}

// LookupCases returns the existing cases for the given groups.
func (p *Pool) LookupCases(ctx context.Context, keys []CaseKey) (map[CaseKey]CaseRecord, error) {
	out := make(map[CaseKey]CaseRecord, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rawKeys := make([]string, 0, len(keys))
	wanted := make(map[CaseKey]struct{}, len(keys))
	for _, key := range keys {
		rawKeys = append(rawKeys, key.Key)
		wanted[key] = struct{}{}
	}

	rows := make([]DuplicateCase, 0, len(keys))
	if err := p.gdb.WithContext(ctx).
		Where("key IN ?", rawKeys).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("lookup duplicate cases: %w", err)
	}

	for _, row := range rows {
		key := CaseKey{EntityType: duplicates.EntityType(row.EntityType), Key: row.Key}
		if _, ok := wanted[key]; !ok {
			continue
		}
		record, err := caseRecordFromModel(row)
		if err != nil {
			return nil, err
		}
		out[key] = *record
	}
	return out, nil
}

func (p *Pool) UpdateCase(ctx context.Context, caseID string, patch CasePatch, now time.Time) (*CaseRecord, error) {
	updates := map[string]any{
		"updated_at": now.UTC(),
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.Assignee != nil {
		updates["assignee"] = nullableString(patch.Assignee)
	}
	if patch.Notes != nil {
		updates["notes"] = *patch.Notes
	}

	res := p.gdb.WithContext(ctx).
		Model(&DuplicateCase{}).
		Where("id = ?", caseID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update duplicate case %s: %w", caseID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNoRows
	}
	return p.GetCase(ctx, caseID)
}

// BulkUpdateCaseStatus applies one status to many cases and returns the ids
// that matched a row.
func (p *Pool) BulkUpdateCaseStatus(ctx context.Context, caseIDs []string, status duplicates.CaseStatus, now time.Time) ([]string, error) {
	updated := make([]string, 0, len(caseIDs))
	if len(caseIDs) == 0 {
		return updated, nil
	}

	const q = `
UPDATE duplicate_cases
SET
	status = $2,
	updated_at = $3
WHERE id = ANY($1::text[]::uuid[])
RETURNING id::text
`
	rows, err := p.Query(ctx, q, caseIDs, string(status), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("bulk update duplicate cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan updated case id: %w", err)
		}
		updated = append(updated, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updated case ids: %w", err)
	}
	return updated, nil
}

// SetCaseStatus moves a case to status. When from is non-empty the update
// only applies while the case is still in one of those statuses.
func (p *Pool) SetCaseStatus(ctx context.Context, caseID string, status duplicates.CaseStatus, now time.Time, from ...duplicates.CaseStatus) (bool, error) {
	q := p.gdb.WithContext(ctx).
		Model(&DuplicateCase{}).
		Where("id = ?", caseID)
	if len(from) > 0 {
		allowed := make([]string, 0, len(from))
		for _, s := range from {
			allowed = append(allowed, string(s))
		}
		q = q.Where("status IN ?", allowed)
	}

	res := q.Updates(map[string]any{
		"status":     string(status),
		"updated_at": now.UTC(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("set duplicate case %s status: %w", caseID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Pool) CountOpenCases(ctx context.Context) (int64, error) {
	var total int64
	if err := p.gdb.WithContext(ctx).
		Model(&DuplicateCase{}).
		Where("status IN ?", []string{string(duplicates.CaseNew), string(duplicates.CaseReviewing)}).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count open duplicate cases: %w", err)
	}
	return total, nil
}
