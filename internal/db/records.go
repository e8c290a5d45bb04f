package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"horse.fit/dupehub/internal/duplicates"
)

// CaseRecord is a decoded duplicate_cases row.
type CaseRecord struct {
	ID         string                      `json:"id"`
	EntityType duplicates.EntityType       `json:"entity_type"`
	Key        string                      `json:"key"`
	Reason     string                      `json:"reason"`
	Confidence int                         `json:"confidence"`
	Signals    duplicates.Signals          `json:"signals"`
	Primary    *duplicates.RecordSnapshot  `json:"primary,omitempty"`
	Duplicates []duplicates.RecordSnapshot `json:"duplicates"`
	Status     duplicates.CaseStatus       `json:"status"`
	Assignee   *string                     `json:"assignee,omitempty"`
	Notes      string                      `json:"notes"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// MergeOperationRecord is a decoded duplicate_merge_operations row.
type MergeOperationRecord struct {
	ID                string                  `json:"id"`
	SourceUserID      string                  `json:"source_user_id"`
	TargetUserID      string                  `json:"target_user_id"`
	DuplicateCaseID   *string                 `json:"duplicate_case_id,omitempty"`
	SuggestionKey     *string                 `json:"suggestion_key,omitempty"`
	PerformedBy       string                  `json:"performed_by"`
	Note              string                  `json:"note"`
	Status            duplicates.MergeStatus  `json:"status"`
	RollbackExpiresAt time.Time               `json:"rollback_expires_at"`
	RolledBackAt      *time.Time              `json:"rolled_back_at,omitempty"`
	RolledBackBy      *string                 `json:"rolled_back_by,omitempty"`
	SourceSnapshot    duplicates.UserSnapshot `json:"source_snapshot"`
	TargetSnapshot    duplicates.UserSnapshot `json:"target_snapshot"`
	MovedRefs         []duplicates.MovedRef   `json:"moved_refs"`
	MovedDocPublicIDs []string                `json:"moved_doc_public_ids"`
	MovedDocImageURLs []string                `json:"moved_doc_image_urls"`
	PartialFailure    *string                 `json:"partial_failure,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
}

func (u User) Snapshot() duplicates.UserSnapshot {
	return duplicates.UserSnapshot{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		Phone:             derefString(u.Phone),
		CitizenshipNumber: derefString(u.CitizenshipNumber),
		Role:              u.Role,
		IsActive:          u.IsActive,
		MergeStatus:       duplicates.UserMergeStatus(u.MergeStatus),
		MergedIntoUserID:  u.MergedIntoUserID,
		LastLoginAt:       u.LastLoginAt,
		CreatedAt:         u.CreatedAt.UTC(),
	}
}

func (p Property) Snapshot() duplicates.PropertySnapshot {
	return duplicates.PropertySnapshot{
		ID:        p.ID,
		OwnerID:   p.OwnerID,
		Title:     p.Title,
		Location:  p.Location,
		CreatedAt: p.CreatedAt.UTC(),
	}
}

func (d KYCDocument) Snapshot() duplicates.DocumentSnapshot {
	return duplicates.DocumentSnapshot{
		ID:                d.ID,
		UserID:            d.UserID,
		DocumentHash:      derefString(d.DocumentHash),
		CitizenshipNumber: derefString(d.CitizenshipNumber),
		Status:            d.Status,
		PublicID:          derefString(d.PublicID),
		ImageURL:          derefString(d.ImageURL),
		CreatedAt:         d.CreatedAt.UTC(),
	}
}

func caseRecordFromModel(row DuplicateCase) (*CaseRecord, error) {
	record := &CaseRecord{
		ID:         row.ID,
		EntityType: duplicates.EntityType(row.EntityType),
		Key:        row.Key,
		Reason:     row.Reason,
		Confidence: row.Confidence,
		Status:     duplicates.CaseStatus(row.Status),
		Assignee:   row.Assignee,
		Notes:      row.Notes,
		CreatedAt:  row.CreatedAt.UTC(),
		UpdatedAt:  row.UpdatedAt.UTC(),
		Duplicates: []duplicates.RecordSnapshot{},
	}
	if err := decodeJSON(row.Signals, &record.Signals); err != nil {
		return nil, fmt.Errorf("decode case %s signals: %w", row.ID, err)
	}
	if len(row.Primary) > 0 && string(row.Primary) != "null" {
		var primary duplicates.RecordSnapshot
		if err := decodeJSON(row.Primary, &primary); err != nil {
			return nil, fmt.Errorf("decode case %s primary: %w", row.ID, err)
		}
		record.Primary = &primary
	}
	if err := decodeJSON(row.Duplicates, &record.Duplicates); err != nil {
		return nil, fmt.Errorf("decode case %s duplicates: %w", row.ID, err)
	}
	return record, nil
}

func mergeOperationFromModel(row DuplicateMergeOperation) (*MergeOperationRecord, error) {
	record := &MergeOperationRecord{
		ID:                row.ID,
		SourceUserID:      row.SourceUserID,
		TargetUserID:      row.TargetUserID,
		DuplicateCaseID:   row.DuplicateCaseID,
		SuggestionKey:     row.SuggestionKey,
		PerformedBy:       row.PerformedBy,
		Note:              row.Note,
		Status:            duplicates.MergeStatus(row.Status),
		RollbackExpiresAt: row.RollbackExpiresAt.UTC(),
		RolledBackAt:      row.RolledBackAt,
		RolledBackBy:      row.RolledBackBy,
		PartialFailure:    row.PartialFailure,
		CreatedAt:         row.CreatedAt.UTC(),
	}

	fields := []struct {
		name string
		raw  datatypes.JSON
		dest any
	}{
		{name: "source_snapshot", raw: row.SourceSnapshot, dest: &record.SourceSnapshot},
		{name: "target_snapshot", raw: row.TargetSnapshot, dest: &record.TargetSnapshot},
		{name: "moved_refs", raw: row.MovedRefs, dest: &record.MovedRefs},
		{name: "moved_doc_public_ids", raw: row.MovedDocPublicIDs, dest: &record.MovedDocPublicIDs},
		{name: "moved_doc_image_urls", raw: row.MovedDocImageURLs, dest: &record.MovedDocImageURLs},
	}
	for _, field := range fields {
		if err := decodeJSON(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode merge operation %s %s: %w", row.ID, field.name, err)
		}
	}
	if record.MovedRefs == nil {
		record.MovedRefs = []duplicates.MovedRef{}
	}
	if record.MovedDocPublicIDs == nil {
		record.MovedDocPublicIDs = []string{}
	}
	if record.MovedDocImageURLs == nil {
		record.MovedDocImageURLs = []string{}
	}
	return record, nil
}

func mergeOperationToModel(record *MergeOperationRecord) (DuplicateMergeOperation, error) {
	row := DuplicateMergeOperation{
		ID:                record.ID,
		SourceUserID:      record.SourceUserID,
		TargetUserID:      record.TargetUserID,
		DuplicateCaseID:   record.DuplicateCaseID,
		SuggestionKey:     record.SuggestionKey,
		PerformedBy:       record.PerformedBy,
		Note:              record.Note,
		Status:            string(record.Status),
		RollbackExpiresAt: record.RollbackExpiresAt.UTC(),
		RolledBackAt:      record.RolledBackAt,
		RolledBackBy:      record.RolledBackBy,
		PartialFailure:    record.PartialFailure,
		CreatedAt:         record.CreatedAt.UTC(),
	}

	var err error
	if row.SourceSnapshot, err = encodeJSON(record.SourceSnapshot); err != nil {
		return row, err
	}
	if row.TargetSnapshot, err = encodeJSON(record.TargetSnapshot); err != nil {
		return row, err
	}
	if row.MovedRefs, err = encodeJSON(nonNilRefs(record.MovedRefs)); err != nil {
		return row, err
	}
	if row.MovedDocPublicIDs, err = encodeJSON(nonNilStrings(record.MovedDocPublicIDs)); err != nil {
		return row, err
	}
	if row.MovedDocImageURLs, err = encodeJSON(nonNilStrings(record.MovedDocImageURLs)); err != nil {
		return row, err
	}
	return row, nil
}

func encodeJSON(value any) (datatypes.JSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeJSON(raw datatypes.JSON, dest any) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func nonNilRefs(refs []duplicates.MovedRef) []duplicates.MovedRef {
	if refs == nil {
		return []duplicates.MovedRef{}
	}
	return refs
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
