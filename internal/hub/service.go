// Package hub keeps the operator-facing case workflow: promoting scanner
// suggestions to persisted cases, triage updates, and the hub view that
// overlays existing cases on a fresh scan.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/logging"
	"horse.fit/dupehub/internal/scanner"
)

type Store interface {
	UpsertCase(ctx context.Context, in db.CaseUpsert) (*db.CaseRecord, bool, error)
	GetCase(ctx context.Context, caseID string) (*db.CaseRecord, error)
	ListCases(ctx context.Context, filter db.CaseFilter) ([]db.CaseRecord, int64, error)
	UpdateCase(ctx context.Context, caseID string, patch db.CasePatch, now time.Time) (*db.CaseRecord, error)
	BulkUpdateCaseStatus(ctx context.Context, caseIDs []string, status duplicates.CaseStatus, now time.Time) ([]string, error)
	LookupCases(ctx context.Context, keys []db.CaseKey) (map[db.CaseKey]db.CaseRecord, error)
	CountOpenCases(ctx context.Context) (int64, error)
}

type Scanner interface {
	Scan(ctx context.Context, opts scanner.Options) (*scanner.Result, error)
}

type Service struct {
	store                Store
	scanner              Scanner
	logger               zerolog.Logger
	defaultMinConfidence int
}

func NewService(store Store, scan Scanner, logger zerolog.Logger, defaultMinConfidence int) *Service {
	return &Service{
		store:                store,
		scanner:              scan,
		logger:               logging.Component(logger, "hub"),
		defaultMinConfidence: defaultMinConfidence,
	}
}

// CaseInput is an operator-created case.
type CaseInput struct {
	EntityType duplicates.EntityType
	Key        string
	Reason     string
	Confidence int
	Signals    duplicates.Signals
	Primary    *duplicates.RecordSnapshot
	Duplicates []duplicates.RecordSnapshot
	Status     duplicates.CaseStatus
	Assignee   *string
	Notes      *string
}

// BulkResult accounts for every requested id exactly once:
// Requested == Modified + len(Missing) + len(Duplicates).
type BulkResult struct {
	Requested  int      `json:"requested"`
	Modified   int      `json:"modified"`
	Missing    []string `json:"missing"`
	Duplicates []string `json:"duplicates"`
}

type CaseList struct {
	Cases    []db.CaseRecord `json:"cases"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// UpsertFromSuggestion persists a scanner group as a case. Calling it again
// for the same (entity type, key) refreshes that case instead of adding one.
func (s *Service) UpsertFromSuggestion(ctx context.Context, suggestion scanner.Suggestion, status duplicates.CaseStatus) (*db.CaseRecord, bool, error) {
	primary := suggestion.Primary
	return s.upsert(ctx, CaseInput{
		EntityType: suggestion.EntityType,
		Key:        suggestion.Key,
		Reason:     suggestion.Reason,
		Confidence: suggestion.Confidence,
		Signals:    suggestion.Signals,
		Primary:    &primary,
		Duplicates: suggestion.Duplicates,
		Status:     status,
	})
}

// CreateCase records an operator-supplied group through the same upsert
// path the scanner uses.
func (s *Service) CreateCase(ctx context.Context, in CaseInput) (*db.CaseRecord, bool, error) {
	record, created, err := s.upsert(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if in.Assignee == nil && in.Notes == nil {
		return record, created, nil
	}

	updated, err := s.store.UpdateCase(ctx, record.ID, db.CasePatch{Assignee: in.Assignee, Notes: in.Notes}, globaltime.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("apply case assignment: %w", err)
	}
	return updated, created, nil
}

func (s *Service) upsert(ctx context.Context, in CaseInput) (*db.CaseRecord, bool, error) {
	if _, err := duplicates.ParseEntityType(string(in.EntityType)); err != nil {
		return nil, false, duplicates.NewValidationError("entity_type", err.Error())
	}
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, false, duplicates.NewValidationError("key", "is required")
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return nil, false, duplicates.NewValidationError("confidence", "must be between 0 and 100")
	}
	if in.Status != "" {
		if _, err := duplicates.ParseCaseStatus(string(in.Status)); err != nil {
			return nil, false, duplicates.NewValidationError("status", err.Error())
		}
	}
	if err := in.Signals.Validate(in.EntityType); err != nil {
		return nil, false, err
	}

	record, created, err := s.store.UpsertCase(ctx, db.CaseUpsert{
		ID:         uuid.NewString(),
		EntityType: in.EntityType,
		Key:        key,
		Reason:     strings.TrimSpace(in.Reason),
		Confidence: in.Confidence,
		Signals:    in.Signals,
		Primary:    in.Primary,
		Duplicates: in.Duplicates,
		Status:     in.Status,
		Now:        globaltime.UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert case: %w", err)
	}

	s.logger.Info().
		Str("case_id", record.ID).
		Str("entity_type", string(record.EntityType)).
		Str("key", record.Key).
		Bool("created", created).
		Msg("Duplicate case upserted")
	return record, created, nil
}

func (s *Service) GetCase(ctx context.Context, caseID string) (*db.CaseRecord, error) {
	if err := validateID("id", caseID); err != nil {
		return nil, err
	}
	record, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, mapNotFound(err, "case", caseID)
	}
	return record, nil
}

// UpdateCase applies a triage patch. Status moves are checked against the
// transition table.
func (s *Service) UpdateCase(ctx context.Context, caseID string, patch db.CasePatch) (*db.CaseRecord, error) {
	if patch.Status == nil && patch.Assignee == nil && patch.Notes == nil {
		return nil, duplicates.NewValidationError("patch", "must set status, assignee or notes")
	}
	current, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		if _, err := duplicates.ParseCaseStatus(string(*patch.Status)); err != nil {
			return nil, duplicates.NewValidationError("status", err.Error())
		}
		if !duplicates.CanTransition(current.Status, *patch.Status) {
			return nil, duplicates.NewValidationError("status", fmt.Sprintf("cannot move from %s to %s", current.Status, *patch.Status))
		}
	}

	updated, err := s.store.UpdateCase(ctx, caseID, patch, globaltime.UTC())
	if err != nil {
		return nil, mapNotFound(err, "case", caseID)
	}

	event := s.logger.Info().Str("case_id", caseID)
	if patch.Status != nil {
		event = event.Str("from", string(current.Status)).Str("to", string(*patch.Status))
	}
	event.Msg("Duplicate case updated")
	return updated, nil
}

// BulkUpdateStatus applies one status to many cases. Unknown or malformed ids
// are reported as missing and repeated ids as duplicates; neither fails the
// batch.
func (s *Service) BulkUpdateStatus(ctx context.Context, caseIDs []string, status duplicates.CaseStatus) (BulkResult, error) {
	if len(caseIDs) == 0 {
		return BulkResult{}, duplicates.NewValidationError("ids", "must not be empty")
	}
	if _, err := duplicates.ParseCaseStatus(string(status)); err != nil {
		return BulkResult{}, duplicates.NewValidationError("status", err.Error())
	}

	result := BulkResult{Requested: len(caseIDs), Missing: make([]string, 0), Duplicates: make([]string, 0)}
	valid := make([]string, 0, len(caseIDs))
	seen := make(map[string]struct{}, len(caseIDs))
	for _, raw := range caseIDs {
		id := strings.TrimSpace(raw)
		parsed, err := uuid.Parse(id)
		if err != nil {
			result.Missing = append(result.Missing, raw)
			continue
		}
		canonical := parsed.String()
		if _, dup := seen[canonical]; dup {
			result.Duplicates = append(result.Duplicates, raw)
			continue
		}
		seen[canonical] = struct{}{}
		valid = append(valid, canonical)
	}

	updated, err := s.store.BulkUpdateCaseStatus(ctx, valid, status, globaltime.UTC())
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk update case status: %w", err)
	}

	hit := make(map[string]struct{}, len(updated))
	for _, id := range updated {
		hit[id] = struct{}{}
	}
	for _, id := range valid {
		if _, ok := hit[id]; !ok {
			result.Missing = append(result.Missing, id)
		}
	}
	result.Modified = len(updated)

	s.logger.Info().
		Str("status", string(status)).
		Int("requested", result.Requested).
		Int("modified", result.Modified).
		Int("missing", len(result.Missing)).
		Int("duplicates", len(result.Duplicates)).
		Msg("Duplicate cases bulk updated")
	return result, nil
}

func (s *Service) ListCases(ctx context.Context, filter db.CaseFilter) (CaseList, error) {
	if filter.EntityType != "" {
		if _, err := duplicates.ParseEntityType(string(filter.EntityType)); err != nil {
			return CaseList{}, duplicates.NewValidationError("entityType", err.Error())
		}
	}
	if filter.Status != "" {
		if _, err := duplicates.ParseCaseStatus(string(filter.Status)); err != nil {
			return CaseList{}, duplicates.NewValidationError("status", err.Error())
		}
	}

	cases, total, err := s.store.ListCases(ctx, filter)
	if err != nil {
		return CaseList{}, fmt.Errorf("list cases: %w", err)
	}
	page := filter.Page.Normalized()
	return CaseList{Cases: cases, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

func validateID(field, raw string) error {
	if _, err := uuid.Parse(strings.TrimSpace(raw)); err != nil {
		return duplicates.NewValidationError(field, "must be a UUID")
	}
	return nil
}

func mapNotFound(err error, kind, id string) error {
	if errors.Is(err, db.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, duplicates.ErrNotFound)
	}
	return err
}
