package hub

import (
	"context"
	"fmt"
	"time"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/scanner"
)

type HubQuery struct {
	EntityType duplicates.EntityType
	// MinConfidence overrides the configured default when set.
	MinConfidence   *int
	IncludeResolved bool
}

// CaseSummary is the slice of a persisted case shown next to a suggestion.
type CaseSummary struct {
	ID        string                `json:"id"`
	Status    duplicates.CaseStatus `json:"status"`
	Assignee  *string               `json:"assignee,omitempty"`
	Notes     string                `json:"notes,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type HubSuggestion struct {
	scanner.Suggestion
	Case *CaseSummary `json:"case,omitempty"`
}

type HubTotals struct {
	Suggestions  int                              `json:"suggestions"`
	ByEntityType map[duplicates.EntityType]int    `json:"by_entity_type"`
	Hidden       int                              `json:"hidden_resolved"`
	OpenCases    int64                            `json:"open_cases"`
	ScanErrors   map[duplicates.EntityType]string `json:"scan_errors,omitempty"`
}

type HubView struct {
	Suggestions   []HubSuggestion `json:"suggestions"`
	Totals        HubTotals       `json:"totals"`
	MinConfidence int             `json:"min_confidence"`
	ScannedAt     time.Time       `json:"scanned_at"`
}

// Hub runs a scan and overlays the cases already opened for each group.
// Groups whose case is resolved are hidden unless IncludeResolved is set.
func (s *Service) Hub(ctx context.Context, q HubQuery) (*HubView, error) {
	if q.EntityType != "" {
		if _, err := duplicates.ParseEntityType(string(q.EntityType)); err != nil {
			return nil, duplicates.NewValidationError("entityType", err.Error())
		}
	}
	minConfidence := s.defaultMinConfidence
	if q.MinConfidence != nil {
		minConfidence = *q.MinConfidence
	}

	result, err := s.scanner.Scan(ctx, scanner.Options{EntityType: q.EntityType, MinConfidence: minConfidence})
	if err != nil {
		return nil, err
	}

	keys := make([]db.CaseKey, 0, len(result.Groups))
	for _, group := range result.Groups {
		keys = append(keys, db.CaseKey{EntityType: group.EntityType, Key: group.Key})
	}
	existing, err := s.store.LookupCases(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup cases for hub: %w", err)
	}
	openCases, err := s.store.CountOpenCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("count open cases: %w", err)
	}

	view := &HubView{
		Suggestions:   make([]HubSuggestion, 0, len(result.Groups)),
		MinConfidence: minConfidence,
		ScannedAt:     result.ScannedAt,
		Totals: HubTotals{
			ByEntityType: make(map[duplicates.EntityType]int, len(result.Totals)),
			OpenCases:    openCases,
			ScanErrors:   result.Errors,
		},
	}
	for kind := range result.Totals {
		view.Totals.ByEntityType[kind] = 0
	}

	for _, group := range result.Groups {
		item := HubSuggestion{Suggestion: group}
		if record, ok := existing[db.CaseKey{EntityType: group.EntityType, Key: group.Key}]; ok {
			if record.Status.IsResolved() && !q.IncludeResolved {
				view.Totals.Hidden++
				continue
			}
			item.Case = &CaseSummary{
				ID:        record.ID,
				Status:    record.Status,
				Assignee:  record.Assignee,
				Notes:     record.Notes,
				UpdatedAt: record.UpdatedAt,
			}
		}
		view.Suggestions = append(view.Suggestions, item)
		view.Totals.ByEntityType[group.EntityType]++
	}
	view.Totals.Suggestions = len(view.Suggestions)
	return view, nil
}

type PromoteResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Promote scans and upserts every group at or above minConfidence. Existing
// cases keep their status. A group that fails to persist is logged and
// counted; the rest are still promoted.
func (s *Service) Promote(ctx context.Context, opts scanner.Options) (PromoteResult, *scanner.Result, error) {
	result, err := s.scanner.Scan(ctx, opts)
	if err != nil {
		return PromoteResult{}, nil, err
	}

	var out PromoteResult
	for _, group := range result.Groups {
		if err := ctx.Err(); err != nil {
			return out, result, err
		}
		_, created, err := s.UpsertFromSuggestion(ctx, group, "")
		if err != nil {
			out.Failed++
			s.logger.Warn().Err(err).Str("key", group.Key).Msg("Failed to promote suggestion")
			continue
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}
	return out, result, nil
}
