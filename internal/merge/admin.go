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

type Impact struct {
	User            duplicates.UserSnapshot `json:"user"`
	ReferenceCounts map[string]int          `json:"reference_counts"`
	OwnedProperties int                     `json:"owned_properties"`
	TotalReferences int                     `json:"total_references"`
	SafeToDelete    bool                    `json:"safe_to_delete"`
}

// Impact counts everything that still points at a user. A user is safe to
// delete only when nothing does.
func (e *Engine) Impact(ctx context.Context, userID string) (*Impact, error) {
	userID, err := parseID("id", userID)
	if err != nil {
		return nil, err
	}
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts, err := e.store.CountReferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count references: %w", err)
	}
	owned, err := e.store.CountOwnedProperties(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count owned properties: %w", err)
	}

	impact := &Impact{
		User:            user.Snapshot(),
		ReferenceCounts: make(map[string]int, len(duplicates.UserReferences)),
		OwnedProperties: owned,
	}
	for _, ref := range duplicates.UserReferences {
		impact.ReferenceCounts[ref.Label] = counts[ref.Label]
		impact.TotalReferences += counts[ref.Label]
	}
	impact.SafeToDelete = impact.TotalReferences == 0 && owned == 0
	return impact, nil
}

type ResolveAction string

const (
	ResolveDeactivate       ResolveAction = "deactivate"
	ResolveHardDeleteIfSafe ResolveAction = "hard_delete_if_safe"
	ResolveMergeIntoPrimary ResolveAction = "merge_into_primary"
)

func ParseResolveAction(raw string) (ResolveAction, error) {
	action := ResolveAction(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ResolveDeactivate, ResolveHardDeleteIfSafe, ResolveMergeIntoPrimary:
		return action, nil
	}
	return "", duplicates.NewValidationError("action", fmt.Sprintf("unknown action %q", raw))
}

type ResolveRequest struct {
	Action          ResolveAction
	PrimaryUserID   string
	DuplicateCaseID *string
	Note            string
	PerformedBy     string
}

type ResolveResult struct {
	Action      ResolveAction `json:"action"`
	UserID      string        `json:"user_id"`
	Deactivated bool          `json:"deactivated,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
	Merge       *CommitResult `json:"merge,omitempty"`
}

// Resolve applies one of the operator shortcuts to a duplicate user. Callers
// check the action-specific permission before calling.
func (e *Engine) Resolve(ctx context.Context, userID string, req ResolveRequest) (*ResolveResult, error) {
	action, err := ParseResolveAction(string(req.Action))
	if err != nil {
		return nil, err
	}
	userID, err = parseID("id", userID)
	if err != nil {
		return nil, err
	}
	result := &ResolveResult{Action: action, UserID: userID}

	switch action {
	case ResolveDeactivate:
		if _, err := e.loadUser(ctx, userID); err != nil {
			return nil, err
		}
		changed, err := e.store.DeactivateUser(ctx, userID, globaltime.UTC())
		if err != nil {
			return nil, err
		}
		result.Deactivated = changed
		e.logger.Info().Str("user_id", userID).Str("performed_by", req.PerformedBy).Bool("changed", changed).Msg("User deactivated")

	case ResolveHardDeleteIfSafe:
		impact, err := e.Impact(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !impact.SafeToDelete {
			return nil, duplicates.NewValidationError("action", fmt.Sprintf(
				"user still has %d references and %d owned properties", impact.TotalReferences, impact.OwnedProperties,
			))
		}
		deleted, err := e.store.HardDeleteUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !deleted {
			return nil, duplicates.NewValidationError("action", "user gained references while deleting")
		}
		result.Deleted = true
		e.logger.Info().Str("user_id", userID).Str("performed_by", req.PerformedBy).Msg("User hard deleted")

	case ResolveMergeIntoPrimary:
		if strings.TrimSpace(req.PrimaryUserID) == "" {
			return nil, duplicates.NewValidationError("primaryUserId", "is required")
		}
		commit, err := e.Commit(ctx, CommitRequest{
			SourceUserID:    userID,
			TargetUserID:    req.PrimaryUserID,
			DuplicateCaseID: req.DuplicateCaseID,
			Confirmed:       true,
			Note:            req.Note,
			PerformedBy:     req.PerformedBy,
		})
		result.Merge = commit
		if err != nil {
			if commit != nil {
				return result, err
			}
			return nil, err
		}
	}
	return result, nil
}

type HistoryFilter struct {
	UserID string
	Status duplicates.MergeStatus
	Page   db.Page
}

type HistoryEntry struct {
	db.MergeOperationRecord
	StoredStatus duplicates.MergeStatus `json:"stored_status"`
	CanRollback  bool                   `json:"can_rollback"`
}

type HistoryPage struct {
	Operations []HistoryEntry `json:"operations"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

// ListMergeHistory lists operations newest first. Status is the effective
// status, so a completed operation past its deadline reads as expired.
func (e *Engine) ListMergeHistory(ctx context.Context, filter HistoryFilter) (*HistoryPage, error) {
	if strings.TrimSpace(filter.UserID) != "" {
		id, err := parseID("userId", filter.UserID)
		if err != nil {
			return nil, err
		}
		filter.UserID = id
	}
	if filter.Status != "" {
		status, err := duplicates.ParseMergeStatus(string(filter.Status))
		if err != nil {
			return nil, duplicates.NewValidationError("status", err.Error())
		}
		filter.Status = status
	}

	now := globaltime.UTC()
	records, total, err := e.store.ListMergeOperations(ctx, db.MergeOperationFilter{
		UserID: filter.UserID,
		Status: filter.Status,
		Now:    now,
		Page:   filter.Page,
	})
	if err != nil {
		return nil, fmt.Errorf("list merge operations: %w", err)
	}

	page := filter.Page.Normalized()
	out := &HistoryPage{
		Operations: make([]HistoryEntry, 0, len(records)),
		Total:      total,
		Page:       page.Page,
		PageSize:   page.PageSize,
	}
	for _, record := range records {
		entry := HistoryEntry{MergeOperationRecord: record, StoredStatus: record.Status}
		entry.Status = duplicates.EffectiveStatus(record.Status, record.RollbackExpiresAt, now)
		entry.CanRollback = entry.Status == duplicates.MergeCompleted
		out.Operations = append(out.Operations, entry)
	}
	return out, nil
}

// Operation loads one merge operation with its effective status.
func (e *Engine) Operation(ctx context.Context, operationID string) (*HistoryEntry, error) {
	operationID, err := parseID("id", operationID)
	if err != nil {
		return nil, err
	}
	record, err := e.store.GetMergeOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("merge operation %s: %w", operationID, duplicates.ErrNotFound)
		}
		return nil, fmt.Errorf("load merge operation %s: %w", operationID, err)
	}
	entry := &HistoryEntry{MergeOperationRecord: *record, StoredStatus: record.Status}
	entry.Status = duplicates.EffectiveStatus(record.Status, record.RollbackExpiresAt, globaltime.UTC())
	entry.CanRollback = entry.Status == duplicates.MergeCompleted
	return entry, nil
}

type SoftDeletedUser struct {
	duplicates.UserSnapshot
	MergedAt *time.Time `json:"merged_at,omitempty"`
}

type SoftDeletedPage struct {
	Users    []SoftDeletedUser `json:"users"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func (e *Engine) ListSoftDeletedUsers(ctx context.Context, page db.Page) (*SoftDeletedPage, error) {
	users, total, err := e.store.ListSoftDeletedUsers(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("list soft-deleted users: %w", err)
	}
	page = page.Normalized()
	out := &SoftDeletedPage{
		Users:    make([]SoftDeletedUser, 0, len(users)),
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, user := range users {
		out.Users = append(out.Users, SoftDeletedUser{UserSnapshot: user.Snapshot(), MergedAt: user.MergedAt})
	}
	return out, nil
}

// SweepExpired stores the expired status on every completed operation whose
// window has closed. Reads never depend on it.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := e.store.SweepExpiredMergeOperations(ctx, globaltime.UTC())
	if err != nil {
		return 0, err
	}
	e.logger.Info().Int64("expired", n).Msg("Expired merge operations swept")
	return n, nil
}

// ReleaseStaleClaims frees users left in the merging state by a commit that
// died before finishing. Claims younger than olderThan are left alone since
// their commit may still be running. Any references that already moved stay
// recorded on the unfinished operation and can be rolled back from there.
func (e *Engine) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, duplicates.NewValidationError("older_than", "must be positive")
	}
	now := globaltime.UTC()
	released, err := e.store.ReleaseStaleMergeClaims(ctx, now.Add(-olderThan), now)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		e.logger.Warn().Strs("user_ids", released).Dur("older_than", olderThan).Msg("Released stale merge claims")
	}
	return released, nil
}
