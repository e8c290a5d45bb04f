package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
)

const (
	stepMarkSourceMerged = "mark_source_merged"
	mergeUnfinished      = "merge did not finish"
)

type CommitRequest struct {
	SourceUserID    string
	TargetUserID    string
	DuplicateCaseID *string
	SuggestionKey   *string
	Confirmed       bool
	Note            string
	PerformedBy     string
}

type PartialFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

type CommitResult struct {
	OperationID       string                `json:"operation_id"`
	SourceUserID      string                `json:"source_user_id"`
	TargetUserID      string                `json:"target_user_id"`
	RollbackExpiresAt time.Time             `json:"rollback_expires_at"`
	MovedRefs         []duplicates.MovedRef `json:"moved_refs"`
	MoveCounts        map[string]int        `json:"move_counts"`
	MovedDocPublicIDs []string              `json:"moved_doc_public_ids"`
	MovedDocImageURLs []string              `json:"moved_doc_image_urls"`
	CaseUpdated       bool                  `json:"case_updated"`
	EmailDelivery     []Delivery            `json:"email_delivery"`
	Warnings          []duplicates.Conflict `json:"warnings"`
	PartialFailure    *PartialFailure       `json:"partial_failure,omitempty"`
}

// Commit merges the source user into the target. Reference types move one
// transaction at a time in registry order. When a move fails the remaining
// steps are skipped and the operation is still recorded with what did move;
// the result is returned alongside a *duplicates.PartialFailureError.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if !req.Confirmed {
		return nil, duplicates.NewValidationError("confirmed", "must be true")
	}
	performedBy := strings.TrimSpace(req.PerformedBy)
	if performedBy == "" {
		return nil, duplicates.NewValidationError("performed_by", "is required")
	}
	caseID, err := parseOptionalID("duplicateCaseId", req.DuplicateCaseID)
	if err != nil {
		return nil, err
	}

	source, target, err := e.loadPair(ctx, req.SourceUserID, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	now := globaltime.UTC()

	preview, err := e.preview(ctx, source, target, now)
	if err != nil {
		return nil, fmt.Errorf("recompute merge preview: %w", err)
	}
	if !preview.CanMerge {
		return nil, &duplicates.MergeBlockedError{Conflicts: preview.Conflicts}
	}

	claimed, err := e.store.ClaimUserForMerge(ctx, source.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("user %s: %w", source.ID, duplicates.ErrMergeInProgress)
	}

	// The operation is written before anything moves and carries the
	// unfinished marker until FinishMerge clears it, so an interrupted commit
	// still leaves a record the rollback engine can use.
	unfinished := mergeUnfinished
	op := &db.MergeOperationRecord{
		ID:                uuid.NewString(),
		SourceUserID:      source.ID,
		TargetUserID:      target.ID,
		DuplicateCaseID:   caseID,
		SuggestionKey:     trimmedOrNil(req.SuggestionKey),
		PerformedBy:       performedBy,
		Note:              strings.TrimSpace(req.Note),
		Status:            duplicates.MergeCompleted,
		RollbackExpiresAt: now.Add(e.opts.RollbackWindow),
		SourceSnapshot:    source.Snapshot(),
		TargetSnapshot:    target.Snapshot(),
		PartialFailure:    &unfinished,
		CreatedAt:         now,
	}
	if err := e.store.CreateMergeOperation(context.WithoutCancel(ctx), op); err != nil {
		e.releaseClaim(ctx, source.ID)
		return nil, fmt.Errorf("record merge operation: %w", err)
	}

	moved, failure := e.moveReferences(ctx, op.ID, source.ID, target.ID)
	op.MovedRefs = moved
	op.MovedDocPublicIDs, op.MovedDocImageURLs = e.documentAssets(ctx, moved)

	if failure == nil {
		if err := e.store.FinishMerge(context.WithoutCancel(ctx), op, now); err != nil {
			failure = &duplicates.PartialFailureError{Step: stepMarkSourceMerged, Completed: moved, Err: err}
		} else {
			op.PartialFailure = nil
		}
	}
	if failure != nil {
		e.releaseClaim(ctx, source.ID)
		message := failure.Error()
		op.PartialFailure = &message
		if err := e.store.RecordMergeFailure(context.WithoutCancel(ctx), op.ID, message, op.MovedDocPublicIDs, op.MovedDocImageURLs); err != nil {
			e.logger.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to record merge failure")
		}
	}

	result := &CommitResult{
		OperationID:       op.ID,
		SourceUserID:      source.ID,
		TargetUserID:      target.ID,
		RollbackExpiresAt: op.RollbackExpiresAt,
		MovedRefs:         moved,
		MoveCounts:        duplicates.MoveCounts(moved),
		MovedDocPublicIDs: op.MovedDocPublicIDs,
		MovedDocImageURLs: op.MovedDocImageURLs,
		EmailDelivery:     make([]Delivery, 0),
		Warnings:          warningsOnly(preview.Conflicts),
	}

	audit := e.logger.Info().
		Str("operation_id", op.ID).
		Str("source_user_id", source.ID).
		Str("target_user_id", target.ID).
		Str("performed_by", performedBy).
		Interface("move_counts", result.MoveCounts)

	if failure != nil {
		result.PartialFailure = &PartialFailure{Step: failure.Step, Error: failure.Err.Error()}
		audit.Str("failed_step", failure.Step).Msg("Merge partially applied")
		return result, failure
	}

	if caseID != nil {
		updated, err := e.store.SetCaseStatus(ctx, *caseID, duplicates.CaseMerged, now)
		if err != nil {
			e.logger.Warn().Err(err).Str("case_id", *caseID).Msg("Failed to mark duplicate case merged")
		}
		result.CaseUpdated = updated
	}

	result.EmailDelivery = e.notifyMerge(ctx, op)
	audit.Msg("Merge committed")
	return result, nil
}

// releaseClaim detaches from the request context so a canceled request still
// frees the source for a retry.
func (e *Engine) releaseClaim(ctx context.Context, sourceID string) {
	if err := e.store.ReleaseUserClaim(context.WithoutCancel(ctx), sourceID, globaltime.UTC()); err != nil {
		e.logger.Error().Err(err).Str("source_user_id", sourceID).Msg("Failed to release merge claim")
	}
}

func (e *Engine) moveReferences(ctx context.Context, operationID, sourceID, targetID string) ([]duplicates.MovedRef, *duplicates.PartialFailureError) {
	moved := make([]duplicates.MovedRef, 0, len(duplicates.UserReferences))
	for _, ref := range duplicates.UserReferences {
		ids, err := e.store.MoveReferences(ctx, operationID, ref.Label, sourceID, targetID)
		if err != nil {
			e.logger.Error().Err(err).Str("step", ref.Label).Str("source_user_id", sourceID).Msg("Reference move failed")
			return moved, &duplicates.PartialFailureError{Step: ref.Label, Completed: moved, Err: err}
		}
		if len(ids) == 0 {
			continue
		}
		moved = append(moved, duplicates.MovedRef{
			Label: ref.Label,
			Model: ref.Model,
			Field: ref.Field,
			IDs:   ids,
		})
	}
	return moved, nil
}

// documentAssets collects the hosted files of moved KYC documents. A lookup
// failure only loses the cleanup hints, so it is logged and skipped.
func (e *Engine) documentAssets(ctx context.Context, moved []duplicates.MovedRef) ([]string, []string) {
	var documentIDs []string
	for _, ref := range moved {
		if ref.Label == "kyc_documents" {
			documentIDs = append(documentIDs, ref.IDs...)
		}
	}
	if len(documentIDs) == 0 {
		return []string{}, []string{}
	}

	publicIDs, imageURLs, err := e.store.ListDocumentAssets(ctx, documentIDs)
	if err != nil {
		e.logger.Warn().Err(err).Int("documents", len(documentIDs)).Msg("Failed to collect moved document assets")
		return []string{}, []string{}
	}
	return publicIDs, imageURLs
}

func warningsOnly(conflicts []duplicates.Conflict) []duplicates.Conflict {
	out := make([]duplicates.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Severity == duplicates.SeverityWarning {
			out = append(out, c)
		}
	}
	return out
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// IsPartial reports whether err came back from a commit that still recorded
// an operation.
func IsPartial(err error) bool {
	var partial *duplicates.PartialFailureError
	return errors.As(err, &partial)
}
