// Package merge previews, commits and rolls back user merges. A commit moves
// every reference from the source user to the target and records what moved
// so the rollback engine can put it back inside the rollback window.
package merge

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
	"horse.fit/dupehub/internal/logging"
	"horse.fit/dupehub/internal/notify"
)

type Store interface {
	GetUser(ctx context.Context, userID string) (*db.User, error)
	CountReferences(ctx context.Context, userID string) (map[string]int, error)
	CountOwnedProperties(ctx context.Context, userID string) (int, error)
	ListOpenBookings(ctx context.Context, renterID string, now time.Time) ([]db.Booking, error)
	CountPendingPayments(ctx context.Context, renterID string) (int, error)
	ListVerifiedCitizenships(ctx context.Context, userID string) ([]string, error)

	ClaimUserForMerge(ctx context.Context, userID string, now time.Time) (bool, error)
	ReleaseUserClaim(ctx context.Context, userID string, now time.Time) error
	ReleaseStaleMergeClaims(ctx context.Context, claimedBefore, now time.Time) ([]string, error)
	CreateMergeOperation(ctx context.Context, record *db.MergeOperationRecord) error
	MoveReferences(ctx context.Context, operationID, label, fromUserID, toUserID string) ([]string, error)
	ListDocumentAssets(ctx context.Context, documentIDs []string) ([]string, []string, error)
	FinishMerge(ctx context.Context, op *db.MergeOperationRecord, now time.Time) error
	RecordMergeFailure(ctx context.Context, operationID, message string, publicIDs, imageURLs []string) error
	SetCaseStatus(ctx context.Context, caseID string, status duplicates.CaseStatus, now time.Time, from ...duplicates.CaseStatus) (bool, error)

	GetMergeOperation(ctx context.Context, operationID string) (*db.MergeOperationRecord, error)
	ApplyRollback(ctx context.Context, op *db.MergeOperationRecord, performedBy string, now time.Time) (map[string]int, error)
	ListMergeOperations(ctx context.Context, filter db.MergeOperationFilter) ([]db.MergeOperationRecord, int64, error)
	SweepExpiredMergeOperations(ctx context.Context, now time.Time) (int64, error)

	DeactivateUser(ctx context.Context, userID string, now time.Time) (bool, error)
	HardDeleteUser(ctx context.Context, userID string) (bool, error)
	ListSoftDeletedUsers(ctx context.Context, page db.Page) ([]db.User, int64, error)
}

type Options struct {
	RollbackWindow time.Duration
	// RecentActivity is how far back a source login raises a warning.
	RecentActivity time.Duration
}

type Engine struct {
	store    Store
	notifier notify.Sender
	logger   zerolog.Logger
	opts     Options
}

func NewEngine(store Store, notifier notify.Sender, logger zerolog.Logger, opts Options) *Engine {
	if opts.RollbackWindow <= 0 {
		opts.RollbackWindow = 30 * time.Minute
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logging.Component(logger, "merge"),
		opts:     opts,
	}
}

func (e *Engine) RollbackWindowMinutes() int {
	return int(e.opts.RollbackWindow / time.Minute)
}

func parseID(field, raw string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", duplicates.NewValidationError(field, "must be a UUID")
	}
	return parsed.String(), nil
}

func parseOptionalID(field string, raw *string) (*string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := parseID(field, *raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (e *Engine) loadUser(ctx context.Context, userID string) (*db.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, duplicates.ErrNotFound)
		}
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user, nil
}
