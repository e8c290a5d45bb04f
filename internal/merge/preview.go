package merge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/scanner"
)

const (
	ConflictSourceAlreadyMerged = "source_already_merged"
	ConflictTargetInactive      = "target_inactive"
	ConflictMergeInProgress     = "merge_in_progress"
	ConflictSourceOwnsProperty  = "source_owns_properties"
	ConflictIdentityMismatch    = "identity_mismatch"
	ConflictOverlappingBookings = "overlapping_bookings"

	WarningPendingPayments  = "pending_payments"
	WarningRecentActivity   = "recent_activity"
	WarningUpcomingBookings = "upcoming_bookings"
	WarningSourceInactive   = "source_inactive"
)

type Preview struct {
	Source                duplicates.UserSnapshot `json:"source"`
	Target                duplicates.UserSnapshot `json:"target"`
	MoveCounts            map[string]int          `json:"move_counts"`
	TotalMoves            int                     `json:"total_moves"`
	Conflicts             []duplicates.Conflict   `json:"conflicts"`
	CanMerge              bool                    `json:"can_merge"`
	RollbackWindowMinutes int                     `json:"rollback_window_minutes"`
}

// Preview reports what a merge of sourceID into targetID would move and what
// stands in its way. It never writes.
func (e *Engine) Preview(ctx context.Context, sourceID, targetID string) (*Preview, error) {
	source, target, err := e.loadPair(ctx, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, source, target, globaltime.UTC())
}

func (e *Engine) loadPair(ctx context.Context, sourceID, targetID string) (*db.User, *db.User, error) {
	sourceID, err := parseID("sourceUserId", sourceID)
	if err != nil {
		return nil, nil, err
	}
	targetID, err = parseID("targetUserId", targetID)
	if err != nil {
		return nil, nil, err
	}
	if sourceID == targetID {
		return nil, nil, duplicates.NewValidationError("targetUserId", "must differ from the source user")
	}

	source, err := e.loadUser(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}
	target, err := e.loadUser(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

type previewFacts struct {
	counts             map[string]int
	ownedProperties    int
	pendingPayments    int
	sourceBookings     []db.Booking
	targetBookings     []db.Booking
	sourceCitizenships []string
	targetCitizenships []string
}

func (e *Engine) gatherFacts(ctx context.Context, sourceID, targetID string, now time.Time) (*previewFacts, error) {
	facts := &previewFacts{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := e.store.CountReferences(gctx, sourceID)
		if err != nil {
			return fmt.Errorf("count references: %w", err)
		}
		facts.counts = counts
		return nil
	})
	g.Go(func() error {
		n, err := e.store.CountOwnedProperties(gctx, sourceID)
		if err != nil {
			return fmt.Errorf("count owned properties: %w", err)
		}
		facts.ownedProperties = n
		return nil
	})
	g.Go(func() error {
		n, err := e.store.CountPendingPayments(gctx, sourceID)
		if err != nil {
			return fmt.Errorf("count pending payments: %w", err)
		}
		facts.pendingPayments = n
		return nil
	})
	g.Go(func() error {
		bookings, err := e.store.ListOpenBookings(gctx, sourceID, now)
		if err != nil {
			return fmt.Errorf("list source bookings: %w", err)
		}
		facts.sourceBookings = bookings
		return nil
	})
	g.Go(func() error {
		bookings, err := e.store.ListOpenBookings(gctx, targetID, now)
		if err != nil {
			return fmt.Errorf("list target bookings: %w", err)
		}
		facts.targetBookings = bookings
		return nil
	})
	g.Go(func() error {
		values, err := e.store.ListVerifiedCitizenships(gctx, sourceID)
		if err != nil {
			return fmt.Errorf("list source citizenships: %w", err)
		}
		facts.sourceCitizenships = values
		return nil
	})
	g.Go(func() error {
		values, err := e.store.ListVerifiedCitizenships(gctx, targetID)
		if err != nil {
			return fmt.Errorf("list target citizenships: %w", err)
		}
		facts.targetCitizenships = values
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return facts, nil
}

func (e *Engine) preview(ctx context.Context, source, target *db.User, now time.Time) (*Preview, error) {
	facts, err := e.gatherFacts(ctx, source.ID, target.ID, now)
	if err != nil {
		return nil, err
	}

	moveCounts := make(map[string]int, len(duplicates.UserReferences))
	total := 0
	for _, ref := range duplicates.UserReferences {
		n := facts.counts[ref.Label]
		moveCounts[ref.Label] = n
		total += n
	}

	conflicts := e.conflicts(source, target, facts, now)
	return &Preview{
		Source:                source.Snapshot(),
		Target:                target.Snapshot(),
		MoveCounts:            moveCounts,
		TotalMoves:            total,
		Conflicts:             conflicts,
		CanMerge:              !duplicates.HasBlocking(conflicts),
		RollbackWindowMinutes: e.RollbackWindowMinutes(),
	}, nil
}

func (e *Engine) conflicts(source, target *db.User, facts *previewFacts, now time.Time) []duplicates.Conflict {
	out := make([]duplicates.Conflict, 0)
	block := func(code, format string, args ...any) {
		out = append(out, duplicates.Conflict{Code: code, Severity: duplicates.SeverityBlocking, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(code, format string, args ...any) {
		out = append(out, duplicates.Conflict{Code: code, Severity: duplicates.SeverityWarning, Message: fmt.Sprintf(format, args...)})
	}

	sourceMerged := isMerged(source)
	if sourceMerged {
		block(ConflictSourceAlreadyMerged, "source user %s was already merged", source.ID)
	}
	if !target.IsActive || isMerged(target) {
		block(ConflictTargetInactive, "target user %s is inactive or merged", target.ID)
	}
	if source.MergeStatus == string(duplicates.UserMerging) || target.MergeStatus == string(duplicates.UserMerging) {
		block(ConflictMergeInProgress, "another merge involving these users is in progress")
	}
	if facts.ownedProperties > 0 {
		block(ConflictSourceOwnsProperty, "source user owns %d properties; ownership is not moved", facts.ownedProperties)
	}
	if identityMismatch(facts.sourceCitizenships, facts.targetCitizenships) {
		block(ConflictIdentityMismatch, "verified KYC documents carry different citizenship numbers")
	}
	if n := overlappingBookings(facts.sourceBookings, facts.targetBookings); n > 0 {
		block(ConflictOverlappingBookings, "%d open bookings overlap on the same property", n)
	}

	if facts.pendingPayments > 0 {
		warn(WarningPendingPayments, "source user has %d pending payments", facts.pendingPayments)
	}
	if source.LastLoginAt != nil && e.opts.RecentActivity > 0 && now.Sub(*source.LastLoginAt) < e.opts.RecentActivity {
		warn(WarningRecentActivity, "source user logged in at %s", source.LastLoginAt.UTC().Format(time.RFC3339))
	}
	if len(facts.sourceBookings) > 0 {
		warn(WarningUpcomingBookings, "source user has %d open bookings that will move", len(facts.sourceBookings))
	}
	if !source.IsActive && !sourceMerged {
		warn(WarningSourceInactive, "source user is already deactivated")
	}
	return out
}

func isMerged(u *db.User) bool {
	return u.MergeStatus == string(duplicates.UserMerged) || (u.MergedIntoUserID != nil && *u.MergedIntoUserID != "")
}

// identityMismatch is true when both users hold verified numbers and none of
// them agree.
func identityMismatch(source, target []string) bool {
	if len(source) == 0 || len(target) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(source))
	for _, raw := range source {
		if n := scanner.NormalizeCitizenship(raw); n != "" {
			seen[n] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return false
	}
	compared := false
	for _, raw := range target {
		n := scanner.NormalizeCitizenship(raw)
		if n == "" {
			continue
		}
		compared = true
		if _, ok := seen[n]; ok {
			return false
		}
	}
	return compared
}

func overlappingBookings(source, target []db.Booking) int {
	n := 0
	for _, a := range source {
		for _, b := range target {
			if a.PropertyID != b.PropertyID {
				continue
			}
			if a.StartDate.Before(b.EndDate) && b.StartDate.Before(a.EndDate) {
				n++
			}
		}
	}
	return n
}
