package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/notify"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *memStore, sender notify.Sender) *Engine {
	t.Helper()
	t.Cleanup(globaltime.Freeze(testNow))
	return NewEngine(store, sender, zerolog.Nop(), Options{
		RollbackWindow: 30 * time.Minute,
		RecentActivity: 30 * time.Minute,
	})
}

func (s *memStore) updateUser(id string, fn func(*db.User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[id]
	fn(&user)
	s.users[id] = user
}

func conflictCodes(conflicts []duplicates.Conflict, severity duplicates.Severity) []string {
	codes := make([]string, 0)
	for _, c := range conflicts {
		if c.Severity == severity {
			codes = append(codes, c.Code)
		}
	}
	return codes
}

func commitRequest(source, target string) CommitRequest {
	return CommitRequest{
		SourceUserID: source,
		TargetUserID: target,
		Confirmed:    true,
		Note:         "same renter, two signups",
		PerformedBy:  "admin-1",
	}
}

func TestCommitMovesBookingsAndPayments(t *testing.T) {
	store := newMemStore()
	sender := &recordingSender{}
	engine := newTestEngine(t, store, sender)

	source := store.addUser("Ana Silva", "ana@example.com")
	target := store.addUser("Ana Silva", "ana.silva@example.com")
	bookingIDs := store.addRefs("bookings_as_renter", source, 3)
	paymentIDs := store.addRefs("payments_as_renter", source, 2)
	store.addRefs("messages_received", target, 1)
	targetBefore := store.totalOwned(target)

	preview, err := engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	require.True(t, preview.CanMerge)
	require.Equal(t, 3, preview.MoveCounts["bookings_as_renter"])
	require.Equal(t, 2, preview.MoveCounts["payments_as_renter"])
	require.Equal(t, 5, preview.TotalMoves)
	require.Equal(t, 30, preview.RollbackWindowMinutes)

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)
	require.Nil(t, result.PartialFailure)
	require.Len(t, result.MovedRefs, 2)
	require.Equal(t, "Booking", result.MovedRefs[0].Model)
	require.ElementsMatch(t, bookingIDs, result.MovedRefs[0].IDs)
	require.Equal(t, "Payment", result.MovedRefs[1].Model)
	require.ElementsMatch(t, paymentIDs, result.MovedRefs[1].IDs)
	require.Equal(t, preview.MoveCounts, result.MoveCounts)
	require.Equal(t, testNow.Add(30*time.Minute), result.RollbackExpiresAt)

	require.Equal(t, targetBefore+5, store.totalOwned(target))
	require.Zero(t, store.totalOwned(source))

	merged := store.user(source)
	require.False(t, merged.IsActive)
	require.Equal(t, string(duplicates.UserMerged), merged.MergeStatus)
	require.NotNil(t, merged.MergedIntoUserID)
	require.Equal(t, target, *merged.MergedIntoUserID)

	require.Len(t, result.EmailDelivery, 2)
	for _, delivery := range result.EmailDelivery {
		require.True(t, delivery.Delivered, delivery.Error)
	}
	require.Len(t, sender.sent, 2)
	require.Equal(t, "ana@example.com", sender.sent[0].To)

	op, err := store.GetMergeOperation(context.Background(), result.OperationID)
	require.NoError(t, err)
	require.Equal(t, duplicates.MergeCompleted, op.Status)
	require.True(t, op.SourceSnapshot.IsActive)
	require.Equal(t, "admin-1", op.PerformedBy)
	require.Nil(t, op.PartialFailure)
	require.Len(t, op.MovedRefs, 2)
}

func TestCommitWithNoReferencesOnlyDeactivatesSource(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Bo", "bo@example.com")
	target := store.addUser("Bo", "bo2@example.com")

	preview, err := engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	require.True(t, preview.CanMerge)
	require.Zero(t, preview.TotalMoves)

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)
	require.Empty(t, result.MovedRefs)
	require.False(t, store.user(source).IsActive)
}

func TestCommitBlockedConflictWritesNothing(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Cy", "cy@example.com")
	target := store.addUser("Cy", "cy2@example.com")
	store.addRefs("bookings_as_renter", source, 2)
	store.ownedProperties[source] = 1

	preview, err := engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	require.False(t, preview.CanMerge)

	_, err = engine.Commit(context.Background(), commitRequest(source, target))
	require.ErrorIs(t, err, duplicates.ErrMergeBlocked)
	var blocked *duplicates.MergeBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Contains(t, conflictCodes(blocked.Conflicts, duplicates.SeverityBlocking), ConflictSourceOwnsProperty)

	require.Zero(t, store.writeCount())
	require.Equal(t, 2, store.countOwned("bookings_as_renter", source))
	require.True(t, store.user(source).IsActive)
	require.Empty(t, store.ops)
}

func TestCommitValidation(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Di", "di@example.com")
	target := store.addUser("Di", "di2@example.com")

	req := commitRequest(source, target)
	req.Confirmed = false
	_, err := engine.Commit(context.Background(), req)
	require.ErrorIs(t, err, duplicates.ErrValidation)

	_, err = engine.Commit(context.Background(), commitRequest(source, source))
	require.ErrorIs(t, err, duplicates.ErrValidation)

	_, err = engine.Preview(context.Background(), source, "not-a-uuid")
	require.ErrorIs(t, err, duplicates.ErrValidation)

	_, err = engine.Preview(context.Background(), source, uuid.NewString())
	require.ErrorIs(t, err, duplicates.ErrNotFound)

	req = commitRequest(source, target)
	req.PerformedBy = " "
	_, err = engine.Commit(context.Background(), req)
	require.ErrorIs(t, err, duplicates.ErrValidation)

	require.Zero(t, store.writeCount())
}

func TestCommitLosingClaimReportsInProgress(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Ed", "ed@example.com")
	target := store.addUser("Ed", "ed2@example.com")
	store.addRefs("favorites", source, 1)
	store.loseClaim = true

	_, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.ErrorIs(t, err, duplicates.ErrMergeInProgress)
	require.Equal(t, 1, store.countOwned("favorites", source))
	require.Empty(t, store.ops)
}

func TestPreviewConflictsAndWarnings(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Flo", "flo@example.com")
	target := store.addUser("Flo", "flo2@example.com")

	property := uuid.NewString()
	store.addBooking(source, property, testNow.Add(24*time.Hour), testNow.Add(72*time.Hour))
	store.addBooking(target, property, testNow.Add(48*time.Hour), testNow.Add(96*time.Hour))
	payment := store.addRefs("payments_as_renter", source, 1)[0]
	store.pendingPayments[payment] = true
	store.citizenships[source] = []string{"12-345"}
	store.citizenships[target] = []string{"99-999"}
	lastLogin := testNow.Add(-5 * time.Minute)
	store.updateUser(source, func(u *db.User) { u.LastLoginAt = &lastLogin })

	preview, err := engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	require.False(t, preview.CanMerge)
	require.ElementsMatch(t, []string{ConflictIdentityMismatch, ConflictOverlappingBookings}, conflictCodes(preview.Conflicts, duplicates.SeverityBlocking))
	require.ElementsMatch(t, []string{WarningPendingPayments, WarningRecentActivity, WarningUpcomingBookings}, conflictCodes(preview.Conflicts, duplicates.SeverityWarning))

	store.citizenships[target] = []string{"12 345"}
	store.updateUser(target, func(u *db.User) { u.IsActive = false })
	store.updateUser(source, func(u *db.User) {
		u.IsActive = false
		u.LastLoginAt = nil
	})

	preview, err = engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	blocking := conflictCodes(preview.Conflicts, duplicates.SeverityBlocking)
	require.NotContains(t, blocking, ConflictIdentityMismatch)
	require.Contains(t, blocking, ConflictTargetInactive)
	require.Contains(t, conflictCodes(preview.Conflicts, duplicates.SeverityWarning), WarningSourceInactive)
}

func TestPreviewFlagsAlreadyMergedSource(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Gus", "gus@example.com")
	target := store.addUser("Gus", "gus2@example.com")
	other := store.addUser("Gus", "gus3@example.com")

	_, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)

	preview, err := engine.Preview(context.Background(), source, other)
	require.NoError(t, err)
	require.False(t, preview.CanMerge)
	require.Contains(t, conflictCodes(preview.Conflicts, duplicates.SeverityBlocking), ConflictSourceAlreadyMerged)
	require.NotContains(t, conflictCodes(preview.Conflicts, duplicates.SeverityWarning), WarningSourceInactive)
}

func TestRollbackRestoresPreMergeState(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Hana", "hana@example.com")
	target := store.addUser("Hana", "hana2@example.com")
	store.addRefs("bookings_as_renter", source, 3)
	store.addRefs("payments_as_renter", source, 2)
	store.addRefs("messages_sent", target, 4)
	caseID := uuid.NewString()
	store.cases[caseID] = duplicates.CaseReviewing
	sourceBefore, targetBefore := store.totalOwned(source), store.totalOwned(target)

	req := commitRequest(source, target)
	req.DuplicateCaseID = &caseID
	result, err := engine.Commit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.CaseUpdated)
	require.Equal(t, duplicates.CaseMerged, store.cases[caseID])

	globaltime.Advance(10 * time.Minute)
	rolled, err := engine.Rollback(context.Background(), result.OperationID, "admin-2")
	require.NoError(t, err)
	require.Equal(t, duplicates.MergeRolledBack, rolled.Status)
	require.Equal(t, 3, rolled.RestoredCounts["bookings_as_renter"])

	require.Equal(t, sourceBefore, store.totalOwned(source))
	require.Equal(t, targetBefore, store.totalOwned(target))
	restored := store.user(source)
	require.True(t, restored.IsActive)
	require.Empty(t, restored.MergeStatus)
	require.Nil(t, restored.MergedIntoUserID)
	require.Equal(t, duplicates.CaseReviewing, store.cases[caseID])

	op := store.ops[result.OperationID]
	require.Equal(t, duplicates.MergeRolledBack, op.Status)
	require.NotNil(t, op.RolledBackBy)
	require.Equal(t, "admin-2", *op.RolledBackBy)
}

func TestRollbackAfterDeadlineIsRefused(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Ivo", "ivo@example.com")
	target := store.addUser("Ivo", "ivo2@example.com")
	store.addRefs("favorites", source, 2)

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)
	writes := store.writeCount()

	globaltime.Advance(30 * time.Minute)
	_, err = engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.ErrorIs(t, err, duplicates.ErrRollbackExpired)

	globaltime.Advance(time.Hour)
	_, err = engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.ErrorIs(t, err, duplicates.ErrRollbackExpired)

	require.Equal(t, writes, store.writeCount())
	require.Equal(t, 2, store.countOwned("favorites", target))
	require.False(t, store.user(source).IsActive)
	require.Equal(t, duplicates.MergeCompleted, store.ops[result.OperationID].Status)
}

func TestRollbackTwiceIsRefused(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Jo", "jo@example.com")
	target := store.addUser("Jo", "jo2@example.com")
	store.addRefs("kyc_documents", source, 1)

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)

	_, err = engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.NoError(t, err)
	_, err = engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.ErrorIs(t, err, duplicates.ErrRollbackAlreadyApplied)
	require.Equal(t, 1, store.countOwned("kyc_documents", source))
}

func TestRollbackUnknownOperation(t *testing.T) {
	engine := newTestEngine(t, newMemStore(), &recordingSender{})

	_, err := engine.Rollback(context.Background(), uuid.NewString(), "admin-1")
	require.ErrorIs(t, err, duplicates.ErrNotFound)

	_, err = engine.Rollback(context.Background(), "op-1", "admin-1")
	require.ErrorIs(t, err, duplicates.ErrValidation)
}

func TestCommitPartialFailureRecordsProgress(t *testing.T) {
	store := newMemStore()
	sender := &recordingSender{}
	engine := newTestEngine(t, store, sender)
	source := store.addUser("Kim", "kim@example.com")
	target := store.addUser("Kim", "kim2@example.com")
	store.addRefs("bookings_as_renter", source, 3)
	store.addRefs("payments_as_renter", source, 2)
	store.addRefs("messages_sent", source, 1)
	store.addRefs("favorites", source, 1)
	caseID := uuid.NewString()
	store.cases[caseID] = duplicates.CaseReviewing
	store.failMoveLabel = "messages_sent"

	req := commitRequest(source, target)
	req.DuplicateCaseID = &caseID
	result, err := engine.Commit(context.Background(), req)
	require.ErrorIs(t, err, duplicates.ErrPartialFailure)
	require.True(t, IsPartial(err))
	require.NotNil(t, result)
	require.NotNil(t, result.PartialFailure)
	require.Equal(t, "messages_sent", result.PartialFailure.Step)
	require.Len(t, result.MovedRefs, 2)
	require.Equal(t, 3, result.MoveCounts["bookings_as_renter"])
	require.Equal(t, 2, result.MoveCounts["payments_as_renter"])
	require.Zero(t, result.MoveCounts["favorites"])
	require.Empty(t, result.EmailDelivery)
	require.Empty(t, sender.sent)

	require.Equal(t, 1, store.countOwned("messages_sent", source))
	require.Equal(t, 1, store.countOwned("favorites", source))
	stillThere := store.user(source)
	require.True(t, stillThere.IsActive)
	require.Empty(t, stillThere.MergeStatus)
	require.Equal(t, duplicates.CaseReviewing, store.cases[caseID])

	op := store.ops[result.OperationID]
	require.Equal(t, duplicates.MergeCompleted, op.Status)
	require.NotNil(t, op.PartialFailure)

	store.failMoveLabel = ""
	_, err = engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, 3, store.countOwned("bookings_as_renter", source))
	require.Equal(t, 2, store.countOwned("payments_as_renter", source))
}

func TestCommitReportsFailedNotice(t *testing.T) {
	store := newMemStore()
	sender := &recordingSender{failTo: map[string]error{"lu2@example.com": errors.New("mailbox unavailable")}}
	engine := newTestEngine(t, store, sender)
	source := store.addUser("Lu", "lu@example.com")
	target := store.addUser("Lu", "lu2@example.com")
	docs := store.addRefs("kyc_documents", source, 1)
	store.docAssets[docs[0]] = [2]string{"kyc/lu-front", "https://cdn.example.com/kyc/lu-front.jpg"}

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)
	require.Equal(t, []string{"kyc/lu-front"}, result.MovedDocPublicIDs)
	require.Equal(t, []string{"https://cdn.example.com/kyc/lu-front.jpg"}, result.MovedDocImageURLs)

	require.Len(t, result.EmailDelivery, 2)
	require.Equal(t, RecipientSource, result.EmailDelivery[0].Role)
	require.True(t, result.EmailDelivery[0].Delivered)
	require.Equal(t, RecipientTarget, result.EmailDelivery[1].Role)
	require.False(t, result.EmailDelivery[1].Delivered)
	require.Contains(t, result.EmailDelivery[1].Error, "mailbox unavailable")
	require.False(t, store.user(source).IsActive)
}

func TestImpactAndResolve(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	busy := store.addUser("Mo", "mo@example.com")
	idle := store.addUser("Mo", "mo2@example.com")
	primary := store.addUser("Mo", "mo3@example.com")
	store.addRefs("favorites", busy, 1)

	impact, err := engine.Impact(context.Background(), busy)
	require.NoError(t, err)
	require.Equal(t, 1, impact.TotalReferences)
	require.False(t, impact.SafeToDelete)

	_, err = engine.Resolve(context.Background(), busy, ResolveRequest{Action: ResolveHardDeleteIfSafe, PerformedBy: "admin-1"})
	require.ErrorIs(t, err, duplicates.ErrValidation)

	resolved, err := engine.Resolve(context.Background(), idle, ResolveRequest{Action: ResolveHardDeleteIfSafe, PerformedBy: "admin-1"})
	require.NoError(t, err)
	require.True(t, resolved.Deleted)
	_, err = engine.Impact(context.Background(), idle)
	require.ErrorIs(t, err, duplicates.ErrNotFound)

	_, err = engine.Resolve(context.Background(), busy, ResolveRequest{Action: ResolveMergeIntoPrimary, PerformedBy: "admin-1"})
	require.ErrorIs(t, err, duplicates.ErrValidation)

	resolved, err = engine.Resolve(context.Background(), busy, ResolveRequest{Action: ResolveMergeIntoPrimary, PrimaryUserID: primary, PerformedBy: "admin-1"})
	require.NoError(t, err)
	require.NotNil(t, resolved.Merge)
	require.Equal(t, 1, store.countOwned("favorites", primary))

	resolved, err = engine.Resolve(context.Background(), primary, ResolveRequest{Action: ResolveDeactivate, PerformedBy: "admin-1"})
	require.NoError(t, err)
	require.True(t, resolved.Deactivated)
	require.False(t, store.user(primary).IsActive)

	_, err = engine.Resolve(context.Background(), primary, ResolveRequest{Action: "archive"})
	require.ErrorIs(t, err, duplicates.ErrValidation)
}

func TestMergeHistoryUsesEffectiveStatus(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	first := store.addUser("Ny", "ny@example.com")
	firstTarget := store.addUser("Ny", "ny2@example.com")
	second := store.addUser("Ol", "ol@example.com")
	secondTarget := store.addUser("Ol", "ol2@example.com")

	old, err := engine.Commit(context.Background(), commitRequest(first, firstTarget))
	require.NoError(t, err)
	globaltime.Advance(45 * time.Minute)
	_, err = engine.Commit(context.Background(), commitRequest(second, secondTarget))
	require.NoError(t, err)

	history, err := engine.ListMergeHistory(context.Background(), HistoryFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 2, history.Total)
	for _, entry := range history.Operations {
		if entry.ID == old.OperationID {
			require.Equal(t, duplicates.MergeExpired, entry.Status)
			require.Equal(t, duplicates.MergeCompleted, entry.StoredStatus)
			require.False(t, entry.CanRollback)
		} else {
			require.Equal(t, duplicates.MergeCompleted, entry.Status)
			require.True(t, entry.CanRollback)
		}
	}

	single, err := engine.Operation(context.Background(), old.OperationID)
	require.NoError(t, err)
	require.Equal(t, duplicates.MergeExpired, single.Status)
	require.False(t, single.CanRollback)
	_, err = engine.Operation(context.Background(), "99999999-9999-4999-8999-999999999999")
	require.ErrorIs(t, err, duplicates.ErrNotFound)

	expired, err := engine.ListMergeHistory(context.Background(), HistoryFilter{Status: duplicates.MergeExpired})
	require.NoError(t, err)
	require.Len(t, expired.Operations, 1)
	require.Equal(t, old.OperationID, expired.Operations[0].ID)

	_, err = engine.ListMergeHistory(context.Background(), HistoryFilter{Status: "pending"})
	require.ErrorIs(t, err, duplicates.ErrValidation)

	swept, err := engine.SweepExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
	require.Equal(t, duplicates.MergeExpired, store.ops[old.OperationID].Status)

	softDeleted, err := engine.ListSoftDeletedUsers(context.Background(), db.Page{})
	require.NoError(t, err)
	require.EqualValues(t, 2, softDeleted.Total)
	require.NotNil(t, softDeleted.Users[0].MergedAt)
}

func TestCommitOperationInsertFailureMovesNothing(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Mo", "mo@example.com")
	target := store.addUser("Mo", "mo2@example.com")
	store.addRefs("bookings_as_renter", source, 3)
	store.failCreateOp = errors.New("insert failed")

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.Error(t, err)
	require.Nil(t, result)
	require.False(t, IsPartial(err))

	require.Equal(t, 3, store.countOwned("bookings_as_renter", source))
	untouched := store.user(source)
	require.True(t, untouched.IsActive)
	require.Empty(t, untouched.MergeStatus)
	require.Empty(t, store.ops)

	store.failCreateOp = nil
	preview, err := engine.Preview(context.Background(), source, target)
	require.NoError(t, err)
	require.True(t, preview.CanMerge)
}

func TestCommitFinishFailureKeepsRollbackPossible(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Nia", "nia@example.com")
	target := store.addUser("Nia", "nia2@example.com")
	store.addRefs("bookings_as_renter", source, 3)
	store.addRefs("favorites", source, 1)
	store.failFinish = errors.New("connection reset")

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.True(t, IsPartial(err))
	require.NotNil(t, result)
	require.Equal(t, stepMarkSourceMerged, result.PartialFailure.Step)

	claimFreed := store.user(source)
	require.True(t, claimFreed.IsActive)
	require.Empty(t, claimFreed.MergeStatus)

	op := store.ops[result.OperationID]
	require.NotNil(t, op.PartialFailure)
	require.NotEqual(t, mergeUnfinished, *op.PartialFailure)
	require.Equal(t, 3, duplicates.MoveCounts(op.MovedRefs)["bookings_as_renter"])
	require.Equal(t, 1, duplicates.MoveCounts(op.MovedRefs)["favorites"])

	rolled, err := engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, 3, rolled.RestoredCounts["bookings_as_renter"])
	require.Equal(t, 3, store.countOwned("bookings_as_renter", source))
	require.Equal(t, 1, store.countOwned("favorites", source))
}

func TestRollbackCountsOnlyRowsStillOnTarget(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	source := store.addUser("Oz", "oz@example.com")
	target := store.addUser("Oz", "oz2@example.com")
	other := store.addUser("Pat", "pat@example.com")
	bookingIDs := store.addRefs("bookings_as_renter", source, 3)

	result, err := engine.Commit(context.Background(), commitRequest(source, target))
	require.NoError(t, err)

	store.mu.Lock()
	store.refs["bookings_as_renter"][bookingIDs[0]] = other
	store.mu.Unlock()

	rolled, err := engine.Rollback(context.Background(), result.OperationID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, 2, rolled.RestoredCounts["bookings_as_renter"])
	require.Equal(t, 2, store.countOwned("bookings_as_renter", source))
	require.Equal(t, 1, store.countOwned("bookings_as_renter", other))
}

func TestReleaseStaleClaims(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &recordingSender{})
	stuck := store.addUser("Quin", "quin@example.com")
	busy := store.addUser("Rae", "rae@example.com")
	store.updateUser(stuck, func(u *db.User) {
		u.MergeStatus = string(duplicates.UserMerging)
		u.UpdatedAt = testNow.Add(-time.Hour)
	})
	store.updateUser(busy, func(u *db.User) {
		u.MergeStatus = string(duplicates.UserMerging)
		u.UpdatedAt = testNow.Add(-time.Minute)
	})

	released, err := engine.ReleaseStaleClaims(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{stuck}, released)
	require.Empty(t, store.user(stuck).MergeStatus)
	require.Equal(t, string(duplicates.UserMerging), store.user(busy).MergeStatus)

	_, err = engine.ReleaseStaleClaims(context.Background(), 0)
	require.ErrorIs(t, err, duplicates.ErrValidation)
}
