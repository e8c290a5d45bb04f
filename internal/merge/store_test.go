package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/notify"
)

// memStore keeps every reference as ref id -> owning user id per label so
// moves and rollbacks can be checked by counting owners.
type memStore struct {
	mu sync.Mutex

	users           map[string]db.User
	refs            map[string]map[string]string
	bookings        map[string]db.Booking
	pendingPayments map[string]bool
	ownedProperties map[string]int
	citizenships    map[string][]string
	docAssets       map[string][2]string
	ops             map[string]db.MergeOperationRecord
	cases           map[string]duplicates.CaseStatus

	failMoveLabel string
	failCreateOp  error
	failFinish    error
	loseClaim     bool
	writes        int
}

func newMemStore() *memStore {
	s := &memStore{
		users:           make(map[string]db.User),
		refs:            make(map[string]map[string]string),
		bookings:        make(map[string]db.Booking),
		pendingPayments: make(map[string]bool),
		ownedProperties: make(map[string]int),
		citizenships:    make(map[string][]string),
		docAssets:       make(map[string][2]string),
		ops:             make(map[string]db.MergeOperationRecord),
		cases:           make(map[string]duplicates.CaseStatus),
	}
	for _, ref := range duplicates.UserReferences {
		s.refs[ref.Label] = make(map[string]string)
	}
	return s
}

func (s *memStore) addUser(name, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.users[id] = db.User{
		ID:        id,
		Name:      name,
		Email:     email,
		Role:      "renter",
		IsActive:  true,
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	return id
}

func (s *memStore) addRefs(label, userID string, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		s.refs[label][id] = userID
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) addBooking(renterID, propertyID string, start, end time.Time) string {
	id := s.addRefs("bookings_as_renter", renterID, 1)[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[id] = db.Booking{ID: id, PropertyID: propertyID, RenterID: renterID, Status: "confirmed", StartDate: start, EndDate: end}
	return id
}

func (s *memStore) countOwned(label, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, owner := range s.refs[label] {
		if owner == userID {
			n++
		}
	}
	return n
}

func (s *memStore) totalOwned(userID string) int {
	total := 0
	for _, ref := range duplicates.UserReferences {
		total += s.countOwned(ref.Label, userID)
	}
	return total
}

func (s *memStore) user(id string) db.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) GetUser(_ context.Context, userID string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNoRows
	}
	return &user, nil
}

func (s *memStore) CountReferences(_ context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, ref := range duplicates.UserReferences {
		counts[ref.Label] = s.countOwned(ref.Label, userID)
	}
	return counts, nil
}

func (s *memStore) CountOwnedProperties(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownedProperties[userID], nil
}

func (s *memStore) ListOpenBookings(_ context.Context, renterID string, now time.Time) ([]db.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Booking, 0)
	for id, owner := range s.refs["bookings_as_renter"] {
		booking, ok := s.bookings[id]
		if !ok || owner != renterID || !booking.EndDate.After(now) {
			continue
		}
		booking.RenterID = owner
		out = append(out, booking)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountPendingPayments(_ context.Context, renterID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, owner := range s.refs["payments_as_renter"] {
		if owner == renterID && s.pendingPayments[id] {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListVerifiedCitizenships(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.citizenships[userID]...), nil
}

func (s *memStore) ClaimUserForMerge(_ context.Context, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok || s.loseClaim || user.MergeStatus != "" {
		return false, nil
	}
	user.MergeStatus = string(duplicates.UserMerging)
	user.UpdatedAt = now
	s.users[userID] = user
	s.writes++
	return true, nil
}

func (s *memStore) ReleaseUserClaim(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[userID]
	if user.MergeStatus == string(duplicates.UserMerging) {
		user.MergeStatus = ""
		user.UpdatedAt = now
		s.users[userID] = user
		s.writes++
	}
	return nil
}

func (s *memStore) MoveReferences(_ context.Context, operationID, label, fromUserID, toUserID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if label == s.failMoveLabel {
		return nil, fmt.Errorf("move %s: connection reset", label)
	}
	op, ok := s.ops[operationID]
	if !ok {
		return nil, fmt.Errorf("record moved %s: %w", label, db.ErrNoRows)
	}
	moved := make([]string, 0)
	for id, owner := range s.refs[label] {
		if owner == fromUserID {
			s.refs[label][id] = toUserID
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	if len(moved) > 0 {
		ref, _ := duplicates.LookupRef(label)
		op.MovedRefs = append(op.MovedRefs, duplicates.MovedRef{Label: label, Model: ref.Model, Field: ref.Field, IDs: moved})
		s.ops[operationID] = op
	}
	s.writes++
	return moved, nil
}

func (s *memStore) ListDocumentAssets(_ context.Context, documentIDs []string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	publicIDs := make([]string, 0)
	imageURLs := make([]string, 0)
	for _, id := range documentIDs {
		asset, ok := s.docAssets[id]
		if !ok {
			continue
		}
		publicIDs = append(publicIDs, asset[0])
		imageURLs = append(imageURLs, asset[1])
	}
	return publicIDs, imageURLs, nil
}

func (s *memStore) FinishMerge(_ context.Context, record *db.MergeOperationRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinish != nil {
		return s.failFinish
	}
	user := s.users[record.SourceUserID]
	if user.MergeStatus != string(duplicates.UserMerging) {
		return fmt.Errorf("merge claim lost")
	}
	target := record.TargetUserID
	merged := now
	user.IsActive = false
	user.MergeStatus = string(duplicates.UserMerged)
	user.MergedIntoUserID = &target
	user.MergedAt = &merged
	s.users[record.SourceUserID] = user

	op := s.ops[record.ID]
	op.PartialFailure = nil
	op.MovedDocPublicIDs = record.MovedDocPublicIDs
	op.MovedDocImageURLs = record.MovedDocImageURLs
	s.ops[record.ID] = op
	s.writes++
	return nil
}

func (s *memStore) RecordMergeFailure(_ context.Context, operationID, message string, publicIDs, imageURLs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return db.ErrNoRows
	}
	op.PartialFailure = &message
	op.MovedDocPublicIDs = publicIDs
	op.MovedDocImageURLs = imageURLs
	s.ops[operationID] = op
	s.writes++
	return nil
}

func (s *memStore) ReleaseStaleMergeClaims(_ context.Context, claimedBefore, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := make([]string, 0)
	for id, user := range s.users {
		if user.MergeStatus == string(duplicates.UserMerging) && user.UpdatedAt.Before(claimedBefore) {
			user.MergeStatus = ""
			user.UpdatedAt = now
			s.users[id] = user
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released, nil
}

func (s *memStore) CreateMergeOperation(_ context.Context, record *db.MergeOperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateOp != nil {
		return s.failCreateOp
	}
	stored := *record
	stored.MovedRefs = append([]duplicates.MovedRef(nil), record.MovedRefs...)
	s.ops[record.ID] = stored
	s.writes++
	return nil
}

func (s *memStore) SetCaseStatus(_ context.Context, caseID string, status duplicates.CaseStatus, _ time.Time, from ...duplicates.CaseStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.cases[caseID]
	if !ok {
		return false, nil
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if f == current {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
	}
	s.cases[caseID] = status
	s.writes++
	return true, nil
}

func (s *memStore) GetMergeOperation(_ context.Context, operationID string) (*db.MergeOperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return nil, db.ErrNoRows
	}
	return &op, nil
}

func (s *memStore) ApplyRollback(_ context.Context, op *db.MergeOperationRecord, performedBy string, now time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.ops[op.ID]
	if !ok {
		return nil, db.ErrNoRows
	}
	if stored.Status == duplicates.MergeRolledBack {
		return nil, duplicates.ErrRollbackAlreadyApplied
	}
	if stored.Status != duplicates.MergeCompleted || !now.Before(stored.RollbackExpiresAt) {
		return nil, duplicates.ErrRollbackExpired
	}

	restored := make(map[string]int)
	for i := len(stored.MovedRefs) - 1; i >= 0; i-- {
		moved := stored.MovedRefs[i]
		for _, id := range moved.IDs {
			if s.refs[moved.Label][id] == stored.TargetUserID {
				s.refs[moved.Label][id] = stored.SourceUserID
				restored[moved.Label]++
			}
		}
	}

	user := s.users[stored.SourceUserID]
	user.IsActive = stored.SourceSnapshot.IsActive
	user.MergeStatus = string(stored.SourceSnapshot.MergeStatus)
	user.MergedIntoUserID = stored.SourceSnapshot.MergedIntoUserID
	user.MergedAt = nil
	s.users[stored.SourceUserID] = user

	if stored.DuplicateCaseID != nil && s.cases[*stored.DuplicateCaseID] == duplicates.CaseMerged {
		s.cases[*stored.DuplicateCaseID] = duplicates.CaseReviewing
	}

	by := performedBy
	at := now
	stored.Status = duplicates.MergeRolledBack
	stored.RolledBackAt = &at
	stored.RolledBackBy = &by
	s.ops[op.ID] = stored
	s.writes++
	return restored, nil
}

func (s *memStore) ListMergeOperations(_ context.Context, filter db.MergeOperationFilter) ([]db.MergeOperationRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.MergeOperationRecord, 0)
	for _, op := range s.ops {
		if filter.UserID != "" && op.SourceUserID != filter.UserID && op.TargetUserID != filter.UserID {
			continue
		}
		if filter.Status != "" && duplicates.EffectiveStatus(op.Status, op.RollbackExpiresAt, filter.Now) != filter.Status {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (s *memStore) SweepExpiredMergeOperations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, op := range s.ops {
		if op.Status == duplicates.MergeCompleted && !now.Before(op.RollbackExpiresAt) {
			op.Status = duplicates.MergeExpired
			s.ops[id] = op
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeactivateUser(_ context.Context, userID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok || !user.IsActive {
		return false, nil
	}
	user.IsActive = false
	s.users[userID] = user
	s.writes++
	return true, nil
}

func (s *memStore) HardDeleteUser(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, owners := range s.refs {
		for _, owner := range owners {
			if owner == userID {
				return false, nil
			}
		}
	}
	if s.ownedProperties[userID] > 0 {
		return false, nil
	}
	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	delete(s.users, userID)
	s.writes++
	return true, nil
}

func (s *memStore) ListSoftDeletedUsers(_ context.Context, _ db.Page) ([]db.User, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.User, 0)
	for _, user := range s.users {
		if !user.IsActive && user.MergedIntoUserID != nil {
			out = append(out, user)
		}
	}
	return out, int64(len(out)), nil
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []notify.Message
	failTo map[string]error
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failTo[msg.To]; ok {
		return err
	}
	r.sent = append(r.sent, msg)
	return nil
}
