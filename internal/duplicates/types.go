// Package duplicates holds the vocabulary shared by the scanner, the case
// store and the merge engine: entity kinds, workflow states, the registry of
// collections that reference a user, and the error taxonomy.
package duplicates

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityProperty    EntityType = "property"
	EntityKYCDocument EntityType = "kyc_document"
)

var AllEntityTypes = []EntityType{EntityUser, EntityProperty, EntityKYCDocument}

func ParseEntityType(raw string) (EntityType, error) {
	value := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case EntityUser, EntityProperty, EntityKYCDocument:
		return value, nil
	case "kyc", "document":
		return EntityKYCDocument, nil
	}
	return "", fmt.Errorf("unknown entity type %q", raw)
}

type CaseStatus string

const (
	CaseNew           CaseStatus = "new"
	CaseReviewing     CaseStatus = "reviewing"
	CaseMerged        CaseStatus = "merged"
	CaseIgnored       CaseStatus = "ignored"
	CaseFalsePositive CaseStatus = "false_positive"
)

var AllCaseStatuses = []CaseStatus{CaseNew, CaseReviewing, CaseMerged, CaseIgnored, CaseFalsePositive}

// caseTransitions lists the statuses reachable from each status. Operators
// currently move cases freely; tighten an entry here to forbid a move.
var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseNew:           AllCaseStatuses,
	CaseReviewing:     AllCaseStatuses,
	CaseMerged:        AllCaseStatuses,
	CaseIgnored:       AllCaseStatuses,
	CaseFalsePositive: AllCaseStatuses,
}

func ParseCaseStatus(raw string) (CaseStatus, error) {
	value := CaseStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := caseTransitions[value]; !ok {
		return "", fmt.Errorf("unknown case status %q", raw)
	}
	return value, nil
}

func CanTransition(from, to CaseStatus) bool {
	allowed, ok := caseTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func (s CaseStatus) IsResolved() bool {
	switch s {
	case CaseMerged, CaseIgnored, CaseFalsePositive:
		return true
	}
	return false
}

type MergeStatus string

const (
	MergeCompleted  MergeStatus = "completed"
	MergeRolledBack MergeStatus = "rolled_back"
	MergeExpired    MergeStatus = "expired"
)

func ParseMergeStatus(raw string) (MergeStatus, error) {
	value := MergeStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case MergeCompleted, MergeRolledBack, MergeExpired:
		return value, nil
	}
	return "", fmt.Errorf("unknown merge status %q", raw)
}

// EffectiveStatus resolves the implicit completed -> expired transition. The
// stored status is only rewritten by an explicit sweep.
func EffectiveStatus(stored MergeStatus, expiresAt, now time.Time) MergeStatus {
	if stored == MergeCompleted && !now.Before(expiresAt) {
		return MergeExpired
	}
	return stored
}

// UserMergeStatus is the marker stamped on a user row while and after it is
// merged away.
type UserMergeStatus string

const (
	UserNotMerged UserMergeStatus = ""
	UserMerging   UserMergeStatus = "merging"
	UserMerged    UserMergeStatus = "merged"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

type Conflict struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func HasBlocking(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// RefType describes one foreign key that points at a user.
type RefType struct {
	Label string `json:"label"`
	Model string `json:"model"`
	Table string `json:"-"`
	Field string `json:"field"`
}

// UserReferences is walked in order by both commit and rollback.
var UserReferences = []RefType{
	{Label: "bookings_as_renter", Model: "Booking", Table: "bookings", Field: "renter_id"},
	{Label: "payments_as_renter", Model: "Payment", Table: "payments", Field: "renter_id"},
	{Label: "messages_sent", Model: "Message", Table: "messages", Field: "sender_id"},
	{Label: "messages_received", Model: "Message", Table: "messages", Field: "receiver_id"},
	{Label: "kyc_documents", Model: "KYCDocument", Table: "kyc_documents", Field: "user_id"},
	{Label: "favorites", Model: "Favorite", Table: "favorites", Field: "user_id"},
}

func LookupRef(label string) (RefType, bool) {
	for _, ref := range UserReferences {
		if ref.Label == label {
			return ref, true
		}
	}
	return RefType{}, false
}

type MovedRef struct {
	Label string   `json:"label"`
	Model string   `json:"model"`
	Field string   `json:"field"`
	IDs   []string `json:"ids"`
}

func MoveCounts(refs []MovedRef) map[string]int {
	counts := make(map[string]int, len(UserReferences))
	for _, ref := range UserReferences {
		counts[ref.Label] = 0
	}
	for _, ref := range refs {
		counts[ref.Label] += len(ref.IDs)
	}
	return counts
}
