package scanner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
)

type fakeSource struct {
	users        []db.User
	properties   []db.Property
	documents    []db.KYCDocument
	usersErr     error
	propertyErr  error
	documentsErr error
}

func (f *fakeSource) ListUsersForScan(context.Context) ([]db.User, error) {
	return f.users, f.usersErr
}

func (f *fakeSource) ListPropertiesForScan(context.Context) ([]db.Property, error) {
	return f.properties, f.propertyErr
}

func (f *fakeSource) ListDocumentsForScan(context.Context) ([]db.KYCDocument, error) {
	return f.documents, f.documentsErr
}

var baseTime = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func user(id, name, email string, phone, citizenship *string, ageDays int) db.User {
	return db.User{
		ID:                id,
		Name:              name,
		Email:             email,
		Phone:             phone,
		CitizenshipNumber: citizenship,
		IsActive:          true,
		CreatedAt:         baseTime.Add(-time.Duration(ageDays) * 24 * time.Hour),
	}
}

func findGroup(t *testing.T, result *Result, key string) Suggestion {
	t.Helper()
	for _, g := range result.Groups {
		if g.Key == key {
			return g
		}
	}
	keys := make([]string, 0, len(result.Groups))
	for _, g := range result.Groups {
		keys = append(keys, g.Key)
	}
	t.Fatalf("group %q not found among %s", key, strings.Join(keys, ", "))
	return Suggestion{}
}

func TestScanGroupsUsersByCitizenshipAndEmail(t *testing.T) {
	t.Parallel()

	source := &fakeSource{users: []db.User{
		user("u-new", "Ana Sharma", "Ana.Sharma+web@gmail.com", nil, strPtr("12-34-567"), 2),
		user("u-old", "Ana Sharma", "anasharma@googlemail.com", nil, strPtr("1234567"), 40),
		user("u-other", "Bikash Rai", "bikash@example.com", nil, strPtr("999"), 5),
	}}
	scanner := New(source, zerolog.Nop())

	result, err := scanner.Scan(context.Background(), Options{EntityType: duplicates.EntityUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(result.Groups))
	}

	group := findGroup(t, result, "user:cit:1234567")
	if group.Confidence != confidenceCitizenshipEmail {
		t.Fatalf("expected citizenship plus email confidence, got %d", group.Confidence)
	}
	if group.Primary.ID() != "u-old" {
		t.Fatalf("expected oldest user as primary, got %s", group.Primary.ID())
	}
	if len(group.Duplicates) != 1 || group.Duplicates[0].ID() != "u-new" {
		t.Fatalf("unexpected duplicates: %#v", group.Duplicates)
	}
	if group.Signals.User == nil || group.Signals.User.Email != "anasharma@gmail.com" {
		t.Fatalf("unexpected user evidence: %#v", group.Signals.User)
	}
	if err := group.Signals.Validate(duplicates.EntityUser); err != nil {
		t.Fatalf("scanner produced invalid signals: %v", err)
	}
	if result.Totals[duplicates.EntityUser] != 1 {
		t.Fatalf("unexpected totals: %#v", result.Totals)
	}
}

func TestScanCitizenshipEmailBonusNeedsSamePair(t *testing.T) {
	t.Parallel()

	source := &fakeSource{users: []db.User{
		user("u1", "Sita Gurung", "sita@example.com", nil, strPtr("555-111"), 30),
		user("u2", "Sita Gurung", "sgurung@example.org", nil, strPtr("555111"), 10),
		user("u3", "Sita G", "sita@example.com", nil, strPtr("777"), 5),
	}}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{EntityType: duplicates.EntityUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	group := findGroup(t, result, "user:cit:555111")
	if len(group.Duplicates) != 2 {
		t.Fatalf("expected all three users in one group, got %d duplicates", len(group.Duplicates))
	}
	if group.Confidence != confidenceCitizenship {
		t.Fatalf("expected plain citizenship confidence, got %d", group.Confidence)
	}
	for _, m := range group.Signals.Matches {
		if m.Rule == ruleCitizenship && m.Confidence != confidenceCitizenship {
			t.Fatalf("citizenship match must not take the email bonus: %#v", m)
		}
	}
}

func TestScanLinksSharedPhoneOnlyWithSimilarNames(t *testing.T) {
	t.Parallel()

	source := &fakeSource{users: []db.User{
		user("u1", "Ana Sharma", "ana@example.com", strPtr("+977 980-123-4567"), nil, 10),
		user("u2", "Anna Sharma", "anna@example.org", strPtr("9801234567"), nil, 3),
		user("u3", "Ram Thapa", "ram@example.net", strPtr("980 123 4567"), nil, 1),
	}}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	group := findGroup(t, result, "user:phone:9801234567")
	if group.Confidence != confidencePhoneName {
		t.Fatalf("expected phone+name confidence, got %d", group.Confidence)
	}
	ids := []string{group.Primary.ID()}
	for _, d := range group.Duplicates {
		ids = append(ids, d.ID())
	}
	if strings.Join(ids, ",") != "u1,u2" {
		t.Fatalf("expected u1,u2 grouped without u3, got %v", ids)
	}
	if group.Signals.User.NameSimilarity < minNameSimilarity {
		t.Fatalf("expected name similarity evidence, got %v", group.Signals.User.NameSimilarity)
	}
}

func TestScanGroupsPropertiesExactAndSimilar(t *testing.T) {
	t.Parallel()

	source := &fakeSource{properties: []db.Property{
		{ID: "p1", OwnerID: "owner-a", Title: "Cozy loft near lake", Location: "Pokhara", CreatedAt: baseTime.Add(-48 * time.Hour)},
		{ID: "p2", OwnerID: "owner-a", Title: "Cozy  Loft near LAKE", Location: "pokhara", CreatedAt: baseTime},
		{ID: "p3", OwnerID: "owner-a", Title: "Cozy loft near the lake", Location: "Pokhara", CreatedAt: baseTime},
		{ID: "p4", OwnerID: "owner-b", Title: "Cozy loft near lake", Location: "Pokhara", CreatedAt: baseTime},
		{ID: "p5", OwnerID: "owner-a", Title: "Mountain cabin", Location: "Pokhara", CreatedAt: baseTime},
	}}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{EntityType: duplicates.EntityProperty})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected one property group, got %d", len(result.Groups))
	}

	group := findGroup(t, result, "property:owner-a:cozy loft near lake|pokhara")
	if group.Confidence != confidenceTitleLocation {
		t.Fatalf("expected exact title confidence, got %d", group.Confidence)
	}
	if len(group.Duplicates) != 2 {
		t.Fatalf("expected the exact and the similar listing as duplicates, got %d", len(group.Duplicates))
	}
	rules := make([]string, 0, len(group.Signals.Matches))
	for _, m := range group.Signals.Matches {
		rules = append(rules, m.Rule)
	}
	if strings.Join(rules, ",") != ruleTitleLocation+","+ruleSimilarTitle {
		t.Fatalf("unexpected rules: %v", rules)
	}
	if err := group.Signals.Validate(duplicates.EntityProperty); err != nil {
		t.Fatalf("scanner produced invalid signals: %v", err)
	}
}

func TestScanGroupsDocumentsOnlyAcrossUsers(t *testing.T) {
	t.Parallel()

	source := &fakeSource{documents: []db.KYCDocument{
		{ID: "d1", UserID: "u1", DocumentHash: strPtr("ABC123"), CreatedAt: baseTime.Add(-time.Hour)},
		{ID: "d2", UserID: "u2", DocumentHash: strPtr("abc123"), CreatedAt: baseTime},
		{ID: "d3", UserID: "u3", CitizenshipNumber: strPtr("55-1"), CreatedAt: baseTime},
		{ID: "d4", UserID: "u3", CitizenshipNumber: strPtr("551"), CreatedAt: baseTime},
	}}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{EntityType: duplicates.EntityKYCDocument})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected only the cross-user hash group, got %d", len(result.Groups))
	}
	group := findGroup(t, result, "kyc:hash:abc123")
	if group.Confidence != confidenceDocumentHash {
		t.Fatalf("unexpected confidence %d", group.Confidence)
	}
	if got := strings.Join(group.Signals.KYCDocument.UserIDs, ","); got != "u1,u2" {
		t.Fatalf("unexpected user ids %q", got)
	}
}

func TestScanKeepsOtherKindsWhenOneFails(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		users: []db.User{
			user("u1", "Ana", "ana@example.com", nil, nil, 3),
			user("u2", "Ana", "ANA@example.com", nil, nil, 1),
		},
		propertyErr: errors.New("relation properties does not exist"),
	}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{})
	if err != nil {
		t.Fatalf("a failing kind must not fail the scan: %v", err)
	}
	if _, ok := result.Totals[duplicates.EntityProperty]; ok {
		t.Fatalf("failed kind must be absent from totals: %#v", result.Totals)
	}
	if !strings.Contains(result.Errors[duplicates.EntityProperty], "does not exist") {
		t.Fatalf("expected property error to be reported, got %#v", result.Errors)
	}
	if result.Totals[duplicates.EntityUser] != 1 || result.Totals[duplicates.EntityKYCDocument] != 0 {
		t.Fatalf("unexpected totals: %#v", result.Totals)
	}
}

func TestScanAppliesMinConfidence(t *testing.T) {
	t.Parallel()

	source := &fakeSource{users: []db.User{
		user("u1", "Ana Sharma", "a1@example.com", strPtr("9801234567"), nil, 3),
		user("u2", "Ana Sharma", "a2@example.com", strPtr("9801234567"), nil, 1),
	}}
	result, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{MinConfidence: 70})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Groups) != 0 {
		t.Fatalf("expected the phone group to be filtered out, got %d", len(result.Groups))
	}

	if _, err := New(source, zerolog.Nop()).Scan(context.Background(), Options{MinConfidence: 101}); !errors.Is(err, duplicates.ErrValidation) {
		t.Fatalf("expected validation error for out-of-range confidence, got %v", err)
	}
}

func TestSmartBlock(t *testing.T) {
	t.Parallel()

	now := baseTime
	old := func(id string, days int) duplicates.RecordSnapshot {
		return duplicates.RecordSnapshot{Kind: duplicates.EntityUser, User: &duplicates.UserSnapshot{
			ID:        id,
			CreatedAt: now.Add(-time.Duration(days) * 24 * time.Hour),
		}}
	}

	s := Suggestion{
		EntityType: duplicates.EntityUser,
		Confidence: 95,
		Primary:    old("a", 60),
		Duplicates: []duplicates.RecordSnapshot{old("b", 45), old("c", 30), old("d", 31)},
	}
	smart := smartBlock(s, now)
	if smart.Severity != SeverityCritical || smart.RecommendedAction != ActionMerge {
		t.Fatalf("unexpected triage: %#v", smart)
	}
	if smart.StaleDays != 30 {
		t.Fatalf("expected staleness from the newest record, got %d", smart.StaleDays)
	}
	// 95 + 2 extra duplicates * 5 + min(30/3, 10)
	if smart.PriorityScore != 115 {
		t.Fatalf("unexpected priority %d", smart.PriorityScore)
	}

	s.EntityType = duplicates.EntityProperty
	if got := smartBlock(s, now).RecommendedAction; got != ActionReview {
		t.Fatalf("properties are never merged automatically, got %q", got)
	}
	if got := severityFor(49); got != SeverityLow {
		t.Fatalf("unexpected severity %q", got)
	}
}

func TestNormalizers(t *testing.T) {
	t.Parallel()

	if got := normalizeEmail(" J.Doe+promo@GMAIL.com "); got != "jdoe@gmail.com" {
		t.Fatalf("unexpected gmail normalization %q", got)
	}
	if got := normalizeEmail("j.doe+x@example.com"); got != "j.doe+x@example.com" {
		t.Fatalf("non-gmail addresses keep dots and tags, got %q", got)
	}
	if got := normalizePhone("12345"); got != "" {
		t.Fatalf("short numbers must not group, got %q", got)
	}
	if got := normalizeText("  Café   Déjà-vu "); got != "cafe deja vu" {
		t.Fatalf("unexpected text normalization %q", got)
	}
	if got := nameSimilarity("José", "Jose"); got != 1 {
		t.Fatalf("diacritics must not lower similarity, got %v", got)
	}
}
