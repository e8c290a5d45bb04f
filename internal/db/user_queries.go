package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"horse.fit/dupehub/internal/duplicates"
)

// Page bounds a listing query. Page numbers start at 1.
type Page struct {
	Page     int
	PageSize int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (p Page) Normalized() Page {
	out := p
	if out.Page <= 0 {
		out.Page = 1
	}
	if out.PageSize <= 0 {
		out.PageSize = defaultPageSize
	}
	if out.PageSize > maxPageSize {
		out.PageSize = maxPageSize
	}
	return out
}

func (p Page) offset() int {
	n := p.Normalized()
	return (n.Page - 1) * n.PageSize
}

// GetUser loads one user row. Missing rows surface as ErrNoRows.
func (p *Pool) GetUser(ctx context.Context, userID string) (*User, error) {
	trimmedID := strings.TrimSpace(userID)
	if trimmedID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	const q = `
SELECT
	id::text,
	name,
	email,
	phone,
	citizenship_number,
	role,
	is_active,
	merge_status,
	merged_into_user_id::text,
	merged_at,
	last_login_at,
	created_at,
	updated_at
FROM users
WHERE id = $1::uuid
`
	var user User
	if err := p.QueryRow(ctx, q, trimmedID).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Phone,
		&user.CitizenshipNumber,
		&user.Role,
		&user.IsActive,
		&user.MergeStatus,
		&user.MergedIntoUserID,
		&user.MergedAt,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query user %s: %w", trimmedID, err)
	}
	return &user, nil
}

// CountReferences counts, per reference label, the rows that point at userID.
func (p *Pool) CountReferences(ctx context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int, len(duplicates.UserReferences))
	for _, ref := range duplicates.UserReferences {
		q := fmt.Sprintf(`SELECT COUNT(*)::BIGINT FROM %s WHERE %s = $1::uuid`, ref.Table, ref.Field)
		var n int64
		if err := p.QueryRow(ctx, q, userID).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s for user %s: %w", ref.Label, userID, err)
		}
		counts[ref.Label] = int(n)
	}
	return counts, nil
}

func (p *Pool) CountOwnedProperties(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*)::BIGINT FROM properties WHERE owner_id = $1::uuid`
	var n int64
	if err := p.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count properties owned by %s: %w", userID, err)
	}
	return int(n), nil
}

// ListOpenBookings returns the renter's pending or confirmed bookings that
// have not ended yet.
func (p *Pool) ListOpenBookings(ctx context.Context, renterID string, now time.Time) ([]Booking, error) {
	const q = `
SELECT
	id::text,
	property_id::text,
	renter_id::text,
	status,
	start_date,
	end_date,
	created_at
FROM bookings
WHERE renter_id = $1::uuid
  AND status IN ('pending', 'confirmed')
  AND end_date > $2
ORDER BY start_date, id
`
	rows, err := p.Query(ctx, q, renterID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query open bookings for %s: %w", renterID, err)
	}
	defer rows.Close()

	bookings := make([]Booking, 0)
	for rows.Next() {
		var row Booking
		if err := rows.Scan(
			&row.ID,
			&row.PropertyID,
			&row.RenterID,
			&row.Status,
			&row.StartDate,
			&row.EndDate,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan booking row: %w", err)
		}
		bookings = append(bookings, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate booking rows: %w", err)
	}
	return bookings, nil
}

func (p *Pool) CountPendingPayments(ctx context.Context, renterID string) (int, error) {
	const q = `SELECT COUNT(*)::BIGINT FROM payments WHERE renter_id = $1::uuid AND status = 'pending'`
	var n int64
	if err := p.QueryRow(ctx, q, renterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending payments for %s: %w", renterID, err)
	}
	return int(n), nil
}

// ListVerifiedCitizenships returns the raw citizenship numbers on the user's
// verified KYC documents.
func (p *Pool) ListVerifiedCitizenships(ctx context.Context, userID string) ([]string, error) {
	const q = `
SELECT DISTINCT citizenship_number
FROM kyc_documents
WHERE user_id = $1::uuid
  AND status = 'verified'
  AND citizenship_number IS NOT NULL
  AND citizenship_number <> ''
ORDER BY 1
`
	rows, err := p.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query verified citizenships for %s: %w", userID, err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan citizenship row: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate citizenship rows: %w", err)
	}
	return values, nil
}

// ClaimUserForMerge marks an unmerged user as being merged. It reports false
// when another commit already holds the user or the user was merged before.
func (p *Pool) ClaimUserForMerge(ctx context.Context, userID string, now time.Time) (bool, error) {
	const q = `
UPDATE users
SET
	merge_status = 'merging',
	updated_at = $2
WHERE id = $1::uuid
  AND merge_status = ''
`
	tag, err := p.Exec(ctx, q, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim user %s for merge: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Pool) ReleaseUserClaim(ctx context.Context, userID string, now time.Time) error {
	const q = `
UPDATE users
SET
	merge_status = '',
	updated_at = $2
WHERE id = $1::uuid
  AND merge_status = 'merging'
`
	if _, err := p.Exec(ctx, q, userID, now.UTC()); err != nil {
		return fmt.Errorf("release merge claim on user %s: %w", userID, err)
	}
	return nil
}

// ReleaseStaleMergeClaims frees users stuck in the merging state since
// before claimedBefore, which only happens when a commit died midway. The
// claim time is the updated_at the claim wrote.
func (p *Pool) ReleaseStaleMergeClaims(ctx context.Context, claimedBefore, now time.Time) ([]string, error) {
	const q = `
UPDATE users
SET
	merge_status = '',
	updated_at = $2
WHERE merge_status = 'merging'
  AND updated_at < $1
RETURNING id::text
`
	rows, err := p.Query(ctx, q, claimedBefore.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("release stale merge claims: %w", err)
	}
	defer rows.Close()

	released := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan released user id: %w", err)
		}
		released = append(released, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released user ids: %w", err)
	}
	return released, nil
}

// DeactivateUser soft-deletes a user without pointing it anywhere.
func (p *Pool) DeactivateUser(ctx context.Context, userID string, now time.Time) (bool, error) {
	const q = `
UPDATE users
SET
	is_active = FALSE,
	updated_at = $2
WHERE id = $1::uuid
  AND is_active
`
	tag, err := p.Exec(ctx, q, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("deactivate user %s: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// HardDeleteUser removes a user only while nothing references it. It reports
// false when a reference appeared since the caller checked, including one
// from a table outside the known reference list.
func (p *Pool) HardDeleteUser(ctx context.Context, userID string) (bool, error) {
	guards := make([]string, 0, len(duplicates.UserReferences)+1)
	for _, ref := range duplicates.UserReferences {
		guards = append(guards, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE %s = $1::uuid)", ref.Table, ref.Field))
	}
	guards = append(guards, "NOT EXISTS (SELECT 1 FROM properties WHERE owner_id = $1::uuid)")

	q := "DELETE FROM users WHERE id = $1::uuid AND " + strings.Join(guards, "\n  AND ")
	tag, err := p.Exec(ctx, q, userID)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("hard delete user %s: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSoftDeletedUsers lists inactive users that were merged into another.
func (p *Pool) ListSoftDeletedUsers(ctx context.Context, page Page) ([]User, int64, error) {
	page = page.Normalized()

	base := p.gdb.WithContext(ctx).
		Model(&User{}).
		Where("is_active = ? AND merged_into_user_id IS NOT NULL", false).
		Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count soft-deleted users: %w", err)
	}

	users := make([]User, 0, page.PageSize)
	if err := base.
		Order("merged_at DESC NULLS LAST").
		Order("id").
		Limit(page.PageSize).
		Offset(page.offset()).
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("list soft-deleted users: %w", err)
	}
	return users, total, nil
}

func nullableString(value *string) any {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	return *value
}
