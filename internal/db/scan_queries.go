package db

import (
	"context"
	"fmt"
)

// ListUsersForScan returns every user that has not been merged away.
func (p *Pool) ListUsersForScan(ctx context.Context) ([]User, error) {
	users := make([]User, 0)
	if err := p.gdb.WithContext(ctx).
		Where("merged_into_user_id IS NULL").
		Order("created_at").
		Order("id").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users for scan: %w", err)
	}
	return users, nil
}

// ListPropertiesForScan returns properties whose owner is still active.
func (p *Pool) ListPropertiesForScan(ctx context.Context) ([]Property, error) {
	properties := make([]Property, 0)
	if err := p.gdb.WithContext(ctx).
		Where("owner_id IN (SELECT id FROM users WHERE merged_into_user_id IS NULL)").
		Order("created_at").
		Order("id").
		Find(&properties).Error; err != nil {
		return nil, fmt.Errorf("list properties for scan: %w", err)
	}
	return properties, nil
}

// ListDocumentsForScan returns KYC documents carrying a hash or a citizenship
// number, the only fields the scanner groups on.
func (p *Pool) ListDocumentsForScan(ctx context.Context) ([]KYCDocument, error) {
	documents := make([]KYCDocument, 0)
	if err := p.gdb.WithContext(ctx).
		Where("COALESCE(document_hash, '') <> '' OR COALESCE(citizenship_number, '') <> ''").
		Order("created_at").
		Order("id").
		Find(&documents).Error; err != nil {
		return nil, fmt.Errorf("list kyc documents for scan: %w", err)
	}
	return documents, nil
}
