package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireLease takes the lease on key for owner until expiresAt. It
// succeeds when the key is free, expired, or already held by owner.
func (s *store) AcquireLease(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error) {
	acquired := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lease := Lease{Key: key, Owner: owner, ExpiresAt: expiresAt.UTC()}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 1 {
			acquired = true

			return nil
		}

		result = tx.Model(&Lease{}).
			Where("lease_key = ? AND (expires_at < ? OR owner = ?)", key, now.UTC(), owner).
			Updates(map[string]any{
				"owner":      owner,
				"expires_at": expiresAt.UTC(),
			})
		if result.Error != nil {
			return result.Error
		}

		acquired = result.RowsAffected == 1

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", key, err)
	}

	return acquired, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *store) ReleaseLease(ctx context.Context, key, owner string) error {
	if err := s.db.WithContext(ctx).
		Where("lease_key = ? AND owner = ?", key, owner).
		Delete(&Lease{}).Error; err != nil {
		return fmt.Errorf("releasing lease %s: %w", key, err)
	}

	return nil
}
