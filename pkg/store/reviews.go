package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// CreateReview appends a review and its per-diff entries.
func (s *store) CreateReview(ctx context.Context, review *BuildReview) error {
	if !review.State.Valid() {
		return fmt.Errorf("creating review: unknown state %q", review.State)
	}

	for _, dr := range review.DiffReviews {
		if !dr.State.Valid() {
			return fmt.Errorf("creating review: unknown diff state %q", dr.State)
		}
	}

	if err := s.db.WithContext(ctx).Create(review).Error; err != nil {
		return fmt.Errorf("creating review: %w", err)
	}

	return nil
}

// ListReviews returns the reviews of a build, oldest first.
func (s *store) ListReviews(ctx context.Context, buildID uint) ([]BuildReview, error) {
	var reviews []BuildReview
	if err := s.db.WithContext(ctx).
		Preload("DiffReviews").
		Where("build_id = ?", buildID).
		Order("created_at ASC, id ASC").
		Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}

	return reviews, nil
}

// ClaimNotification inserts the notification unless one with the same
// (build, kind) exists. It reports whether this call inserted it.
func (s *store) ClaimNotification(ctx context.Context, n *BuildNotification) (bool, error) {
	if n.Delivery == "" {
		n.Delivery = DeliveryPending
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "build_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(n)
	if result.Error != nil {
		return false, fmt.Errorf("claiming notification %s for build %d: %w", n.Kind, n.BuildID, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// GetNotification returns a notification by id.
func (s *store) GetNotification(ctx context.Context, id uint) (*BuildNotification, error) {
	var n BuildNotification
	if err := s.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, fmt.Errorf("getting notification %d: %w", id, notFound(err))
	}

	return &n, nil
}

// ListNotifications returns the notifications of a build.
func (s *store) ListNotifications(ctx context.Context, buildID uint) ([]BuildNotification, error) {
	var out []BuildNotification
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return out, nil
}

// MarkNotificationDelivery records the delivery outcome.
func (s *store) MarkNotificationDelivery(ctx context.Context, id uint, delivery string, at time.Time) error {
	updates := map[string]any{"delivery": delivery}
	if delivery == DeliverySent {
		updates["delivered_at"] = at.UTC()
	}

	if err := s.db.WithContext(ctx).
		Model(&BuildNotification{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("marking notification %d: %w", id, err)
	}

	return nil
}
