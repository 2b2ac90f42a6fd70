package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// CreateBucket inserts a new, incomplete bucket.
func (s *store) CreateBucket(ctx context.Context, bucket *ScreenshotBucket) error {
	if bucket.Name == "" {
		bucket.Name = DefaultBuildName
	}

	if err := s.db.WithContext(ctx).Create(bucket).Error; err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}

	return nil
}

// GetBucket returns a bucket by id.
func (s *store) GetBucket(ctx context.Context, id uint) (*ScreenshotBucket, error) {
	var bucket ScreenshotBucket
	if err := s.db.WithContext(ctx).First(&bucket, id).Error; err != nil {
		return nil, fmt.Errorf("getting bucket %d: %w", id, notFound(err))
	}

	return &bucket, nil
}

// CompleteBucket marks a bucket complete if it is not already and records
// its screenshot count. It reports whether this call performed the change.
//
// The flag is flipped before counting so that, inside a transaction, the
// row lock makes concurrent appends either land before the count or see
// the bucket complete.
func (s *store) CompleteBucket(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ScreenshotBucket{}).
		Where("id = ? AND complete = ?", id, false).
		Update("complete", true)
	if result.Error != nil {
		return false, fmt.Errorf("completing bucket %d: %w", id, result.Error)
	}

	if result.RowsAffected != 1 {
		return false, nil
	}

	count, err := s.CountScreenshots(ctx, id)
	if err != nil {
		return false, err
	}

	if err := s.db.WithContext(ctx).
		Model(&ScreenshotBucket{}).
		Where("id = ?", id).
		Update("screenshot_count", count).Error; err != nil {
		return false, fmt.Errorf("recording screenshot count of bucket %d: %w", id, err)
	}

	return true, nil
}

// LockOpenBucket takes the row lock of a bucket that is still open for
// uploads. It reports false when the bucket is already complete. Used
// inside a transaction before adding screenshots.
func (s *store) LockOpenBucket(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ScreenshotBucket{}).
		Where("id = ? AND complete = ?", id, false).
		Update("updated_at", time.Now().UTC())
	if result.Error != nil {
		return false, fmt.Errorf("locking bucket %d: %w", id, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// LatestCompleteBucket returns the newest complete bucket matching q.
func (s *store) LatestCompleteBucket(ctx context.Context, q BucketQuery) (*ScreenshotBucket, error) {
	tx := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ? AND branch = ? AND complete = ?",
			q.ProjectID, q.Name, q.Branch, true)

	if q.ExcludeID != 0 {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}

	if q.Before != nil {
		tx = tx.Where("created_at < ?", q.Before.UTC())
	}

	var bucket ScreenshotBucket
	if err := tx.Order("id DESC").First(&bucket).Error; err != nil {
		return nil, fmt.Errorf("finding baseline bucket: %w", notFound(err))
	}

	return &bucket, nil
}

// InsertScreenshots adds screenshots to a bucket, skipping names already
// present. It returns how many rows were inserted.
func (s *store) InsertScreenshots(ctx context.Context, bucketID uint, screenshots []Screenshot) (int, error) {
	if len(screenshots) == 0 {
		return 0, nil
	}

	for i := range screenshots {
		screenshots[i].BucketID = bucketID
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(&screenshots)
	if result.Error != nil {
		return 0, fmt.Errorf("inserting screenshots: %w", result.Error)
	}

	return int(result.RowsAffected), nil
}

// ListScreenshots returns all screenshots of a bucket ordered by name.
func (s *store) ListScreenshots(ctx context.Context, bucketID uint) ([]Screenshot, error) {
	var screenshots []Screenshot
	if err := s.db.WithContext(ctx).
		Where("bucket_id = ?", bucketID).
		Order("name ASC").
		Find(&screenshots).Error; err != nil {
		return nil, fmt.Errorf("listing screenshots: %w", err)
	}

	return screenshots, nil
}

// GetScreenshots returns the screenshots with the given ids keyed by id.
func (s *store) GetScreenshots(ctx context.Context, ids ...uint) (map[uint]Screenshot, error) {
	out := make(map[uint]Screenshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var screenshots []Screenshot
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&screenshots).Error; err != nil {
		return nil, fmt.Errorf("getting screenshots: %w", err)
	}

	for _, sc := range screenshots {
		out[sc.ID] = sc
	}

	return out, nil
}

// CountScreenshots returns the number of screenshots in a bucket.
func (s *store) CountScreenshots(ctx context.Context, bucketID uint) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Screenshot{}).
		Where("bucket_id = ?", bucketID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting screenshots: %w", err)
	}

	return int(count), nil
}
