package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const buildNumberAttempts = 5

// CreateBuild inserts a build and assigns the next per-project number.
// Numbers are increasing but not guaranteed gapless; concurrent creators
// retry on a number collision.
func (s *store) CreateBuild(ctx context.Context, build *Build) error {
	if build.Name == "" {
		build.Name = DefaultBuildName
	}

	if build.JobStatus == "" {
		build.JobStatus = JobStatusPending
	}

	var lastErr error

	for attempt := 0; attempt < buildNumberAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxNumber int
			if err := tx.Model(&Build{}).
				Where("project_id = ?", build.ProjectID).
				Select("COALESCE(MAX(number), 0)").
				Scan(&maxNumber).Error; err != nil {
				return fmt.Errorf("selecting build number: %w", err)
			}

			build.ID = 0
			build.Number = maxNumber + 1

			return tx.Create(build).Error
		})
		if err == nil {
			return nil
		}

		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("creating build: %w", err)
		}

		lastErr = err
	}

	return fmt.Errorf("creating build: %w", lastErr)
}

// GetBuild returns a build by id.
func (s *store) GetBuild(ctx context.Context, id uint) (*Build, error) {
	var build Build
	if err := s.db.WithContext(ctx).First(&build, id).Error; err != nil {
		return nil, fmt.Errorf("getting build %d: %w", id, notFound(err))
	}

	return &build, nil
}

// FindBuildByExternalID returns the build sharing a parallel nonce.
func (s *store) FindBuildByExternalID(
	ctx context.Context,
	projectID, name, externalID string,
) (*Build, error) {
	var build Build
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ? AND external_id = ?", projectID, name, externalID).
		First(&build).Error; err != nil {
		return nil, fmt.Errorf("finding build by external id: %w", notFound(err))
	}

	return &build, nil
}

// TransitionBuild moves a build to status to, only if its current status
// is one of from. It reports whether the row changed.
func (s *store) TransitionBuild(
	ctx context.Context,
	id uint,
	from []JobStatus,
	to JobStatus,
	changes BuildChanges,
) (bool, error) {
	if err := checkTransitions(from, to); err != nil {
		return false, err
	}

	updates := map[string]any{"job_status": to}

	if changes.Type != nil {
		updates["type"] = *changes.Type
	}

	if changes.BaseBucketID != nil {
		updates["base_bucket_id"] = *changes.BaseBucketID
	}

	if changes.Conclusion != nil {
		updates["conclusion"] = *changes.Conclusion
	}

	if changes.ErrorMessage != nil {
		updates["error_message"] = *changes.ErrorMessage
	}

	if changes.ConcludedAt != nil {
		updates["concluded_at"] = changes.ConcludedAt.UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("id = ? AND job_status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning build %d to %s: %w", id, to, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// IncrementBatchCount atomically adds one batch to a build. The update
// matches only when the stored total is unset or equal to totalBatch and
// the count has not reached it yet, so concurrent shards linearize on the
// row. It reports whether the increment happened.
func (s *store) IncrementBatchCount(ctx context.Context, id uint, totalBatch int) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE builds
		SET batch_count = batch_count + 1, total_batch = ?, updated_at = ?
		WHERE id = ?
		AND (total_batch IS NULL OR total_batch = ?)
		AND batch_count < ?`,
		totalBatch, time.Now().UTC(), id, totalBatch, totalBatch,
	)
	if result.Error != nil {
		return false, fmt.Errorf("incrementing batch count of build %d: %w", id, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ListStaleBuilds returns non-terminal builds created before the cutoff.
func (s *store) ListStaleBuilds(ctx context.Context, createdBefore time.Time, limit int) ([]Build, error) {
	var builds []Build
	if err := s.db.WithContext(ctx).
		Where("job_status IN ? AND created_at < ?",
			[]JobStatus{JobStatusPending, JobStatusProgress}, createdBefore.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing stale builds: %w", err)
	}

	return builds, nil
}
