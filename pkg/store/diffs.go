package store

import (
	"context"
	"fmt"
)

// InsertDiffs creates diff rows in one statement.
func (s *store) InsertDiffs(ctx context.Context, diffs []ScreenshotDiff) error {
	if len(diffs) == 0 {
		return nil
	}

	for i := range diffs {
		if diffs[i].BaseScreenshotID == nil && diffs[i].CompareScreenshotID == nil {
			return fmt.Errorf("inserting diff %q: %w", diffs[i].Name, ErrInvalidDiff)
		}

		if !diffs[i].JobStatus.Valid() {
			return fmt.Errorf("inserting diff %q: unknown job status %q", diffs[i].Name, diffs[i].JobStatus)
		}
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&diffs, 200).Error; err != nil {
		return fmt.Errorf("inserting diffs: %w", err)
	}

	return nil
}

// GetDiff returns a diff by id.
func (s *store) GetDiff(ctx context.Context, id uint) (*ScreenshotDiff, error) {
	var diff ScreenshotDiff
	if err := s.db.WithContext(ctx).First(&diff, id).Error; err != nil {
		return nil, fmt.Errorf("getting diff %d: %w", id, notFound(err))
	}

	return &diff, nil
}

// ListDiffs returns the diffs of a build ordered by id.
func (s *store) ListDiffs(ctx context.Context, buildID uint) ([]ScreenshotDiff, error) {
	var diffs []ScreenshotDiff
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("id ASC").
		Find(&diffs).Error; err != nil {
		return nil, fmt.Errorf("listing diffs: %w", err)
	}

	return diffs, nil
}

// TransitionDiff moves a diff to status to, only if its current status is
// one of from.
func (s *store) TransitionDiff(
	ctx context.Context,
	id uint,
	from []JobStatus,
	to JobStatus,
	changes DiffChanges,
) (bool, error) {
	if err := checkTransitions(from, to); err != nil {
		return false, err
	}

	updates := map[string]any{"job_status": to}

	if changes.Score != nil {
		updates["score"] = *changes.Score
	}

	if changes.DiffFileKey != nil {
		updates["diff_file_key"] = *changes.DiffFileKey
	}

	if changes.ErrorMessage != nil {
		updates["error_message"] = *changes.ErrorMessage
	}

	result := s.db.WithContext(ctx).
		Model(&ScreenshotDiff{}).
		Where("id = ? AND job_status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning diff %d to %s: %w", id, to, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// CountDiffs counts the diffs of a build, optionally filtered by status.
func (s *store) CountDiffs(ctx context.Context, buildID uint, statuses ...JobStatus) (int, error) {
	tx := s.db.WithContext(ctx).Model(&ScreenshotDiff{}).Where("build_id = ?", buildID)
	if len(statuses) > 0 {
		tx = tx.Where("job_status IN ?", statuses)
	}

	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting diffs: %w", err)
	}

	return int(count), nil
}

// AssignDiffGroup sets the group key on every diff of a build sharing the
// same diff image, when at least two of them do. It returns the number of
// diffs in the group.
func (s *store) AssignDiffGroup(ctx context.Context, buildID uint, diffFileKey string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&ScreenshotDiff{}).
		Where("build_id = ? AND diff_file_key = ?", buildID, diffFileKey).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting diff group: %w", err)
	}

	if count < 2 {
		return int(count), nil
	}

	if err := s.db.WithContext(ctx).
		Model(&ScreenshotDiff{}).
		Where("build_id = ? AND diff_file_key = ?", buildID, diffFileKey).
		Update("group_key", diffFileKey).Error; err != nil {
		return 0, fmt.Errorf("assigning diff group: %w", err)
	}

	return int(count), nil
}
