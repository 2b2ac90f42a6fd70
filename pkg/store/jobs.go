package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EnqueueJob adds a pending job.
func (s *store) EnqueueJob(ctx context.Context, queue string, ref uint, availableAt time.Time) (*Job, error) {
	job := &Job{
		Queue:       queue,
		Ref:         ref,
		Status:      QueueJobPending,
		AvailableAt: availableAt.UTC(),
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueueing %s job for %d: %w", queue, ref, err)
	}

	return job, nil
}

// ClaimJobs moves up to limit available jobs of a queue to running and
// returns them. Each claim is a compare-and-set on the pending status so
// two workers never run the same job concurrently.
func (s *store) ClaimJobs(
	ctx context.Context,
	queue, workerID string,
	limit int,
	now time.Time,
) ([]Job, error) {
	var candidates []Job
	if err := s.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND available_at <= ?", queue, QueueJobPending, now.UTC()).
		Order("available_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("selecting %s jobs: %w", queue, err)
	}

	claimed := make([]Job, 0, len(candidates))
	lockedAt := now.UTC()

	for _, job := range candidates {
		result := s.db.WithContext(ctx).
			Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, QueueJobPending).
			Updates(map[string]any{
				"status":    QueueJobRunning,
				"locked_at": lockedAt,
				"locked_by": workerID,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("claiming job %d: %w", job.ID, result.Error)
		}

		if result.RowsAffected != 1 {
			continue
		}

		job.Status = QueueJobRunning
		job.LockedAt = &lockedAt
		job.LockedBy = workerID
		job.Attempts++
		claimed = append(claimed, job)
	}

	return claimed, nil
}

// CompleteJob marks a running job done.
func (s *store) CompleteJob(ctx context.Context, id uint) error {
	return s.finishJob(ctx, id, map[string]any{"status": QueueJobDone})
}

// RetryJob puts a running job back in the queue after availableAt.
func (s *store) RetryJob(ctx context.Context, id uint, availableAt time.Time, lastErr string) error {
	return s.finishJob(ctx, id, map[string]any{
		"status":       QueueJobPending,
		"available_at": availableAt.UTC(),
		"last_error":   lastErr,
		"locked_at":    nil,
		"locked_by":    "",
	})
}

// FailJob marks a running job permanently failed.
func (s *store) FailJob(ctx context.Context, id uint, lastErr string) error {
	return s.finishJob(ctx, id, map[string]any{
		"status":     QueueJobFailed,
		"last_error": lastErr,
	})
}

func (s *store) finishJob(ctx context.Context, id uint, updates map[string]any) error {
	if err := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, QueueJobRunning).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating job %d: %w", id, err)
	}

	return nil
}

// ListStuckJobs returns the running jobs of a queue locked before the
// cutoff. Their workers are presumed dead.
func (s *store) ListStuckJobs(ctx context.Context, queue string, lockedBefore time.Time) ([]Job, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND locked_at < ?", queue, QueueJobRunning, lockedBefore.UTC()).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing stuck %s jobs: %w", queue, err)
	}

	return jobs, nil
}

// ReleaseStuckJob ends the claim job was read with, moving it to status
// (pending or failed). The attempt count identifies the claim, so it
// reports false when that claim already ended.
func (s *store) ReleaseStuckJob(ctx context.Context, job Job, status, lastErr string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, QueueJobRunning, job.Attempts).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastErr,
			"locked_at":  nil,
			"locked_by":  "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("releasing stuck job %d: %w", job.ID, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ListJobs returns jobs of a queue, optionally filtered by status.
func (s *store) ListJobs(ctx context.Context, queue string, status string) ([]Job, error) {
	tx := s.db.WithContext(ctx).Where("queue = ?", queue)
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	var jobs []Job
	if err := tx.Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", queue, err)
	}

	return jobs, nil
}
