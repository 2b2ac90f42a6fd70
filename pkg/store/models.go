package store

import (
	"time"
)

// DefaultBuildName is the logical run name used when a client sends none.
const DefaultBuildName = "default"

// JobStatus is the processing status shared by builds and diffs.
type JobStatus string

// Job statuses.
const (
	JobStatusPending  JobStatus = "pending"
	JobStatusProgress JobStatus = "progress"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
	JobStatusAborted  JobStatus = "aborted"
	JobStatusExpired  JobStatus = "expired"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProgress, JobStatusComplete,
		JobStatusError, JobStatusAborted, JobStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusComplete, JobStatusError, JobStatusAborted, JobStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next goes forward.
// Statuses only move pending -> progress -> terminal; pending may also
// end directly in error, aborted or expired.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProgress || next == JobStatusError ||
			next == JobStatusAborted || next == JobStatusExpired
	case JobStatusProgress:
		return next == JobStatusComplete || next == JobStatusError ||
			next == JobStatusAborted || next == JobStatusExpired
	default:
		return false
	}
}

// BuildType classifies what a build is compared against.
type BuildType string

// Build types.
const (
	BuildTypeOrphan    BuildType = "orphan"
	BuildTypeReference BuildType = "reference"
	BuildTypeCheck     BuildType = "check"
)

// Valid reports whether t is a known build type.
func (t BuildType) Valid() bool {
	switch t {
	case BuildTypeOrphan, BuildTypeReference, BuildTypeCheck:
		return true
	default:
		return false
	}
}

// ReviewState is a user decision on a build or a diff.
type ReviewState string

// Review states.
const (
	ReviewStateApproved ReviewState = "approved"
	ReviewStateRejected ReviewState = "rejected"
)

// Valid reports whether r is a known review state.
func (r ReviewState) Valid() bool {
	return r == ReviewStateApproved || r == ReviewStateRejected
}

// Build conclusions.
const (
	ConclusionNoChanges       = "no-changes"
	ConclusionChangesDetected = "changes-detected"
)

// ScreenshotBucket is a named set of screenshots captured at one commit.
type ScreenshotBucket struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ProjectID       string    `gorm:"not null;index:idx_buckets_lookup" json:"project_id"`
	Name            string    `gorm:"not null;index:idx_buckets_lookup" json:"name"`
	Branch          string    `gorm:"not null;index:idx_buckets_lookup" json:"branch"`
	Complete        bool      `gorm:"not null;default:false;index:idx_buckets_lookup" json:"complete"`
	Commit          string    `gorm:"column:commit_sha;not null" json:"commit"`
	ScreenshotCount int       `gorm:"not null;default:0" json:"screenshot_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName overrides the table name.
func (ScreenshotBucket) TableName() string { return "screenshot_buckets" }

// Screenshot is one captured image inside a bucket.
type Screenshot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BucketID  uint      `gorm:"not null;uniqueIndex:idx_screenshots_bucket_name" json:"bucket_id"`
	Name      string    `gorm:"not null;uniqueIndex:idx_screenshots_bucket_name" json:"name"`
	FileKey   *string   `json:"file_key"`
	TraceKey  *string   `json:"trace_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the table name.
func (Screenshot) TableName() string { return "screenshots" }

// Build compares a compare bucket against an optional base bucket.
type Build struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ProjectID       string     `gorm:"not null;uniqueIndex:idx_builds_project_number;uniqueIndex:idx_builds_nonce" json:"project_id"`
	Number          int        `gorm:"not null;uniqueIndex:idx_builds_project_number" json:"number"`
	Name            string     `gorm:"not null;uniqueIndex:idx_builds_nonce" json:"name"`
	ExternalID      *string    `gorm:"uniqueIndex:idx_builds_nonce" json:"external_id,omitempty"`
	Type            BuildType  `gorm:"size:16" json:"type,omitempty"`
	JobStatus       JobStatus  `gorm:"size:16;not null;index" json:"job_status"`
	BaseBucketID    *uint      `json:"base_bucket_id"`
	CompareBucketID uint       `gorm:"not null" json:"compare_bucket_id"`
	BaseBranch      string     `json:"base_branch,omitempty"`
	ReferenceBranch string     `gorm:"not null" json:"reference_branch"`
	BatchCount      int        `gorm:"not null;default:0" json:"batch_count"`
	TotalBatch      *int       `json:"total_batch"`
	Conclusion      string     `json:"conclusion,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ConcludedAt     *time.Time `json:"concluded_at,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName overrides the table name.
func (Build) TableName() string { return "builds" }

// ScreenshotDiff pairs a base and a compare screenshot. At most one side
// is nil: a nil base means added, a nil compare means removed.
type ScreenshotDiff struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	BuildID             uint      `gorm:"not null;uniqueIndex:idx_diffs_identity" json:"build_id"`
	BaseScreenshotID    *uint     `gorm:"uniqueIndex:idx_diffs_identity" json:"base_screenshot_id"`
	CompareScreenshotID *uint     `gorm:"uniqueIndex:idx_diffs_identity" json:"compare_screenshot_id"`
	Name                string    `gorm:"not null" json:"name"`
	Score               *float64  `json:"score"`
	JobStatus           JobStatus `gorm:"size:16;not null;index" json:"job_status"`
	DiffFileKey         *string   `gorm:"index" json:"diff_file_key,omitempty"`
	Group               *string   `gorm:"column:group_key" json:"group,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName overrides the table name.
func (ScreenshotDiff) TableName() string { return "screenshot_diffs" }

// Added reports whether the diff has no base screenshot.
func (d *ScreenshotDiff) Added() bool { return d.BaseScreenshotID == nil }

// Removed reports whether the diff has no compare screenshot.
func (d *ScreenshotDiff) Removed() bool { return d.CompareScreenshotID == nil }

// NeedsScoring reports whether both sides exist and no score is known.
func (d *ScreenshotDiff) NeedsScoring() bool {
	return d.BaseScreenshotID != nil && d.CompareScreenshotID != nil && d.Score == nil
}

// BuildReview is a user decision on a build. Reviews are append-only.
type BuildReview struct {
	ID          uint                   `gorm:"primaryKey" json:"id"`
	BuildID     uint                   `gorm:"not null;index" json:"build_id"`
	UserID      string                 `gorm:"not null" json:"user_id"`
	State       ReviewState            `gorm:"size:16;not null" json:"state"`
	DiffReviews []ScreenshotDiffReview `gorm:"foreignKey:BuildReviewID" json:"diff_reviews,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TableName overrides the table name.
func (BuildReview) TableName() string { return "build_reviews" }

// ScreenshotDiffReview is a per-diff decision attached to a review.
type ScreenshotDiffReview struct {
	ID               uint        `gorm:"primaryKey" json:"id"`
	BuildReviewID    uint        `gorm:"not null;index" json:"build_review_id"`
	ScreenshotDiffID uint        `gorm:"not null" json:"screenshot_diff_id"`
	State            ReviewState `gorm:"size:16;not null" json:"state"`
}

// TableName overrides the table name.
func (ScreenshotDiffReview) TableName() string { return "screenshot_diff_reviews" }

// Notification delivery states.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// BuildNotification is the notify-once record of a build event. The
// (build_id, kind) pair is unique.
type BuildNotification struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	BuildID          uint       `gorm:"not null;uniqueIndex:idx_notifications_build_kind" json:"build_id"`
	Kind             string     `gorm:"not null;uniqueIndex:idx_notifications_build_kind" json:"kind"`
	StatusChangeType string     `gorm:"not null" json:"status_change_type"`
	Status           string     `gorm:"not null" json:"status"`
	Delivery         string     `gorm:"not null;default:pending" json:"delivery"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TableName overrides the table name.
func (BuildNotification) TableName() string { return "build_notifications" }

// Queue job statuses.
const (
	QueueJobPending = "pending"
	QueueJobRunning = "running"
	QueueJobDone    = "done"
	QueueJobFailed  = "failed"
)

// Job is a durable unit of work referencing a row by id.
type Job struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Queue       string     `gorm:"not null;index:idx_jobs_claim" json:"queue"`
	Status      string     `gorm:"not null;index:idx_jobs_claim" json:"status"`
	AvailableAt time.Time  `gorm:"not null;index:idx_jobs_claim" json:"available_at"`
	Ref         uint       `gorm:"not null" json:"ref"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName overrides the table name.
func (Job) TableName() string { return "jobs" }

// Lease is a time-bounded lock held by an owner token.
type Lease struct {
	Key       string    `gorm:"column:lease_key;primaryKey"`
	Owner     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

// TableName overrides the table name.
func (Lease) TableName() string { return "leases" }
