package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/argos-ci/argos-pipeline/pkg/config"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDiff is returned when a diff has neither a base nor a
	// compare screenshot.
	ErrInvalidDiff = errors.New("diff must reference at least one screenshot")

	// ErrInvalidTransition is returned when a status change would move
	// backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queries is the set of persistence operations available both on the
// store and inside a transaction.
type Queries interface {
	// Buckets and screenshots.
	CreateBucket(ctx context.Context, bucket *ScreenshotBucket) error
	GetBucket(ctx context.Context, id uint) (*ScreenshotBucket, error)
	CompleteBucket(ctx context.Context, id uint) (bool, error)
	LockOpenBucket(ctx context.Context, id uint) (bool, error)
	LatestCompleteBucket(ctx context.Context, q BucketQuery) (*ScreenshotBucket, error)
	InsertScreenshots(ctx context.Context, bucketID uint, screenshots []Screenshot) (int, error)
	ListScreenshots(ctx context.Context, bucketID uint) ([]Screenshot, error)
	GetScreenshots(ctx context.Context, ids ...uint) (map[uint]Screenshot, error)
	CountScreenshots(ctx context.Context, bucketID uint) (int, error)

	// Builds.
	CreateBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id uint) (*Build, error)
	FindBuildByExternalID(ctx context.Context, projectID, name, externalID string) (*Build, error)
	TransitionBuild(ctx context.Context, id uint, from []JobStatus, to JobStatus, changes BuildChanges) (bool, error)
	IncrementBatchCount(ctx context.Context, id uint, totalBatch int) (bool, error)
	ListStaleBuilds(ctx context.Context, createdBefore time.Time, limit int) ([]Build, error)

	// Diffs.
	InsertDiffs(ctx context.Context, diffs []ScreenshotDiff) error
	GetDiff(ctx context.Context, id uint) (*ScreenshotDiff, error)
	ListDiffs(ctx context.Context, buildID uint) ([]ScreenshotDiff, error)
	TransitionDiff(ctx context.Context, id uint, from []JobStatus, to JobStatus, changes DiffChanges) (bool, error)
	CountDiffs(ctx context.Context, buildID uint, statuses ...JobStatus) (int, error)
	AssignDiffGroup(ctx context.Context, buildID uint, diffFileKey string) (int, error)

	// Reviews.
	CreateReview(ctx context.Context, review *BuildReview) error
	ListReviews(ctx context.Context, buildID uint) ([]BuildReview, error)

	// Notifications.
	ClaimNotification(ctx context.Context, n *BuildNotification) (bool, error)
	GetNotification(ctx context.Context, id uint) (*BuildNotification, error)
	ListNotifications(ctx context.Context, buildID uint) ([]BuildNotification, error)
	MarkNotificationDelivery(ctx context.Context, id uint, delivery string, at time.Time) error

	// Jobs.
	EnqueueJob(ctx context.Context, queue string, ref uint, availableAt time.Time) (*Job, error)
	ClaimJobs(ctx context.Context, queue, workerID string, limit int, now time.Time) ([]Job, error)
	CompleteJob(ctx context.Context, id uint) error
	RetryJob(ctx context.Context, id uint, availableAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id uint, lastErr string) error
	ListStuckJobs(ctx context.Context, queue string, lockedBefore time.Time) ([]Job, error)
	ReleaseStuckJob(ctx context.Context, job Job, status, lastErr string) (bool, error)
	ListJobs(ctx context.Context, queue string, status string) ([]Job, error)

	// Leases.
	AcquireLease(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Store provides persistence for the build pipeline.
type Store interface {
	Queries

	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Transaction runs fn inside a database transaction. The Queries
	// passed to fn are bound to that transaction.
	Transaction(ctx context.Context, fn func(q Queries) error) error
}

// BucketQuery selects the bucket used as a baseline.
type BucketQuery struct {
	ProjectID string
	Name      string
	Branch    string
	ExcludeID uint
	Before    *time.Time
}

// BuildChanges lists optional columns written along a build transition.
type BuildChanges struct {
	Type         *BuildType
	BaseBucketID *uint
	Conclusion   *string
	ErrorMessage *string
	ConcludedAt  *time.Time
}

// DiffChanges lists optional columns written along a diff transition.
type DiffChanges struct {
	Score        *float64
	DiffFileKey  *string
	ErrorMessage *string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case config.DatabaseDriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path + "?_pragma=busy_timeout(5000)")
	case config.DatabaseDriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == config.DatabaseDriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases shared across goroutines.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&ScreenshotBucket{},
		&Screenshot{},
		&Build{},
		&ScreenshotDiff{},
		&BuildReview{},
		&ScreenshotDiffReview{},
		&BuildNotification{},
		&Job{},
		&Lease{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// Transaction runs fn with a transaction-scoped store.
func (s *store) Transaction(ctx context.Context, fn func(q Queries) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

func checkTransitions(from []JobStatus, to JobStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source status", ErrInvalidTransition)
	}

	for _, f := range from {
		if !f.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	return nil
}
