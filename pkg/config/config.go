package config

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "ARGOS"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultReferenceBranch is the branch whose builds define baselines.
	DefaultReferenceBranch = "main"

	// DefaultBuildExpiry mirrors the maximum time a build may stay pending
	// or in progress before the sweeper expires it.
	DefaultBuildExpiry = 2 * time.Hour

	// DefaultDiffThreshold is the default perceptual diff threshold.
	DefaultDiffThreshold = 0.5

	// DefaultMaxImageSize is the largest screenshot file that is decoded.
	DefaultMaxImageSize = "50MB"

	// DefaultMaxImagePixels is the largest width times height that is
	// decoded.
	DefaultMaxImagePixels = 50_000_000

	// DefaultLockWait bounds how long build creation waits for its lock.
	DefaultLockWait = 40 * time.Second

	// DefaultLockTTL is the lease duration of database locks.
	DefaultLockTTL = 60 * time.Second
)

// Lock drivers.
const (
	LockDriverMemory   = "memory"
	LockDriverDatabase = "database"
)

// Database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Config is the root configuration for argos-pipeline.
type Config struct {
	Global        GlobalConfig        `yaml:"global" mapstructure:"global"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Storage       StorageConfig       `yaml:"storage" mapstructure:"storage"`
	Pipeline      PipelineConfig      `yaml:"pipeline" mapstructure:"pipeline"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// PipelineConfig contains the build conclusion pipeline settings.
type PipelineConfig struct {
	ReferenceBranch string        `yaml:"reference_branch" mapstructure:"reference_branch"`
	BuildExpiry     time.Duration `yaml:"build_expiry" mapstructure:"build_expiry"`
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	DiffThreshold   float64       `yaml:"diff_threshold" mapstructure:"diff_threshold"`
	MaxImageSize    string        `yaml:"max_image_size" mapstructure:"max_image_size"`
	MaxImagePixels  int64         `yaml:"max_image_pixels" mapstructure:"max_image_pixels"`
	Lock            LockConfig    `yaml:"lock" mapstructure:"lock"`
	Workers         WorkersConfig `yaml:"workers" mapstructure:"workers"`
	Jobs            JobsConfig    `yaml:"jobs" mapstructure:"jobs"`
}

// LockConfig configures the build creation lock.
type LockConfig struct {
	Driver string        `yaml:"driver" mapstructure:"driver"`
	Wait   time.Duration `yaml:"wait" mapstructure:"wait"`
	TTL    time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// WorkersConfig sizes the job worker pools. A zero diff pool is sized to
// the number of logical cores.
type WorkersConfig struct {
	Build        int `yaml:"build" mapstructure:"build"`
	Diff         int `yaml:"diff" mapstructure:"diff"`
	Notification int `yaml:"notification" mapstructure:"notification"`
}

// JobsConfig configures the durable job queue.
type JobsConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	StuckAfter   time.Duration `yaml:"stuck_after" mapstructure:"stuck_after"`
}

// NotificationsConfig configures the notification fan-out.
type NotificationsConfig struct {
	Log      bool            `yaml:"log" mapstructure:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" mapstructure:"webhooks"`
}

// WebhookConfig is a single JSON webhook target.
type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// Load reads and merges the configuration files at the given paths, in
// order, then applies ARGOS_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.intake.requests_per_minute", 600)
	v.SetDefault("server.rate_limit.read.requests_per_minute", 1200)

	v.SetDefault("database.driver", DatabaseDriverSQLite)
	v.SetDefault("database.sqlite.path", "argos.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "argos")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "argos")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.local.enabled", true)
	v.SetDefault("storage.local.root_dir", "./data")

	v.SetDefault("pipeline.reference_branch", DefaultReferenceBranch)
	v.SetDefault("pipeline.build_expiry", DefaultBuildExpiry)
	v.SetDefault("pipeline.sweep_interval", time.Minute)
	v.SetDefault("pipeline.diff_threshold", DefaultDiffThreshold)
	v.SetDefault("pipeline.max_image_size", DefaultMaxImageSize)
	v.SetDefault("pipeline.max_image_pixels", DefaultMaxImagePixels)
	v.SetDefault("pipeline.lock.driver", LockDriverDatabase)
	v.SetDefault("pipeline.lock.wait", DefaultLockWait)
	v.SetDefault("pipeline.lock.ttl", DefaultLockTTL)
	v.SetDefault("pipeline.workers.build", 2)
	v.SetDefault("pipeline.workers.diff", 0)
	v.SetDefault("pipeline.workers.notification", 2)
	v.SetDefault("pipeline.jobs.max_attempts", 3)
	v.SetDefault("pipeline.jobs.poll_interval", time.Second)
	v.SetDefault("pipeline.jobs.retry_backoff", 5*time.Second)
	v.SetDefault("pipeline.jobs.stuck_after", 5*time.Minute)

	v.SetDefault("notifications.log", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case DatabaseDriverPostgres:
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	p := c.Pipeline

	if p.ReferenceBranch == "" {
		return fmt.Errorf("pipeline.reference_branch is required")
	}

	if p.BuildExpiry <= 0 {
		return fmt.Errorf("pipeline.build_expiry must be positive")
	}

	if p.DiffThreshold < 0 || p.DiffThreshold > 1 {
		return fmt.Errorf("pipeline.diff_threshold must be within [0, 1], got %v", p.DiffThreshold)
	}

	if _, err := p.MaxImageBytes(); err != nil {
		return err
	}

	if p.MaxImagePixels <= 0 {
		return fmt.Errorf("pipeline.max_image_pixels must be positive")
	}

	switch p.Lock.Driver {
	case LockDriverMemory, LockDriverDatabase:
	default:
		return fmt.Errorf("unsupported lock driver %q", p.Lock.Driver)
	}

	if p.Lock.Wait <= 0 {
		return fmt.Errorf("pipeline.lock.wait must be positive")
	}

	if p.Workers.Build < 0 || p.Workers.Diff < 0 || p.Workers.Notification < 0 {
		return fmt.Errorf("pipeline.workers counts must not be negative")
	}

	if p.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.jobs.max_attempts must be at least 1")
	}

	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}

	return nil
}

// MaxImageBytes parses the human readable max image size.
func (p *PipelineConfig) MaxImageBytes() (int64, error) {
	size, err := units.FromHumanSize(p.MaxImageSize)
	if err != nil {
		return 0, fmt.Errorf("parsing pipeline.max_image_size: %w", err)
	}

	return size, nil
}

// DiffWorkers returns the diff pool size, falling back to the number of
// logical cores when unset.
func (w *WorkersConfig) DiffWorkers() int {
	if w.Diff > 0 {
		return w.Diff
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}

	return runtime.NumCPU()
}
