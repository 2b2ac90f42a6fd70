package config

import "fmt"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Intake  RateLimitTier `yaml:"intake,omitempty" mapstructure:"intake"`
	Read    RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig contains the screenshot object storage settings.
// Only one backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	S3    S3Config           `yaml:"s3" mapstructure:"s3"`
	Local LocalStorageConfig `yaml:"local" mapstructure:"local"`
}

// S3Config contains S3 settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// LocalStorageConfig stores screenshots below a directory on disk.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	RootDir string `yaml:"root_dir" mapstructure:"root_dir"`
}

// Validate checks that exactly one storage backend is usable.
func (s *StorageConfig) Validate() error {
	if s.S3.Enabled && s.Local.Enabled {
		return fmt.Errorf("storage: only one of s3 or local may be enabled")
	}

	switch {
	case s.S3.Enabled:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	case s.Local.Enabled:
		if s.Local.RootDir == "" {
			return fmt.Errorf("storage.local.root_dir is required")
		}
	default:
		return fmt.Errorf("storage: no backend enabled")
	}

	return nil
}
