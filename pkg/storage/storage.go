// Package storage resolves and stores screenshot files by key.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/config"
)

// Storage is a content store for screenshot, trace and diff files.
type Storage interface {
	// Get reads the object at key.
	// Returns (nil, nil) when the object does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// ContentKey returns the content address of data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// New creates the storage backend enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Storage, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3(log, &cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocal(log, &cfg.Local)
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}

// cleanKey rejects keys escaping the storage root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}

	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || strings.HasPrefix(cleaned, "..") || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}

	return cleaned, nil
}
