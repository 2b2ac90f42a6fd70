package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/config"
)

// Compile-time interface check.
var _ Storage = (*localStorage)(nil)

type localStorage struct {
	log  logrus.FieldLogger
	root string
}

// NewLocal creates a Storage rooted at a local directory.
func NewLocal(log logrus.FieldLogger, cfg *config.LocalStorageConfig) (Storage, error) {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	return &localStorage{
		log:  log.WithField("component", "storage-local"),
		root: root,
	}, nil
}

func (l *localStorage) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

// Get reads a file below the root.
// Returns (nil, nil) when the file does not exist.
func (l *localStorage) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key is cleaned above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// Put writes a file atomically through a temporary sibling.
func (l *localStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("writing %s: %w", p, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing %s: %w", p, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("renaming into %s: %w", p, err)
	}

	return nil
}

// Exists reports whether a file is stored at key.
func (l *localStorage) Exists(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("stat %s: %w", p, err)
	}

	return true, nil
}
