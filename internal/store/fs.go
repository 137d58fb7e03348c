/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStore writes frames under a local root directory. Writes go to a
// temp file first and are renamed into place, so readers never see a partial
// frame.
type FilesystemStore struct {
	root   string
	logger zerolog.Logger
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string, logger zerolog.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FilesystemStore{
		root:   root,
		logger: logger.With().Str("component", "store").Str("backend", "fs").Logger(),
	}, nil
}

func (s *FilesystemStore) Name() string { return "fs" }

func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.root, filepath.FromSlash(key))
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stagehand-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write frame: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close frame: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("rename frame into place: %w", err)
	}

	s.logger.Debug().Str("path", fullPath).Int("bytes", len(data)).Msg("frame stored")
	return fullPath, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	fullPath := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove frame: %w", err)
	}
	return nil
}

// CheckAccess verifies the root exists and is writable by creating and
// removing a probe file.
func (s *FilesystemStore) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("cannot access storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root is not a directory: %s", s.root)
	}
	probe, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("storage root is not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
