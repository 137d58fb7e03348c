/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists captured frames. Backends share one interface so a
// run does not care whether frames land on the rig's disk, in an S3 bucket,
// or on a remote host over SSH.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/config"
)

// Store is a destination for captured frames. Put returns the final stored
// location in a backend-specific notation suitable for run records.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
	CheckAccess(ctx context.Context) error
}

// New builds the storage backend selected by the configuration.
func New(cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Store {
	case config.StoreFS:
		return NewFilesystemStore(cfg.FSRoot, logger)
	case config.StoreS3:
		return NewS3Store(context.Background(), S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
	case config.StoreSSH:
		return NewSSHStore(SSHConfig{
			Host:           cfg.SSHHost,
			Port:           cfg.SSHPort,
			User:           cfg.SSHUser,
			KeyFile:        cfg.SSHKeyFile,
			Password:       cfg.SSHPassword,
			RemoteRoot:     cfg.SSHRemoteRoot,
			KnownHostsFile: cfg.SSHKnownHostsFile,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
