// Package storage archives rebuild reports in an object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/storage/minio"
	"github.com/feichai0017/table-dispatcher/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeNone  StorageType = ""
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage is a flat key/value object store.
type Storage interface {
	// Store writes reader under key and returns the stored key.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes objects last modified before threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

type Config struct {
	Type  StorageType
	S3    s3.Config
	Minio minio.Config
}

// Enabled reports whether a backend is configured.
func (c Config) Enabled() bool {
	return c.Type != StorageTypeNone
}

// NewStorage connects the configured backend.
func NewStorage(ctx context.Context, cfg Config, log logger.Logger) (Storage, error) {
	switch cfg.Type {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, cfg.S3, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, cfg.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}
