package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/config"
)

// ObjectStore holds segments while a transcription backend reads them.
// Objects are short-lived: the pipeline deletes each one once its
// transcription attempt finishes.
type ObjectStore interface {
	// Put uploads the file at localPath under key.
	Put(ctx context.Context, localPath, key string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URI is the reference handed to the transcription backend,
	// e.g. gs://bucket/prefix/key.
	URI(key string) string

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ObjectStore based on config. Falls back to a local
// directory when no bucket is configured. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.S3Config, objectDir string, log zerolog.Logger) (ObjectStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(objectDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
