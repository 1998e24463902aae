package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/config"
)

// AssetStore abstracts lifelog image asset storage backends.
type AssetStore interface {
	// Save stores asset data. key format: {device_id}/{YYYY-MM-DD}/{filename}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a presigned URL for the asset.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the asset.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an asset exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New creates an AssetStore based on config. imageRetention bounds which
// frames the reconciler still considers worth backing up. Returns the store
// and the background services (uploader, pruner, reconciler) the caller
// must Start/Stop. Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, assetDir string, imageRetention time.Duration, log zerolog.Logger) (AssetStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(assetDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary, S3 backup via the async uploader.
	local := NewLocalStore(assetDir)
	uploader := newAsyncUploader(s3store, 2, 256, log)
	tiered := NewTieredStore(s3store, local, uploader, log)

	services := []BackgroundService{uploader}

	if cfg.CacheRetention > 0 || cfg.CacheMaxGB > 0 {
		services = append(services, NewAssetPruner(assetDir, cfg.CacheRetention, cfg.CacheMaxGB, s3store, log))
	}
	services = append(services, NewUploadReconciler(assetDir, s3store, imageRetention, log))

	return tiered, services, nil
}
