package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler backs up lifelog frames the async uploader missed: a
// dropped job, an S3 outage, or a crash between the disk write and the
// backup. Each cycle it walks the cache, skips frames already past the
// image retention window (they are due for deletion, not backup), and
// re-uploads the newest missing frames first so the most recent lifelog
// history regains durability soonest.
type UploadReconciler struct {
	assetDir  string
	s3        *S3Store
	retention time.Duration
	interval  time.Duration
	maxPerRun int
	log       zerolog.Logger
	stop      chan struct{}
}

type pendingFrame struct {
	path    string
	key     string
	modTime time.Time
}

// NewUploadReconciler creates a reconciler. retention <= 0 means frames are
// kept forever and every missing frame is a backup candidate.
func NewUploadReconciler(assetDir string, s3 *S3Store, retention time.Duration, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		assetDir:  assetDir,
		s3:        s3,
		retention: retention,
		interval:  5 * time.Minute,
		maxPerRun: 200,
		log:       log.With().Str("component", "upload-reconciler").Logger(),
		stop:      make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }
func (r *UploadReconciler) Stop()  { close(r.stop) }

func (r *UploadReconciler) loop() {
	// Delay the first run so startup uploads settle before being re-checked.
	select {
	case <-time.After(2 * time.Minute):
	case <-r.stop:
		return
	}

	for {
		r.reconcile()
		select {
		case <-time.After(r.interval):
		case <-r.stop:
			return
		}
	}
}

func (r *UploadReconciler) reconcile() {
	candidates := r.collect()

	// Newest first: recent frames are the ones a recall query will want.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	if len(candidates) > r.maxPerRun {
		r.log.Info().Int("deferred", len(candidates)-r.maxPerRun).Msg("reconcile backlog exceeds per-run cap")
		candidates = candidates[:r.maxPerRun]
	}

	var uploaded, failed int
	for _, f := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.s3.Exists(ctx, f.key)
		cancel()
		if exists {
			continue
		}

		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		err = r.s3.Save(ctx, f.key, data, assetContentTypeFromExt(filepath.Ext(f.key)))
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Str("key", f.key).Msg("reconcile upload failed")
			failed++
			continue
		}
		uploaded++
	}

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("candidates", len(candidates)).
			Msg("reconcile complete")
	}
}

// collect walks the cache and returns frames still inside the retention
// window. Keys are device/date/frame; a frame whose date directory is
// unparseable is kept (better a spurious backup than a silent gap).
func (r *UploadReconciler) collect() []pendingFrame {
	var out []pendingFrame
	cutoff := time.Time{}
	if r.retention > 0 {
		cutoff = time.Now().Add(-r.retention)
	}

	filepath.WalkDir(r.assetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".asset-") && strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(r.assetDir, path)
		if relErr != nil {
			return nil
		}
		key := filepath.ToSlash(rel)

		if !cutoff.IsZero() {
			parts := strings.Split(key, "/")
			if len(parts) == 3 {
				if day, parseErr := time.Parse("2006-01-02", parts[1]); parseErr == nil && day.Before(cutoff) {
					return nil
				}
			}
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		out = append(out, pendingFrame{path: path, key: key, modTime: info.ModTime()})
		return nil
	})
	return out
}

// assetContentTypeFromExt returns the MIME type for a lifelog image extension.
func assetContentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
