package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AssetPruner evicts aged lifelog frames from the local disk cache. S3 keeps
// the durable copy; the pruner refuses to delete anything it cannot confirm
// exists in the bucket. With no S3 configured it never runs (local disk is
// then the only copy and retention is the operator's problem).
type AssetPruner struct {
	assetDir  string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	s3        *S3Store
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

type cachedAsset struct {
	path    string
	key     string
	modTime time.Time
	size    int64
}

// NewAssetPruner creates a pruner bounded by age and/or total cache size.
func NewAssetPruner(assetDir string, retention time.Duration, maxGB int, s3 *S3Store, log zerolog.Logger) *AssetPruner {
	return &AssetPruner{
		assetDir:  assetDir,
		retention: retention,
		maxBytes:  int64(maxGB) << 30,
		interval:  time.Hour,
		s3:        s3,
		log:       log.With().Str("component", "asset-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *AssetPruner) Start() {
	go p.loop()
}

func (p *AssetPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *AssetPruner) loop() {
	// First pass immediately, to clear backlog accumulated while down.
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *AssetPruner) prune() {
	if p.retention == 0 && p.maxBytes == 0 {
		return
	}

	assets, totalSize := p.scan()

	// Oldest first, so the size bound evicts in age order too.
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].modTime.Before(assets[j].modTime)
	})

	cutoff := time.Now().Add(-p.retention)
	var prunedCount, skipped int
	var prunedBytes int64

	for _, a := range assets {
		overAge := p.retention > 0 && a.modTime.Before(cutoff)
		overSize := p.maxBytes > 0 && totalSize > p.maxBytes
		if !overAge && !overSize {
			continue
		}
		if !p.backedUp(a.key) {
			skipped++
			p.log.Warn().Str("key", a.key).Msg("skipping prune, frame not yet in S3")
			continue
		}
		if err := os.Remove(a.path); err != nil {
			continue
		}
		prunedCount++
		prunedBytes += a.size
		totalSize -= a.size
	}

	p.sweepEmptyDirs()

	if prunedCount > 0 || skipped > 0 {
		p.log.Info().
			Int("pruned", prunedCount).
			Str("freed", fmtBytes(prunedBytes)).
			Str("cache_size", fmtBytes(totalSize)).
			Int("skipped_not_backed_up", skipped).
			Msg("asset prune complete")
	}
}

func (p *AssetPruner) scan() ([]cachedAsset, int64) {
	var assets []cachedAsset
	var total int64
	filepath.WalkDir(p.assetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(p.assetDir, path)
		if err != nil {
			return nil
		}
		assets = append(assets, cachedAsset{
			path:    path,
			key:     filepath.ToSlash(rel),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		total += info.Size()
		return nil
	})
	return assets, total
}

func (p *AssetPruner) backedUp(key string) bool {
	if p.s3 == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.s3.Exists(ctx, key)
}

// sweepEmptyDirs removes device/date directories left empty by pruning.
func (p *AssetPruner) sweepEmptyDirs() {
	deviceDirs, _ := os.ReadDir(p.assetDir)
	for _, deviceDir := range deviceDirs {
		if !deviceDir.IsDir() {
			continue
		}
		devicePath := filepath.Join(p.assetDir, deviceDir.Name())
		dateDirs, _ := os.ReadDir(devicePath)
		for _, dateDir := range dateDirs {
			if !dateDir.IsDir() {
				continue
			}
			datePath := filepath.Join(devicePath, dateDir.Name())
			if remaining, _ := os.ReadDir(datePath); len(remaining) == 0 {
				os.Remove(datePath)
			}
		}
		if remaining, _ := os.ReadDir(devicePath); len(remaining) == 0 {
			os.Remove(devicePath)
		}
	}
}

func fmtBytes(b int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/mb)
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/kb)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
