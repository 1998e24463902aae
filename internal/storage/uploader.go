package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// asyncUploader pushes lifelog frames to S3 in the background so the ingest
// workers never wait on object storage. Frames are on local disk before they
// are enqueued here, so a dropped upload is recoverable by the reconciler.
type asyncUploader struct {
	s3       *S3Store
	jobs     chan uploadJob
	workers  int
	log      zerolog.Logger
	stopped  atomic.Bool
	stopOnce sync.Once
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

func newAsyncUploader(s3 *S3Store, workers, bufferSize int, log zerolog.Logger) *asyncUploader {
	if workers <= 0 {
		workers = 2
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &asyncUploader{
		s3:      s3,
		jobs:    make(chan uploadJob, bufferSize),
		workers: workers,
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// enqueue schedules a backup upload. Never blocks: if the buffer is full the
// frame is skipped and left for the reconciler, since it is already on disk.
func (u *asyncUploader) enqueue(key string, data []byte, contentType string) {
	if u.stopped.Load() {
		return
	}
	select {
	case u.jobs <- uploadJob{key: key, data: data, contentType: contentType}:
	default:
		u.log.Warn().Str("key", key).Msg("upload buffer full, deferring to reconciler")
	}
}

func (u *asyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		go u.run()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.jobs)).Msg("async uploader started")
}

// Stop closes the job channel; in-flight uploads finish, queued ones drain.
func (u *asyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.jobs) })
}

func (u *asyncUploader) run() {
	for job := range u.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.s3.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("backup upload failed, reconciler will retry")
		}
		cancel()
	}
}
