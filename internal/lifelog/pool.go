// Package lifelog implements the bounded image-ingest queue that backs
// vision-turn recall: dedup against recently seen frames, durable asset
// storage, structured summarization, and vector indexing for later recall.
// The pipeline is a bounded job channel, N worker goroutines, and a
// per-job context.WithTimeout.
package lifelog

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/agent"
	"github.com/opencane/edge-runtime/internal/store"
)

// AssetStore is the subset of storage.AssetStore the ingest pipeline needs
// to persist raw image bytes durably.
type AssetStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// IngestJob is one captured frame queued for analysis.
type IngestJob struct {
	DeviceID    string
	SessionID   string
	ImageBase64 []byte // raw decoded bytes
	MIME        string
	Question    string
	CapturedAt  time.Time
}

// Stats reports the current state of the ingest queue.
type Stats struct {
	Depth       int
	Utilization float64
	InFlight    int32
	Enqueued    int64
	Processed   int64
	Failed      int64
	Rejected    int64
	Dropped     int64
	MaxDepth    int
	AvgLatency  time.Duration
}

// OverflowPolicy controls behavior when the queue is full.
type OverflowPolicy string

const (
	OverflowReject     OverflowPolicy = "reject"
	OverflowWait       OverflowPolicy = "wait"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Options configures the pool.
type Options struct {
	Workers         int
	QueueSize       int
	Overflow        OverflowPolicy
	EnqueueTimeout  time.Duration
	JobTimeout      time.Duration
	DedupWindow     time.Duration
	DedupMaxHamming int

	Assets   AssetStore
	Store    *store.DB
	Vision   agent.VisionAnalyzer
	Vector   store.VectorIndex
	Embedder Embedder

	Log zerolog.Logger
}

// Embedder produces a vector embedding for a lifelog summary so it can be
// indexed for later semantic recall. Analysis-only deployments may leave
// this nil; the pipeline then skips vector indexing for that frame.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pool runs the bounded worker pool over IngestJob values.
type Pool struct {
	jobs    chan timedJob
	opts    Options
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobsMu  sync.Mutex

	enqueued   atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
	dropped    atomic.Int64
	inFlight   atomic.Int32
	maxDepth   atomic.Int32
	latencySum atomic.Int64
	latencyN   atomic.Int64
}

type timedJob struct {
	job      IngestJob
	queuedAt time.Time
}

// New creates a Pool; call Start to launch workers.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowReject
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobs:   make(chan timedJob, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.opts.Workers).Int("queue_size", p.opts.QueueSize).Msg("lifelog ingest pool started")
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}

// Enqueue adds a job honoring the configured overflow policy. Under reject
// and drop_oldest it returns at once; under wait it blocks the caller for
// at most EnqueueTimeout before rejecting. It never waits for the job to
// be processed.
func (p *Pool) Enqueue(job IngestJob) bool {
	tj := timedJob{job: job, queuedAt: time.Now()}

	switch p.opts.Overflow {
	case OverflowWait:
		timer := time.NewTimer(p.opts.EnqueueTimeout)
		defer timer.Stop()
		select {
		case p.jobs <- tj:
			p.onEnqueued()
			return true
		case <-timer.C:
			p.rejected.Add(1)
			return false
		}
	case OverflowDropOldest:
		select {
		case p.jobs <- tj:
			p.onEnqueued()
			return true
		default:
			p.jobsMu.Lock()
			defer p.jobsMu.Unlock()
			select {
			case <-p.jobs:
				p.dropped.Add(1)
			default:
			}
			select {
			case p.jobs <- tj:
				p.onEnqueued()
				return true
			default:
				p.rejected.Add(1)
				return false
			}
		}
	default: // OverflowReject
		select {
		case p.jobs <- tj:
			p.onEnqueued()
			return true
		default:
			p.rejected.Add(1)
			return false
		}
	}
}

func (p *Pool) onEnqueued() {
	p.enqueued.Add(1)
	if d := int32(len(p.jobs)); d > p.maxDepth.Load() {
		p.maxDepth.Store(d)
	}
}

// Vector exposes the configured vector backend for the control API's
// semantic-query endpoint; nil when no vector backend is configured.
func (p *Pool) Vector() store.VectorIndex {
	return p.opts.Vector
}

// Embedder exposes the configured embedder for the control API's
// semantic-query endpoint; nil when no embedder is configured.
func (p *Pool) Embedder() Embedder {
	return p.opts.Embedder
}

// Stats reports a snapshot of queue and worker state.
func (p *Pool) Stats() Stats {
	depth := len(p.jobs)
	var util float64
	if p.opts.QueueSize > 0 {
		util = float64(depth) / float64(p.opts.QueueSize)
	}
	var avg time.Duration
	if n := p.latencyN.Load(); n > 0 {
		avg = time.Duration(p.latencySum.Load() / n)
	}
	return Stats{
		Depth:       depth,
		Utilization: util,
		InFlight:    p.inFlight.Load(),
		Enqueued:    p.enqueued.Load(),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Rejected:    p.rejected.Load(),
		Dropped:     p.dropped.Load(),
		MaxDepth:    int(p.maxDepth.Load()),
		AvgLatency:  avg,
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for tj := range p.jobs {
		p.inFlight.Add(1)
		start := time.Now()
		if err := p.processJob(log, tj.job); err != nil {
			p.failed.Add(1)
			log.Warn().Err(err).Str("device_id", tj.job.DeviceID).Msg("lifelog ingest job failed")
		} else {
			p.processed.Add(1)
		}
		p.latencySum.Add(int64(time.Since(start)))
		p.latencyN.Add(1)
		p.inFlight.Add(-1)
	}
}

func (p *Pool) processJob(log zerolog.Logger, job IngestJob) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.JobTimeout)
	defer cancel()

	hash, err := perceptualHash(job.ImageBase64)
	if err != nil {
		return fmt.Errorf("hash frame: %w", err)
	}

	since := job.CapturedAt.Add(-p.opts.DedupWindow)
	recent, err := p.opts.Store.RecentPHashes(ctx, job.DeviceID, since)
	if err != nil {
		return fmt.Errorf("load recent hashes: %w", err)
	}

	dupOf := findDuplicate(hash, recent, p.opts.DedupMaxHamming)

	id := newImageID()
	key := fmt.Sprintf("%s/%s/%s", job.DeviceID, job.CapturedAt.Format("2006-01-02"), id)
	if err := p.opts.Assets.Save(ctx, key, job.ImageBase64, job.MIME); err != nil {
		return fmt.Errorf("save asset: %w", err)
	}

	if err := p.opts.Store.InsertLifelogImage(ctx, store.LifelogImage{
		ID:          id,
		DeviceID:    job.DeviceID,
		SessionID:   job.SessionID,
		AssetURI:    key,
		MIME:        job.MIME,
		PHash:       hash,
		DuplicateOf: dupOf,
		CapturedAt:  job.CapturedAt,
	}); err != nil {
		return fmt.Errorf("insert lifelog image: %w", err)
	}

	if dupOf != "" {
		log.Debug().Str("image_id", id).Str("duplicate_of", dupOf).Msg("lifelog frame deduplicated, skipping analysis")
		if err := p.opts.Store.InsertLifelogContext(ctx, id, "deduplicated frame", "dedup", nil); err != nil {
			log.Warn().Err(err).Str("image_id", id).Msg("insert placeholder context failed")
		}
		p.recordIngested(ctx, log, job, id, true)
		return nil
	}

	if p.opts.Vision == nil {
		p.recordIngested(ctx, log, job, id, false)
		return nil
	}
	analysis, err := p.opts.Vision.Analyze(ctx, base64.StdEncoding.EncodeToString(job.ImageBase64), job.MIME, job.Question)
	if err != nil {
		return fmt.Errorf("vision analyze: %w", err)
	}

	if err := p.opts.Store.InsertLifelogContext(ctx, id, analysis.SemanticSummary, "vision", nil); err != nil {
		return fmt.Errorf("insert lifelog context: %w", err)
	}

	if p.opts.Vector != nil && p.opts.Embedder != nil {
		emb, err := p.opts.Embedder.Embed(ctx, analysis.SemanticSummary)
		if err != nil {
			log.Warn().Err(err).Str("image_id", id).Msg("embedding failed, skipping vector index")
			p.recordIngested(ctx, log, job, id, false)
			return nil
		}
		if err := p.opts.Vector.Upsert(ctx, id, emb, map[string]any{
			"device_id": job.DeviceID,
			"title":     analysis.SemanticTitle,
		}); err != nil {
			log.Warn().Err(err).Str("image_id", id).Msg("vector upsert failed")
		}
	}

	p.recordIngested(ctx, log, job, id, false)
	return nil
}

// recordIngested appends the image_ingested timeline entry every processed
// frame gets, deduplicated or not. A failed append is logged, not fatal:
// the image and context rows are already durable.
func (p *Pool) recordIngested(ctx context.Context, log zerolog.Logger, job IngestJob, imageID string, dedup bool) {
	meta, _ := json.Marshal(map[string]any{"image_id": imageID, "is_dedup": dedup})
	if err := p.opts.Store.InsertLifelogEvent(ctx, store.LifelogEvent{
		DeviceID:   job.DeviceID,
		SessionID:  job.SessionID,
		Kind:       "image_ingested",
		Metadata:   meta,
		OccurredAt: job.CapturedAt,
	}); err != nil {
		log.Warn().Err(err).Str("image_id", imageID).Msg("insert image_ingested event failed")
	}
}

func newImageID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
