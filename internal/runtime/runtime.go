// Package runtime implements the device runtime orchestrator: the
// supervisor loop that reads the southbound adapter's envelope stream,
// fans it out to one worker per live session, and drives every session
// through its state machine, voice/vision turns, and policy gates. It is
// the composition root that threads every other internal package
// together; nothing downstream of it knows about any other peer.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/agent"
	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/lifelog"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/session"
	"github.com/opencane/edge-runtime/internal/southbound"
	"github.com/opencane/edge-runtime/internal/store"
)

// Store is the narrow persistence boundary the orchestrator writes
// through: session lifecycle, the lifelog timeline, thought traces, and
// telemetry. *store.DB satisfies it directly; tests substitute a fake.
type Store interface {
	OpenSession(ctx context.Context, sessionID, deviceID string) error
	UpdateSessionState(ctx context.Context, sessionID, state string) error
	AdvanceInboundSeq(ctx context.Context, sessionID string, seq int64, gapDelta int) error
	AdvanceOutboundSeq(ctx context.Context, sessionID string, seq int64) error
	CloseSession(ctx context.Context, sessionID, reason string) error
	InsertLifelogEvent(ctx context.Context, e store.LifelogEvent) error
	InsertThoughtTrace(ctx context.Context, sessionID string, stepIndex int, role, content string, metadata json.RawMessage) error
	InsertTelemetrySample(ctx context.Context, deviceID, metric string, value float64, sampledAt time.Time) error
	InsertObservabilitySample(ctx context.Context, component, metric string, value float64, labels map[string]string) error
}

// Options configures a Runtime. Every collaborator is injected so main.go
// is the only place concrete implementations get chosen.
type Options struct {
	Adapter      southbound.Adapter
	Store        Store
	DeviceAuth   *policy.DeviceAuth
	ControlPlane *policy.ControlPlaneClient
	Tasks        *digitaltask.Service // nil disables digital-task dispatch
	Ingest       *lifelog.Pool        // nil disables lifelog ingest on vision turns

	LLM    agent.LLMClient
	Vision agent.VisionAnalyzer
	TTS    agent.TTSEngine

	SafetyRules      policy.SafetyRules
	InteractionRules policy.InteractionRules
	Intent           IntentClassifier

	TTSMode            protocol.TTSMode
	TTSAudioChunkBytes int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// ObservabilityInterval is how often queue/session gauges are sampled
	// into observability_samples. Zero keeps the default; negative disables.
	ObservabilityInterval time.Duration

	InboxSize int

	Log zerolog.Logger
}

// Runtime is the composed device runtime core.
type Runtime struct {
	opts     Options
	sessions *session.Table
	intent   IntentClassifier
	log      zerolog.Logger

	inboxMu sync.Mutex
	inboxes map[string]chan protocol.Envelope

	wg sync.WaitGroup
}

// New builds a Runtime. Call Run to start the supervisor loop.
func New(opts Options) *Runtime {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.TTSMode == "" {
		opts.TTSMode = protocol.TTSModeDeviceText
	}
	intent := opts.Intent
	if intent == nil {
		intent = DefaultKeywordClassifier()
	}
	return &Runtime{
		opts:     opts,
		sessions: session.NewTable(),
		intent:   intent,
		log:      opts.Log,
		inboxes:  make(map[string]chan protocol.Envelope),
	}
}

// StatusCallback exposes the digital-task push path for main.go to wire
// into digitaltask.Options.Callback.
func (r *Runtime) StatusCallback(ctx context.Context, update digitaltask.StatusUpdate) error {
	return r.pushTaskUpdate(ctx, update)
}

// Run starts the adapter and consumes its event stream until ctx is
// canceled or the adapter's channel closes. It blocks until the
// heartbeat sweeper and every in-flight session worker have exited.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.opts.Adapter.Start(ctx); err != nil {
		return err
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		r.heartbeatSweep(ctx)
	}()

	if r.opts.Store != nil && r.opts.ObservabilityInterval >= 0 {
		go r.observabilityLoop(ctx)
	}

	events := r.opts.Adapter.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case env, ok := <-events:
			if !ok {
				break loop
			}
			r.dispatch(ctx, env)
		}
	}

	// Close every inbox so the session workers drain and exit.
	r.Stop()
	r.wg.Wait()
	<-sweepDone
	return r.opts.Adapter.Stop()
}

// Stop is a convenience for callers that hold no cancelable context of
// their own; it closes every inbox and releases session-table entries.
// Run's own ctx cancellation is the primary shutdown path.
func (r *Runtime) Stop() {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	for id, ch := range r.inboxes {
		close(ch)
		delete(r.inboxes, id)
	}
}

// DeviceStatus summarizes one live session for the control API.
type DeviceStatus struct {
	DeviceID       string `json:"device_id"`
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	LastInboundSeq int64  `json:"last_inbound_seq"`
	GapCount       int    `json:"gap_count"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// MetricsSnapshot is the gauge subset of runtime state reported inline by
// /v1/runtime/status, for callers that don't scrape /metrics.
type MetricsSnapshot struct {
	LiveSessions    int            `json:"live_sessions"`
	SessionsByState map[string]int `json:"sessions_by_state"`
	IngestDepth     int            `json:"ingest_queue_depth"`
	IngestInFlight  int            `json:"ingest_in_flight"`
}

// Snapshot is the control API's /v1/runtime/status response body.
type Snapshot struct {
	Running bool            `json:"running"`
	Devices []DeviceStatus  `json:"devices"`
	Metrics MetricsSnapshot `json:"metrics"`
	Lifelog *lifelog.Stats  `json:"lifelog,omitempty"`
}

// Status reports a point-in-time snapshot of every live session plus
// ingest-queue depth, read without touching any per-session worker state.
func (r *Runtime) Status() Snapshot {
	sessions := r.sessions.All()
	devices := make([]DeviceStatus, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, DeviceStatus{
			DeviceID:       s.DeviceID,
			SessionID:      s.SessionID,
			State:          string(s.State),
			LastInboundSeq: s.LastInboundSeq,
			GapCount:       s.GapCount,
			LastSeenAt:     s.LastSeenAt,
		})
	}
	snap := Snapshot{
		Running: true,
		Devices: devices,
		Metrics: MetricsSnapshot{
			LiveSessions:    len(sessions),
			SessionsByState: r.SessionCountByState(),
			IngestDepth:     r.IngestDepth(),
			IngestInFlight:  r.IngestInFlight(),
		},
	}
	if r.opts.Ingest != nil {
		stats := r.opts.Ingest.Stats()
		snap.Lifelog = &stats
	}
	return snap
}

// Sessions exposes the live session table for callers (e.g. the control
// API's device/operation endpoints) that need to check liveness directly.
func (r *Runtime) Sessions() *session.Table {
	return r.sessions
}

// InjectEvent feeds an externally submitted event envelope (the control
// API's POST /v1/device/event) into the same dispatch path the southbound
// adapter drives for a transport's own events, so a device event can arrive
// either way without the session worker caring which.
func (r *Runtime) InjectEvent(ctx context.Context, env protocol.Envelope) error {
	if env.Direction != protocol.DirectionEvent {
		return fmt.Errorf("runtime: InjectEvent requires an event envelope, got %q", env.Direction)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	r.dispatch(ctx, env)
	return nil
}

// SubmitCommand sends a runtime->device command directly through the
// southbound adapter (the control API's POST /v1/device/command), bypassing
// per-session outbound sequencing since this is an administrative
// submission rather than part of a live turn.
func (r *Runtime) SubmitCommand(ctx context.Context, env protocol.Envelope) error {
	if env.Direction != protocol.DirectionCommand {
		return fmt.Errorf("runtime: SubmitCommand requires a command envelope, got %q", env.Direction)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	return r.opts.Adapter.Send(ctx, env)
}

// LiveSessionCount implements metrics.RuntimeStats.
func (r *Runtime) LiveSessionCount() int {
	return r.sessions.Len()
}

// SessionCountByState implements metrics.RuntimeStats.
func (r *Runtime) SessionCountByState() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.sessions.All() {
		counts[string(s.State)]++
	}
	return counts
}

// IngestDepth implements metrics.RuntimeStats.
func (r *Runtime) IngestDepth() int {
	if r.opts.Ingest == nil {
		return 0
	}
	return r.opts.Ingest.Stats().Depth
}

// IngestInFlight implements metrics.RuntimeStats.
func (r *Runtime) IngestInFlight() int {
	if r.opts.Ingest == nil {
		return 0
	}
	return int(r.opts.Ingest.Stats().InFlight)
}

// observabilityLoop samples the live gauges into observability_samples so
// historical queue depth and session counts stay queryable after the fact,
// independent of whatever scrapes /metrics.
func (r *Runtime) observabilityLoop(ctx context.Context) {
	interval := r.opts.ObservabilityInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleObservability(ctx)
		}
	}
}

func (r *Runtime) sampleObservability(ctx context.Context) {
	samples := []struct {
		component string
		metric    string
		value     float64
	}{
		{"runtime", "live_sessions", float64(r.LiveSessionCount())},
		{"lifelog", "ingest_queue_depth", float64(r.IngestDepth())},
		{"lifelog", "ingest_in_flight", float64(r.IngestInFlight())},
	}
	for _, s := range samples {
		if err := r.opts.Store.InsertObservabilitySample(ctx, s.component, s.metric, s.value, nil); err != nil {
			r.recordStoreFailure("observability_sample", err)
			return
		}
	}
	for state, n := range r.SessionCountByState() {
		if err := r.opts.Store.InsertObservabilitySample(ctx, "runtime", "sessions_in_state", float64(n), map[string]string{"state": state}); err != nil {
			r.recordStoreFailure("observability_sample", err)
			return
		}
	}
}

func (r *Runtime) recordStoreFailure(op string, err error) {
	metrics.StoreWriteFailedTotal.WithLabelValues(op).Inc()
	r.log.Warn().Err(err).Str("op", op).Msg("durable store write failed, continuing on in-memory state")
}
