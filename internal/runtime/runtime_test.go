package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/agent"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/session"
	"github.com/opencane/edge-runtime/internal/southbound"
	"github.com/opencane/edge-runtime/internal/store"
)

// fakeStore is a recording, in-memory Store for tests; it never fails
// unless openErr is set, the same "fake with a failure knob" shape the
// policy package's tests use for BindingLookup.
type fakeStore struct {
	mu             sync.Mutex
	states         map[string]string
	inboundSeq     map[string]int64
	outboundSeq    map[string]int64
	lifelogEvents  []store.LifelogEvent
	thoughtTraces  int
	telemetry      int
	closedReasons  map[string]string
	openErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:        make(map[string]string),
		inboundSeq:    make(map[string]int64),
		outboundSeq:   make(map[string]int64),
		closedReasons: make(map[string]string),
	}
}

func (f *fakeStore) OpenSession(ctx context.Context, sessionID, deviceID string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sessionID] = "ready"
	return nil
}

func (f *fakeStore) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sessionID] = state
	return nil
}

func (f *fakeStore) AdvanceInboundSeq(ctx context.Context, sessionID string, seq int64, gapDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inboundSeq[sessionID] = seq
	return nil
}

func (f *fakeStore) AdvanceOutboundSeq(ctx context.Context, sessionID string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outboundSeq[sessionID] = seq
	return nil
}

func (f *fakeStore) CloseSession(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedReasons[sessionID] = reason
	return nil
}

func (f *fakeStore) InsertLifelogEvent(ctx context.Context, e store.LifelogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifelogEvents = append(f.lifelogEvents, e)
	return nil
}

func (f *fakeStore) InsertThoughtTrace(ctx context.Context, sessionID string, stepIndex int, role, content string, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thoughtTraces++
	return nil
}

func (f *fakeStore) InsertTelemetrySample(ctx context.Context, deviceID, metric string, value float64, sampledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry++
	return nil
}

func (f *fakeStore) InsertObservabilitySample(ctx context.Context, component, metric string, value float64, labels map[string]string) error {
	return nil
}

func (f *fakeStore) stateOf(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[sessionID]
}

// fakeLLM returns a canned reply, or an error when forced, to exercise the
// fallback-reply path without a real provider.
type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Chat(ctx context.Context, req agent.ChatRequest) (agent.ChatResponse, error) {
	if f.err != nil {
		return agent.ChatResponse{}, f.err
	}
	return agent.ChatResponse{Text: f.reply, StopReason: "end_turn", Confidence: 0.9}, nil
}

// blockingTTS streams chunks from a channel the test controls, so a test can
// hold a turn open in SPEAKING long enough to inject a barge-in.
type blockingTTS struct {
	chunks chan agent.TTSChunk
}

func (b *blockingTTS) Synthesize(ctx context.Context, text string) (<-chan agent.TTSChunk, error) {
	return b.chunks, nil
}

func noopSafety() policy.SafetyRules { return policy.SafetyRules{Enabled: false} }
func noopInteraction() policy.InteractionRules {
	return policy.InteractionRules{Enabled: false}
}

func helloEnv(deviceID, sessionID string, seq int64) protocol.Envelope {
	return protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeHello,
		DeviceID: deviceID, SessionID: sessionID, Seq: seq,
	}
}

// runFor starts rt.Run in the background and stops it once stop fires,
// returning the wait channel so the caller can confirm clean shutdown.
func runFor(t *testing.T, rt *Runtime) (stop context.CancelFunc, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- rt.Run(ctx) }()
	return cancel, ch
}

func waitForSent(t *testing.T, adapter *southbound.MockAdapter, typ protocol.Type, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, env := range adapter.Sent() {
			if env.Type == typ {
				return env
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %s command", typ)
	return protocol.Envelope{}
}

func TestNominalVoiceTurn(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{
		Adapter:          adapter,
		Store:            st,
		LLM:              &fakeLLM{reply: "it is sunny today"},
		SafetyRules:      noopSafety(),
		InteractionRules: noopInteraction(),
		Log:              zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-1", "sess-1", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)

	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStart, DeviceID: "dev-1", SessionID: "sess-1", Seq: 2})
	adapter.Inject(protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeAudioChunk, DeviceID: "dev-1", SessionID: "sess-1", Seq: 3,
		Payload: protocol.Payload{"chunk_index": float64(0), "text": "what is the weather"},
	})
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStop, DeviceID: "dev-1", SessionID: "sess-1", Seq: 4})

	stopEnv := waitForSent(t, adapter, protocol.TypeTTSStop, time.Second)
	if stopEnv.Payload.BoolField("aborted") {
		t.Error("nominal turn should complete without abort")
	}

	sawFinal, sawChunk := false, false
	for _, env := range adapter.Sent() {
		switch env.Type {
		case protocol.TypeSTTFinal:
			sawFinal = true
			if env.Payload.StringField("text") != "what is the weather" {
				t.Errorf("stt_final text = %q", env.Payload.StringField("text"))
			}
		case protocol.TypeTTSChunk:
			sawChunk = true
			if env.Payload.StringField("text") != "it is sunny today" {
				t.Errorf("tts_chunk text = %q", env.Payload.StringField("text"))
			}
		}
	}
	if !sawFinal || !sawChunk {
		t.Fatalf("expected stt_final and tts_chunk, sent=%+v", adapter.Sent())
	}

	if got := st.stateOf("sess-1"); got != string(session.StateReady) {
		t.Errorf("session state after turn = %q, want ready", got)
	}
}

func TestReorderedAudioChunksOnlyEmitPartialOnContiguousPrefix(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{
		Adapter: adapter, Store: st,
		LLM: &fakeLLM{reply: "ok"}, SafetyRules: noopSafety(), InteractionRules: noopInteraction(),
		Log: zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-2", "sess-2", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStart, DeviceID: "dev-2", SessionID: "sess-2", Seq: 2})

	// chunk 1 arrives before chunk 0: no partial should fire yet.
	adapter.Inject(protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeAudioChunk, DeviceID: "dev-2", SessionID: "sess-2", Seq: 3,
		Payload: protocol.Payload{"chunk_index": float64(1), "text": "world"},
	})
	time.Sleep(20 * time.Millisecond)
	for _, env := range adapter.Sent() {
		if env.Type == protocol.TypeSTTPartial {
			t.Fatalf("unexpected stt_partial before the prefix is contiguous: %+v", env)
		}
	}

	adapter.Inject(protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeAudioChunk, DeviceID: "dev-2", SessionID: "sess-2", Seq: 4,
		Payload: protocol.Payload{"chunk_index": float64(0), "text": "hello"},
	})
	partial := waitForSent(t, adapter, protocol.TypeSTTPartial, time.Second)
	if partial.Payload.StringField("text") != "hello world" {
		t.Errorf("stt_partial text = %q, want %q", partial.Payload.StringField("text"), "hello world")
	}
}

func TestBargeInAbortsInFlightSpeech(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	chunks := make(chan agent.TTSChunk)
	rt := New(Options{
		Adapter: adapter, Store: st,
		LLM: &fakeLLM{reply: "a long winded answer"}, TTS: &blockingTTS{chunks: chunks},
		SafetyRules: noopSafety(), InteractionRules: noopInteraction(),
		Log: zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-3", "sess-3", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStart, DeviceID: "dev-3", SessionID: "sess-3", Seq: 2})
	adapter.Inject(protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeAudioChunk, DeviceID: "dev-3", SessionID: "sess-3", Seq: 3,
		Payload: protocol.Payload{"chunk_index": float64(0), "text": "tell me a story"},
	})
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStop, DeviceID: "dev-3", SessionID: "sess-3", Seq: 4})

	waitForSent(t, adapter, protocol.TypeTTSStart, time.Second)
	chunks <- agent.TTSChunk{Text: "once upon a time"}
	waitForSent(t, adapter, protocol.TypeTTSChunk, time.Second)

	// Barge in mid-stream: a fresh listen_start while still SPEAKING.
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStart, DeviceID: "dev-3", SessionID: "sess-3", Seq: 5})

	deadline := time.Now().Add(time.Second)
	var stop *protocol.Envelope
	for time.Now().Before(deadline) && stop == nil {
		for _, env := range adapter.Sent() {
			if env.Type == protocol.TypeTTSStop && env.Payload.BoolField("aborted") {
				e := env
				stop = &e
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if stop == nil {
		t.Fatalf("expected tts_stop{aborted:true} on barge-in, sent=%+v", adapter.Sent())
	}
	if got := stop.Payload.StringField("reason"); got != "barge_in" {
		t.Errorf("tts_stop reason = %q, want %q", got, "barge_in")
	}

	if got, ok := rt.Sessions().Get("sess-3"); !ok || got.State != session.StateListening {
		state := "missing"
		if ok {
			state = string(got.State)
		}
		t.Errorf("session state after barge-in = %s, want listening", state)
	}
}

func TestDuplicateHeartbeatReissuesAck(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{Adapter: adapter, Store: st, SafetyRules: noopSafety(), InteractionRules: noopInteraction(), Log: zerolog.Nop()})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-4", "sess-4", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)

	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeHeartbeat, DeviceID: "dev-4", SessionID: "sess-4", Seq: 2})
	waitForSent(t, adapter, protocol.TypeAck, time.Second)

	before := len(adapter.Sent())
	// Resend the same heartbeat seq: idempotent, should reissue an ack
	// rather than being silently dropped or reprocessed.
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeHeartbeat, DeviceID: "dev-4", SessionID: "sess-4", Seq: 2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(adapter.Sent()) <= before {
		time.Sleep(2 * time.Millisecond)
	}
	if len(adapter.Sent()) <= before {
		t.Fatal("expected a second ack on the duplicate heartbeat")
	}
}

func TestOutOfOrderEventAdvancesSeqWithoutDroppingGapCount(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{Adapter: adapter, Store: st, SafetyRules: noopSafety(), InteractionRules: noopInteraction(), Log: zerolog.Nop()})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-5", "sess-5", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)

	// Seq jumps from 1 straight to 5, skipping 2-4.
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeHeartbeat, DeviceID: "dev-5", SessionID: "sess-5", Seq: 5})
	waitForSent(t, adapter, protocol.TypeAck, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := rt.Sessions().Get("sess-5"); ok && sess.GapCount > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected GapCount to be incremented after a seq gap")
}

// failingBindings always reports the device as unknown, exercising the
// allowUnbound=false deny path.
type failingBindings struct{}

func (failingBindings) GetBinding(ctx context.Context, deviceID string) (*store.BindingRecord, error) {
	return nil, store.ErrNotFound
}

func TestAuthDeniedClosesSession(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	auth := policy.NewDeviceAuth(failingBindings{}, true, false, false)
	rt := New(Options{
		Adapter: adapter, Store: st, DeviceAuth: auth,
		SafetyRules: noopSafety(), InteractionRules: noopInteraction(), Log: zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	env := helloEnv("dev-unknown", "sess-6", 1)
	env.Payload = protocol.Payload{"device_token": "whatever"}
	adapter.Inject(env)

	closeEnv := waitForSent(t, adapter, protocol.TypeClose, time.Second)
	if closeEnv.Payload.StringField("reason") != "auth_denied" {
		t.Errorf("close reason = %q, want auth_denied", closeEnv.Payload.StringField("reason"))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st.stateOf("sess-6") != "" || func() bool { _, ok := rt.Sessions().Get("sess-6"); return !ok }() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if reason := st.closedReasons["sess-6"]; reason != "auth_denied" {
		t.Errorf("store close reason = %q, want auth_denied", reason)
	}
}

func TestAgentFallbackReplyOnLLMError(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{
		Adapter: adapter, Store: st,
		LLM:              &fakeLLM{err: errors.New("provider unavailable")},
		SafetyRules:      noopSafety(),
		InteractionRules: noopInteraction(),
		Log:              zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-7", "sess-7", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStart, DeviceID: "dev-7", SessionID: "sess-7", Seq: 2})
	adapter.Inject(protocol.Envelope{
		Direction: protocol.DirectionEvent, Type: protocol.TypeAudioChunk, DeviceID: "dev-7", SessionID: "sess-7", Seq: 3,
		Payload: protocol.Payload{"chunk_index": float64(0), "text": "hi"},
	})
	adapter.Inject(protocol.Envelope{Direction: protocol.DirectionEvent, Type: protocol.TypeListenStop, DeviceID: "dev-7", SessionID: "sess-7", Seq: 4})

	chunk := waitForSent(t, adapter, protocol.TypeTTSChunk, time.Second)
	if chunk.Payload.StringField("text") != fallbackReply {
		t.Errorf("expected fallback reply text, got %q", chunk.Payload.StringField("text"))
	}
}

func TestHeartbeatTimeoutEvictsSession(t *testing.T) {
	adapter := southbound.NewMockAdapter(32)
	st := newFakeStore()
	rt := New(Options{
		Adapter: adapter, Store: st,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  15 * time.Millisecond,
		SafetyRules:       noopSafety(),
		InteractionRules:  noopInteraction(),
		Log:               zerolog.Nop(),
	})
	cancel, done := runFor(t, rt)
	defer func() { cancel(); <-done }()

	adapter.Inject(helloEnv("dev-8", "sess-8", 1))
	waitForSent(t, adapter, protocol.TypeHelloAck, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rt.Sessions().Get("sess-8"); !ok {
			if st.closedReasons["sess-8"] == "heartbeat_timeout" {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected sess-8 to be evicted on heartbeat timeout, closedReasons=%+v", st.closedReasons)
}

