package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/session"
	"github.com/opencane/edge-runtime/internal/store"
)

// dispatch routes one inbound envelope to its session's worker, creating
// the worker's inbox on first contact. Cross-session envelopes run
// concurrently; within one session, the inbox enforces strict ordering.
func (r *Runtime) dispatch(ctx context.Context, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		r.log.Warn().Err(err).Msg("dropping invalid envelope")
		return
	}

	inbox := r.inboxFor(ctx, env.SessionID, env.DeviceID)
	select {
	case inbox <- env:
	default:
		// Worker is wedged or the session is mid-shutdown; never block the
		// supervisor loop on one stuck session.
		r.log.Warn().Str("session_id", env.SessionID).Str("type", string(env.Type)).Msg("session inbox full, dropping envelope")
	}
}

func (r *Runtime) inboxFor(ctx context.Context, sessionID, deviceID string) chan protocol.Envelope {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()

	if ch, ok := r.inboxes[sessionID]; ok {
		return ch
	}

	ch := make(chan protocol.Envelope, r.opts.InboxSize)
	r.inboxes[sessionID] = ch

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sessionWorker(ctx, deviceID, sessionID, ch)
	}()

	return ch
}

// sessionWorker is the single writer for one session's state: it owns the
// Session value end to end and is the only goroutine reading its inbox,
// per internal/session's single-writer contract.
func (r *Runtime) sessionWorker(ctx context.Context, deviceID, sessionID string, inbox chan protocol.Envelope) {
	sess := session.NewSession(deviceID, sessionID)
	r.sessions.Set(sess)

	defer func() {
		r.inboxMu.Lock()
		delete(r.inboxes, sessionID)
		r.inboxMu.Unlock()
		r.sessions.Delete(sessionID)
	}()

	for env := range inbox {
		if sess.State == session.StateClosed {
			continue
		}
		r.handleEnvelope(ctx, sess, env, inbox)
	}
}

// handleEnvelope applies sequence discipline, then routes by envelope
// type. inbox is threaded through so a voice turn's TTS-streaming phase
// can keep reading the same channel for a barge-in without a second
// reader ever existing concurrently.
func (r *Runtime) handleEnvelope(ctx context.Context, sess *session.Session, env protocol.Envelope, inbox chan protocol.Envelope) {
	outcome, newLast := session.ClassifySeq(sess.LastInboundSeq, env.Seq)

	switch outcome {
	case session.SeqDuplicate:
		metrics.DuplicateEventsTotal.WithLabelValues(string(env.Type)).Inc()
		if session.IsIdempotent(string(env.Type)) {
			r.ack(ctx, sess, env)
		}
		return
	case session.SeqGap:
		metrics.OutOfOrderEventsTotal.Inc()
		sess.GapCount++
	}

	sess.LastInboundSeq = newLast
	sess.Touch(time.Now())
	if err := r.opts.Store.AdvanceInboundSeq(ctx, sess.SessionID, newLast, gapDelta(outcome)); err != nil {
		r.recordStoreFailure("advance_inbound_seq", err)
	}

	switch env.Type {
	case protocol.TypeHello:
		r.handleHello(ctx, sess, env)
	case protocol.TypeHeartbeat:
		r.ack(ctx, sess, env)
	case protocol.TypeListenStart:
		r.handleListenStart(ctx, sess, env)
	case protocol.TypeAudioChunk:
		r.handleAudioChunk(ctx, sess, env)
	case protocol.TypeListenStop:
		r.handleListenStop(ctx, sess, env, inbox)
	case protocol.TypeImageReady:
		r.handleImageReady(ctx, sess, env, inbox)
	case protocol.TypeTelemetry:
		r.handleTelemetry(ctx, sess, env)
	case protocol.TypeToolResult:
		r.handleToolResult(ctx, sess, env)
	case protocol.TypeClose:
		r.handleDeviceClose(ctx, sess, env)
	default:
		r.log.Warn().Str("type", string(env.Type)).Msg("unhandled envelope type")
	}
}

func gapDelta(outcome session.SeqOutcome) int {
	if outcome == session.SeqGap {
		return 1
	}
	return 0
}

func (r *Runtime) handleHello(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	token := env.Payload.StringField("device_token")
	if r.opts.DeviceAuth != nil {
		if err := r.opts.DeviceAuth.Verify(ctx, sess.DeviceID, token); err != nil {
			metrics.AuthDeniedTotal.Inc()
			r.log.Info().Str("device_id", sess.DeviceID).Err(err).Msg("device auth denied")
			r.sendCommand(ctx, sess, protocol.TypeClose, protocol.Payload{"reason": "auth_denied"})
			r.closeSession(ctx, sess, "auth_denied")
			return
		}
	}

	if sess.State == session.StateConnecting {
		if err := r.opts.Store.OpenSession(ctx, sess.SessionID, sess.DeviceID); err != nil {
			r.recordStoreFailure("open_session", err)
		}
	}

	r.transition(ctx, sess, "hello")
	r.sendCommand(ctx, sess, protocol.TypeHelloAck, protocol.Payload{"session_id": sess.SessionID})
}

func (r *Runtime) handleListenStart(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	if session.IsBargeIn(sess.State, "listen_start") {
		metrics.BargeInTotal.Inc()
		sess.CancelTurn()
		r.sendCommand(ctx, sess, protocol.TypeTTSStop, protocol.Payload{"aborted": true, "reason": "barge_in"})
	}

	sess.Audio = session.NewAudioBuffer()
	r.transition(ctx, sess, "listen_start")
	r.ack(ctx, sess, env)
}

func (r *Runtime) handleAudioChunk(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	if sess.State != session.StateListening || sess.Audio == nil {
		r.log.Warn().Str("session_id", sess.SessionID).Msg("audio_chunk outside a listen turn, dropping")
		return
	}
	chunk := protocol.AudioChunkFrom(env.Payload)
	grew, prefix := sess.Audio.Add(session.AudioChunk{ChunkIndex: chunk.ChunkIndex, Text: chunk.Text, AudioB64: chunk.AudioB64})
	if grew {
		r.sendCommand(ctx, sess, protocol.TypeSTTPartial, protocol.Payload{"text": prefix})
	}
	r.ack(ctx, sess, env)
}

func (r *Runtime) handleTelemetry(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	metric := env.Payload.StringField("metric")
	if metric != "" {
		if v, ok := env.Payload["value"].(float64); ok {
			if err := r.opts.Store.InsertTelemetrySample(ctx, sess.DeviceID, metric, v, time.Now()); err != nil {
				r.recordStoreFailure("insert_telemetry", err)
			}
		}
	}
	r.ack(ctx, sess, env)
}

func (r *Runtime) handleToolResult(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	detail, _ := json.Marshal(map[string]any(env.Payload))
	event := store.LifelogEvent{
		DeviceID:   sess.DeviceID,
		SessionID:  sess.SessionID,
		Kind:       "tool_result",
		Summary:    "device reported a tool_result",
		Metadata:   detail,
		OccurredAt: time.Now(),
	}
	if err := r.opts.Store.InsertLifelogEvent(ctx, event); err != nil {
		r.recordStoreFailure("insert_lifelog_event", err)
	}
	r.ack(ctx, sess, env)
}

func (r *Runtime) handleDeviceClose(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	reason := env.Payload.StringField("reason")
	if reason == "" {
		reason = "device_requested"
	}
	r.closeSession(ctx, sess, reason)
}

func (r *Runtime) closeSession(ctx context.Context, sess *session.Session, reason string) {
	sess.CancelTurn()
	sess.State = session.StateClosed
	if err := r.opts.Store.CloseSession(ctx, sess.SessionID, reason); err != nil {
		r.recordStoreFailure("close_session", err)
	}
}

// transition applies a state-machine edge and writes it through, logging
// (not failing) on an event the current state doesn't accept — devices
// occasionally race a listen_start against a pending hello_ack.
func (r *Runtime) transition(ctx context.Context, sess *session.Session, trigger string) {
	next, ok := session.Next(sess.State, trigger)
	if !ok {
		r.log.Warn().Str("session_id", sess.SessionID).Str("state", string(sess.State)).Str("trigger", trigger).Msg("event invalid for current state")
		return
	}
	sess.State = next
	if err := r.opts.Store.UpdateSessionState(ctx, sess.SessionID, string(next)); err != nil {
		r.recordStoreFailure("update_session_state", err)
	}
}

// ack replies with the runtime->device ack command for env.
func (r *Runtime) ack(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	r.sendCommand(ctx, sess, protocol.TypeAck, protocol.Payload{"ack_seq": env.Seq})
}

// sendCommand allocates the next outbound seq, sends the envelope, and
// persists the new outbound-seq watermark best-effort.
func (r *Runtime) sendCommand(ctx context.Context, sess *session.Session, typ protocol.Type, payload protocol.Payload) {
	seq := sess.NextOutboundSeq()
	env := protocol.Envelope{
		Direction: protocol.DirectionCommand,
		Type:      typ,
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		Seq:       seq,
		TsMs:      time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := r.opts.Adapter.Send(ctx, env); err != nil {
		// One synchronous retry before the envelope is dropped, per the
		// adapter-send failure semantics: a single flaky send shouldn't
		// cost a whole outbound command.
		if err = r.opts.Adapter.Send(ctx, env); err != nil {
			metrics.AdapterSendFailedTotal.Inc()
			r.log.Error().Err(err).Str("session_id", sess.SessionID).Str("type", string(typ)).Msg("adapter send failed, dropping envelope")
			return
		}
	}
	if err := r.opts.Store.AdvanceOutboundSeq(ctx, sess.SessionID, seq); err != nil {
		r.recordStoreFailure("advance_outbound_seq", err)
	}
}

