package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencane/edge-runtime/internal/agent"
	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/session"
	"github.com/opencane/edge-runtime/internal/store"
)

const fallbackReply = "Sorry, I'm having trouble right now. Please try again in a moment."

// handleListenStop closes out the listen turn's audio buffer, emits
// stt_final, and drives the THINKING->SPEAKING->READY cycle. It runs on
// the session worker's own goroutine: the Thinking call blocks the
// worker (barge-in is only defined for SPEAKING), and the streaming
// phase that follows reads the same inbox channel directly so there is
// never a second concurrent reader.
func (r *Runtime) handleListenStop(ctx context.Context, sess *session.Session, env protocol.Envelope, inbox chan protocol.Envelope) {
	final := ""
	if sess.Audio != nil {
		final = sess.Audio.FinalText()
	}
	r.transition(ctx, sess, "listen_stop")
	r.sendCommand(ctx, sess, protocol.TypeSTTFinal, protocol.Payload{"text": final})

	turnCtx := sess.BeginTurn(ctx)
	r.runVoiceTurn(ctx, turnCtx, sess, inbox, final)
}

func (r *Runtime) runVoiceTurn(ctx, turnCtx context.Context, sess *session.Session, inbox chan protocol.Envelope, transcript string) {
	kind := r.intent.Classify(turnCtx, transcript)

	var text string
	var confidence float64 = 1.0
	var riskLevel string = "P3"
	var source string

	switch kind {
	case IntentDigitalTask:
		source = "task_update"
		text, confidence = r.dispatchDigitalTask(turnCtx, sess, transcript)
	default:
		source = "agent"
		text, confidence, riskLevel = r.dispatchAgent(turnCtx, sess, transcript)
	}

	safe := policy.EvaluateSafety(r.opts.SafetyRules, policy.SafetyInput{
		Text: text, Source: source, Confidence: confidence, RiskLevel: riskLevel,
	})
	interacted := policy.EvaluateInteraction(r.opts.InteractionRules, policy.InteractionInput{
		Text: safe.Text, Source: source, Priority: "normal", Confidence: safe.Confidence,
		RiskLevel: safe.RiskLevel, HourOfDay: time.Now().Hour(),
	})

	r.recordTurnTrace(turnCtx, sess, transcript, safe, interacted)

	if !interacted.ShouldSpeak {
		sess.CancelTurn()
		sess.State = session.StateReady
		if err := r.opts.Store.UpdateSessionState(ctx, sess.SessionID, string(session.StateReady)); err != nil {
			r.recordStoreFailure("update_session_state", err)
		}
		return
	}

	r.streamTTS(ctx, turnCtx, sess, inbox, interacted.Text)
	sess.CancelTurn()
	// A barge-in already moved the session past SPEAKING (to LISTENING)
	// from inside streamTTS; only a turn that actually finished speaking
	// reverts to READY here.
	if sess.State == session.StateSpeaking {
		sess.State = session.StateReady
		if err := r.opts.Store.UpdateSessionState(ctx, sess.SessionID, string(session.StateReady)); err != nil {
			r.recordStoreFailure("update_session_state", err)
		}
	}
	metrics.VoiceTurnTotal.Inc()
}

// dispatchAgent calls the LLM for a direct reply, honoring the
// control-plane's tool allow/deny policy for this device before the call.
func (r *Runtime) dispatchAgent(turnCtx context.Context, sess *session.Session, transcript string) (text string, confidence float64, riskLevel string) {
	req := agent.ChatRequest{Transcript: transcript}

	if r.opts.ControlPlane != nil {
		devicePolicy, err := r.opts.ControlPlane.DevicePolicy(turnCtx, sess.DeviceID)
		if err != nil {
			r.log.Warn().Err(err).Str("device_id", sess.DeviceID).Msg("control-plane policy lookup failed, proceeding without tool restriction")
		} else {
			req.AllowedTools = devicePolicy.AllowList
			req.BlockedTools = devicePolicy.BlockedTools
		}
	}

	resp, err := r.opts.LLM.Chat(turnCtx, req)
	if err != nil {
		metrics.VoiceTurnFailedTotal.WithLabelValues("agent").Inc()
		r.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("agent chat failed, using fallback reply")
		return fallbackReply, 0, "P3"
	}
	riskLevel = "P3"
	return resp.Text, maxFloat(resp.Confidence, 0.01), riskLevel
}

// dispatchDigitalTask hands the directive to the digital-task service and
// replies immediately; the task's eventual result arrives out of band as
// a task_update command via Runtime.StatusCallback.
func (r *Runtime) dispatchDigitalTask(turnCtx context.Context, sess *session.Session, transcript string) (text string, confidence float64) {
	if r.opts.Tasks == nil {
		metrics.VoiceTurnFailedTotal.WithLabelValues("task_unavailable").Inc()
		return fallbackReply, 0
	}
	_, accepted, err := r.opts.Tasks.Execute(turnCtx, digitaltask.Request{
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		Directive: transcript,
		// A spoken follow-up request replaces whatever the device was
		// already working on, and its updates are read back aloud.
		Notify:            true,
		Speak:             true,
		InterruptPrevious: true,
	})
	if err != nil || !accepted {
		metrics.VoiceTurnFailedTotal.WithLabelValues("task_dispatch").Inc()
		return fallbackReply, 0
	}
	return "Got it, I'm on it.", 0.95
}

// streamTTS drives the SPEAKING phase: send tts_start, stream chunks as
// they arrive from the TTS engine, and watch the same inbox channel the
// session worker normally reads so a listen_start mid-stream is handled
// as a barge-in instead of queuing behind the whole turn.
func (r *Runtime) streamTTS(ctx, turnCtx context.Context, sess *session.Session, inbox chan protocol.Envelope, text string) {
	sess.State = session.StateSpeaking
	if err := r.opts.Store.UpdateSessionState(ctx, sess.SessionID, string(session.StateSpeaking)); err != nil {
		r.recordStoreFailure("update_session_state", err)
	}
	r.sendCommand(ctx, sess, protocol.TypeTTSStart, protocol.Payload{})

	if r.opts.TTS == nil {
		r.sendCommand(ctx, sess, protocol.TypeTTSChunk, protocol.TTSChunkPayload(r.opts.TTSMode, text, "", "", 0))
		r.sendCommand(ctx, sess, protocol.TypeTTSStop, protocol.Payload{"aborted": false})
		return
	}

	chunks, err := r.opts.TTS.Synthesize(turnCtx, text)
	if err != nil {
		metrics.VoiceTurnFailedTotal.WithLabelValues("tts").Inc()
		r.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("tts synthesize failed")
		r.sendCommand(ctx, sess, protocol.TypeTTSStop, protocol.Payload{"aborted": true})
		return
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				r.sendCommand(ctx, sess, protocol.TypeTTSStop, protocol.Payload{"aborted": false})
				return
			}
			payload := protocol.TTSChunkPayload(r.opts.TTSMode, chunk.Text, chunk.AudioB64, chunk.Encoding, chunk.SampleRateHz)
			r.sendCommand(ctx, sess, protocol.TypeTTSChunk, payload)

		case env, ok := <-inbox:
			if !ok {
				return
			}
			r.handleEnvelope(ctx, sess, env, inbox)
			if turnCtx.Err() != nil {
				return
			}

		case <-turnCtx.Done():
			return
		}
	}
}

func (r *Runtime) recordTurnTrace(ctx context.Context, sess *session.Session, transcript string, safe policy.SafetyResult, interacted policy.InteractionResult) {
	metadata, _ := json.Marshal(map[string]any{
		"safety_flags":      safe.Flags,
		"safety_rule_ids":   safe.RuleIDs,
		"interaction_flags": interacted.Flags,
		"should_speak":      interacted.ShouldSpeak,
	})
	if err := r.opts.Store.InsertThoughtTrace(ctx, sess.SessionID, 0, "user", transcript, nil); err != nil {
		r.recordStoreFailure("insert_thought_trace", err)
	}
	if err := r.opts.Store.InsertThoughtTrace(ctx, sess.SessionID, 1, "assistant", interacted.Text, metadata); err != nil {
		r.recordStoreFailure("insert_thought_trace", err)
	}

	event := store.LifelogEvent{
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		Kind:      "voice_turn",
		Summary:   interacted.Text,
		Metadata:  metadata,
	}
	if err := r.opts.Store.InsertLifelogEvent(ctx, event); err != nil {
		r.recordStoreFailure("insert_lifelog_event", err)
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
