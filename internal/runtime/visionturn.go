package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/opencane/edge-runtime/internal/lifelog"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/session"
	"github.com/opencane/edge-runtime/internal/store"
)

// handleImageReady runs a vision turn: analyze the frame for an
// immediate spoken reply, and separately enqueue it onto the lifelog
// ingest pool for durable storage and recall indexing. The reply never
// waits for ingest processing; the enqueue itself returns at once except
// under the wait overflow policy, where it can take up to the pool's
// enqueue timeout.
func (r *Runtime) handleImageReady(ctx context.Context, sess *session.Session, env protocol.Envelope, inbox chan protocol.Envelope) {
	img := protocol.ImageReadyFrom(env.Payload)
	r.ack(ctx, sess, env)

	raw, err := base64.StdEncoding.DecodeString(img.ImageBase64)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("image_ready payload is not valid base64, dropping")
		return
	}

	if r.opts.Ingest != nil {
		accepted := r.opts.Ingest.Enqueue(lifelog.IngestJob{
			DeviceID:    sess.DeviceID,
			SessionID:   sess.SessionID,
			ImageBase64: raw,
			MIME:        img.MIME,
			Question:    img.Question,
			CapturedAt:  time.Now(),
		})
		if accepted {
			metrics.IngestEnqueuedTotal.Inc()
		} else {
			metrics.IngestRejectedTotal.Inc()
			r.log.Warn().Str("device_id", sess.DeviceID).Msg("lifelog ingest queue rejected frame")
		}
	}

	if r.opts.Vision == nil {
		return
	}

	turnCtx := sess.BeginTurn(ctx)
	analysis, err := r.opts.Vision.Analyze(turnCtx, img.ImageBase64, img.MIME, img.Question)
	confidence := 0.0
	riskLevel := "P3"
	text := fallbackReply
	if err != nil {
		metrics.VoiceTurnFailedTotal.WithLabelValues("vision").Inc()
		r.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("vision analyze failed, using fallback reply")
	} else {
		text = analysis.ActionableSummary
		if text == "" {
			text = analysis.SemanticSummary
		}
		confidence = analysis.Confidence
		if analysis.RiskLevel != "" {
			riskLevel = analysis.RiskLevel
		}
	}

	safe := policy.EvaluateSafety(r.opts.SafetyRules, policy.SafetyInput{
		Text: text, Source: "vision", Confidence: confidence, RiskLevel: riskLevel,
	})
	interacted := policy.EvaluateInteraction(r.opts.InteractionRules, policy.InteractionInput{
		Text: safe.Text, Source: "vision", Priority: "normal", Confidence: safe.Confidence,
		RiskLevel: safe.RiskLevel, ProactiveHint: firstRiskHint(analysis.RiskHints), HourOfDay: time.Now().Hour(),
	})

	metadata, _ := json.Marshal(map[string]any{
		"objects":      analysis.Objects,
		"risk_hints":   analysis.RiskHints,
		"safety_flags": safe.Flags,
	})
	event := store.LifelogEvent{
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		Kind:      "vision_turn",
		Summary:   interacted.Text,
		Metadata:  metadata,
	}
	if err := r.opts.Store.InsertLifelogEvent(ctx, event); err != nil {
		r.recordStoreFailure("insert_lifelog_event", err)
	}

	if interacted.ShouldSpeak {
		r.streamTTS(ctx, turnCtx, sess, inbox, interacted.Text)
		// As in the voice-turn path, a barge-in already moved the session
		// past SPEAKING; only revert to READY if the stream actually ran
		// to completion.
		if sess.State == session.StateSpeaking {
			sess.State = session.StateReady
			if err := r.opts.Store.UpdateSessionState(ctx, sess.SessionID, string(session.StateReady)); err != nil {
				r.recordStoreFailure("update_session_state", err)
			}
		}
	}
	sess.CancelTurn()
	metrics.VisionTurnTotal.Inc()
}

func firstRiskHint(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	return hints[0]
}
