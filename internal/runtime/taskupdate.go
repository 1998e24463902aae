package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
)

// pushTaskUpdate is wired as digitaltask.Options.Callback: it delivers a
// task_update command straight to the device over the southbound
// adapter. It does not go through a session's worker, since a task may
// finish long after the session that started it has closed; delivery
// here is keyed on device_id alone, and the seq is left at 0 since
// task_update carries its own task_id for device-side idempotency.
func (r *Runtime) pushTaskUpdate(ctx context.Context, update digitaltask.StatusUpdate) error {
	message, speak := r.gateTaskMessage(update)
	payload := protocol.Payload{
		"task_id": update.TaskID,
		"status":  update.Status,
		"result":  string(update.Result),
		"notify":  update.Notify,
		"speak":   speak,
	}
	if update.Error != "" {
		payload["error"] = update.Error
	}
	if message != "" {
		payload["message"] = message
	}
	env := protocol.Envelope{
		Direction: protocol.DirectionCommand,
		Type:      protocol.TypeTaskUpdate,
		DeviceID:  update.DeviceID,
		SessionID: update.SessionID,
		TsMs:      time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := r.opts.Adapter.Send(ctx, env); err != nil {
		metrics.AdapterSendFailedTotal.Inc()
		return err
	}
	if update.Status == digitaltask.StatusSuccess || update.Status == digitaltask.StatusFailed ||
		update.Status == digitaltask.StatusTimeout || update.Status == digitaltask.StatusCanceled {
		metrics.DigitalTaskTotal.WithLabelValues(update.Status).Inc()
	}
	return nil
}

// gateTaskMessage runs a task update's message text through the safety and
// interaction policies once before it leaves the runtime. The interaction
// policy may veto the push context's speak flag; it never grants one the
// submitter didn't ask for.
func (r *Runtime) gateTaskMessage(update digitaltask.StatusUpdate) (message string, speak bool) {
	speak = update.Speak
	if len(update.Result) == 0 {
		return "", speak
	}
	var body map[string]any
	if err := json.Unmarshal(update.Result, &body); err != nil {
		return "", speak
	}
	text, _ := body["text"].(string)
	if text == "" {
		return "", speak
	}

	safe := policy.EvaluateSafety(r.opts.SafetyRules, policy.SafetyInput{
		Text:       text,
		Source:     "task_update",
		Confidence: 1,
		RiskLevel:  "P3",
	})
	interacted := policy.EvaluateInteraction(r.opts.InteractionRules, policy.InteractionInput{
		Text:       safe.Text,
		Source:     "task_update",
		Priority:   "normal",
		Confidence: safe.Confidence,
		RiskLevel:  safe.RiskLevel,
		HourOfDay:  time.Now().Hour(),
	})
	if !interacted.ShouldSpeak {
		speak = false
	}
	return interacted.Text, speak
}
