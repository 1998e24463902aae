package api

import (
	"net/http"

	"github.com/opencane/edge-runtime/internal/config"
	"github.com/opencane/edge-runtime/internal/runtime"
)

// StatusHandler serves /v1/runtime/status: the live device/session snapshot
// plus the active safety/interaction policy configuration, so an operator
// console can show both state and the rules producing it in one call.
type StatusHandler struct {
	rt  *runtime.Runtime
	cfg *config.Config
}

// NewStatusHandler builds a status handler.
func NewStatusHandler(rt *runtime.Runtime, cfg *config.Config) *StatusHandler {
	return &StatusHandler{rt: rt, cfg: cfg}
}

type safetySnapshot struct {
	Enabled                bool    `json:"enabled"`
	LowConfidenceThreshold float64 `json:"low_confidence_threshold"`
	MaxOutputChars         int     `json:"max_output_chars"`
	PrependCautionForRisk  bool    `json:"prepend_caution_for_risk"`
}

type interactionSnapshot struct {
	Enabled          bool `json:"enabled"`
	EmotionEnabled   bool `json:"emotion_enabled"`
	ProactiveEnabled bool `json:"proactive_enabled"`
	SilentEnabled    bool `json:"silent_enabled"`
	QuietHoursActive bool `json:"quiet_hours_active"`
}

type runtimeStatusResponse struct {
	Running     bool                    `json:"running"`
	Devices     any                     `json:"devices"`
	Metrics     runtime.MetricsSnapshot `json:"metrics"`
	Lifelog     any                     `json:"lifelog,omitempty"`
	Safety      safetySnapshot          `json:"safety"`
	Interaction interactionSnapshot     `json:"interaction"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.rt.Status()
	resp := runtimeStatusResponse{
		Running: snap.Running,
		Devices: snap.Devices,
		Metrics: snap.Metrics,
		Lifelog: snap.Lifelog,
		Safety: safetySnapshot{
			Enabled:                h.cfg.Safety.Enabled,
			LowConfidenceThreshold: h.cfg.Safety.LowConfidenceThreshold,
			MaxOutputChars:         h.cfg.Safety.MaxOutputChars,
			PrependCautionForRisk:  h.cfg.Safety.PrependCautionForRisk,
		},
		Interaction: interactionSnapshot{
			Enabled:          h.cfg.Interaction.Enabled,
			EmotionEnabled:   h.cfg.Interaction.EmotionEnabled,
			ProactiveEnabled: h.cfg.Interaction.ProactiveEnabled,
			SilentEnabled:    h.cfg.Interaction.SilentEnabled,
			QuietHoursActive: h.cfg.Interaction.QuietHoursEnabled,
		},
	}
	WriteJSON(w, http.StatusOK, resp)
}
