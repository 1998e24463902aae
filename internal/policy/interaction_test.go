package policy

import "testing"

func baseInteractionRules() InteractionRules {
	return InteractionRules{
		Enabled:                true,
		EmotionEnabled:         true,
		ProactiveEnabled:       true,
		SilentEnabled:          true,
		LowConfidenceThreshold: 0.5,
		HighRiskLevels:         []string{"P0", "P1"},
		ProactiveSources:       []string{"vision"},
		SilentSources:          []string{"telemetry"},
	}
}

func TestEvaluateInteraction(t *testing.T) {
	tests := []struct {
		name        string
		in          InteractionInput
		wantSpeak   bool
		wantReason  string
		wantFlag    string
	}{
		{
			name:       "silent_source_low_priority",
			in:         InteractionInput{Text: "temp reading", Source: "telemetry", Priority: "low", Confidence: 0.9, RiskLevel: "P3"},
			wantSpeak:  false,
			wantReason: "interaction_policy_silent",
		},
		{
			name:      "silent_source_high_priority_still_speaks",
			in:        InteractionInput{Text: "temp spike", Source: "telemetry", Priority: "high", Confidence: 0.9, RiskLevel: "P3"},
			wantSpeak: true,
		},
		{
			name:      "proactive_hint_appended",
			in:        InteractionInput{Text: "I see a box on the porch", Source: "vision", Priority: "normal", Confidence: 0.9, RiskLevel: "P3", ProactiveHint: "Want me to note this?"},
			wantSpeak: true,
			wantFlag:  "proactive_hint",
		},
		{
			name:      "high_risk_emotion_framed",
			in:        InteractionInput{Text: "the stove is on", Source: "vision", Priority: "normal", Confidence: 0.9, RiskLevel: "P0"},
			wantSpeak: true,
			wantFlag:  "emotion_framed",
		},
	}

	rules := baseInteractionRules()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateInteraction(rules, tc.in)
			if got.ShouldSpeak != tc.wantSpeak {
				t.Errorf("ShouldSpeak = %v, want %v", got.ShouldSpeak, tc.wantSpeak)
			}
			if tc.wantReason != "" && got.Reason != tc.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tc.wantReason)
			}
			if tc.wantFlag != "" {
				found := false
				for _, f := range got.Flags {
					if f == tc.wantFlag {
						found = true
					}
				}
				if !found {
					t.Errorf("Flags = %v, want to contain %q", got.Flags, tc.wantFlag)
				}
			}
		})
	}

	t.Run("emotion_and_proactive_mutually_exclusive", func(t *testing.T) {
		got := EvaluateInteraction(rules, InteractionInput{
			Text: "something happened", Source: "vision", Priority: "normal",
			Confidence: 0.9, RiskLevel: "P0", ProactiveHint: "anything else?",
		})
		emotion, proactive := false, false
		for _, f := range got.Flags {
			if f == "emotion_framed" {
				emotion = true
			}
			if f == "proactive_hint" {
				proactive = true
			}
		}
		if emotion == proactive {
			t.Errorf("expected exactly one of emotion_framed/proactive_hint, got flags=%v", got.Flags)
		}
	})

	t.Run("quiet_hours_suppresses_low_priority", func(t *testing.T) {
		r := baseInteractionRules()
		r.QuietHoursEnabled = true
		r.QuietHoursStartHour = 22
		r.QuietHoursEndHour = 7
		r.SuppressLowPriorityInQuietHours = true

		got := EvaluateInteraction(r, InteractionInput{
			Text: "fyi", Source: "agent", Priority: "low", Confidence: 0.9, RiskLevel: "P3", HourOfDay: 23,
		})
		if got.ShouldSpeak {
			t.Error("ShouldSpeak = true, want false during quiet hours for low priority")
		}
	})
}
