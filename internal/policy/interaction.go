package policy

import "strings"

// InteractionRules configures the second pure evaluator run after safety,
// deciding whether the reply speaks at all and any framing it gets.
type InteractionRules struct {
	Enabled                bool
	EmotionEnabled         bool
	ProactiveEnabled       bool
	SilentEnabled          bool
	LowConfidenceThreshold float64
	HighRiskLevels         []string
	ProactiveSources       []string
	SilentSources          []string

	QuietHoursEnabled                bool
	QuietHoursStartHour              int
	QuietHoursEndHour                int
	SuppressLowPriorityInQuietHours bool
}

// InteractionInput carries the safety-evaluated text plus the context needed
// to decide speak/silent and framing.
type InteractionInput struct {
	Text          string
	Source        string
	Priority      string // "low", "normal", "high"
	Confidence    float64
	RiskLevel     string
	ProactiveHint string
	HourOfDay     int // 0-23, caller's local clock
}

// InteractionResult is the final speak/silent decision.
type InteractionResult struct {
	Text        string
	ShouldSpeak bool
	Flags       []string
	Reason      string
}

// EvaluateInteraction decides whether a reply speaks and applies emotion or
// proactive framing. Emotion and proactive framing are mutually exclusive;
// silence rules are evaluated before framing since a silent reply never
// needs it.
func EvaluateInteraction(rules InteractionRules, in InteractionInput) InteractionResult {
	out := InteractionResult{Text: in.Text, ShouldSpeak: true}
	if !rules.Enabled {
		return out
	}

	if rules.SilentEnabled && in.Priority == "low" && contains(rules.SilentSources, in.Source) {
		out.ShouldSpeak = false
		out.Flags = append(out.Flags, "silent_source")
		out.Reason = "interaction_policy_silent"
		return out
	}

	if rules.QuietHoursEnabled && in.Priority == "low" && !contains(rules.HighRiskLevels, in.RiskLevel) &&
		inQuietHours(rules.QuietHoursStartHour, rules.QuietHoursEndHour, in.HourOfDay) {
		if rules.SuppressLowPriorityInQuietHours {
			out.ShouldSpeak = false
			out.Flags = append(out.Flags, "quiet_hours")
			out.Reason = "interaction_policy_silent"
			return out
		}
	}

	highRisk := contains(rules.HighRiskLevels, in.RiskLevel)
	lowConfidence := in.Confidence < rules.LowConfidenceThreshold

	switch {
	case rules.EmotionEnabled && (highRisk || lowConfidence):
		out.Text = emotionPrefix(highRisk) + out.Text
		out.Flags = append(out.Flags, "emotion_framed")
	case rules.ProactiveEnabled && in.ProactiveHint != "" && contains(rules.ProactiveSources, in.Source):
		out.Text = out.Text + " " + in.ProactiveHint
		out.Flags = append(out.Flags, "proactive_hint")
	}

	return out
}

func emotionPrefix(highRisk bool) string {
	if highRisk {
		return "Heads up — "
	}
	return "Just so you know — "
}

func inQuietHours(start, end, hour int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// wraps past midnight, e.g. 22..7
	return hour >= start || hour < end
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
