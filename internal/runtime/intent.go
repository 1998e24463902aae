package runtime

import (
	"context"
	"strings"
)

// IntentKind routes a finished voice transcript to either the digital
// task service or a direct agent reply.
type IntentKind string

const (
	IntentAgent       IntentKind = "agent"
	IntentDigitalTask IntentKind = "digital_task"
)

// IntentClassifier decides which path a transcript takes. It is
// pluggable so a deployment can swap in an LLM-based router without
// touching the orchestrator.
type IntentClassifier interface {
	Classify(ctx context.Context, transcript string) IntentKind
}

// KeywordClassifier routes to the digital-task path when the transcript
// contains any of a configured set of directive-shaped phrases, and to
// the agent path otherwise. It is the default, grounded in the same
// plain substring-match shape used for the corpus's intent/allow-list
// checks rather than a second model call on every turn.
type KeywordClassifier struct {
	TaskKeywords []string
}

// DefaultKeywordClassifier covers the directive verbs that mark a
// long-running digital task (reserve, navigate, book, ...).
func DefaultKeywordClassifier() KeywordClassifier {
	return KeywordClassifier{TaskKeywords: []string{
		"remind me", "set a reminder", "set a timer", "schedule",
		"send a message", "send an email", "turn on", "turn off",
		"order", "book a", "add to my", "create a task", "start a task",
	}}
}

// Classify implements IntentClassifier.
func (k KeywordClassifier) Classify(ctx context.Context, transcript string) IntentKind {
	lower := strings.ToLower(transcript)
	for _, kw := range k.TaskKeywords {
		if strings.Contains(lower, kw) {
			return IntentDigitalTask
		}
	}
	return IntentAgent
}
