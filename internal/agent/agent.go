// Package agent defines the narrow capability interfaces the device runtime
// orchestrator calls into for reasoning, vision analysis, and speech
// synthesis. The orchestrator owns composition; none of these interfaces
// reach outside their own concern, and the agent loop itself (provider-side
// planning/tool-use) stays an external collaborator — this package only
// supplies the typed request/response boundary plus one concrete LLMClient
// binding (see anthropicagent) so the runtime is runnable end-to-end.
package agent

import "context"

// Message is one provider-agnostic chat turn.
type Message struct {
	Role string // "user", "assistant", "system"
	Text string
}

// ChatRequest is one direct-reply or tool-use call into the LLM.
type ChatRequest struct {
	Transcript       string
	History          []Message
	AllowedTools     []string
	BlockedTools     []string
	RequireToolUse   bool
	RuntimeContext   map[string]any
	SystemPrompt     string
}

// ToolCall is one tool invocation the model asked for.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatResponse is the normalized reply every LLMClient implementation returns.
type ChatResponse struct {
	Text          string
	ToolCalls     []ToolCall
	StopReason    string // "end_turn", "tool_use", "no_tool_used", "mcp_fallback_required"
	Confidence    float64
}

// LLMClient is the narrow reasoning boundary the orchestrator calls for
// direct voice-turn replies and the digital-task executor's tool-use stages.
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// VisionAnalysis is the normalized structured output of a vision turn,
// merged with defaults by the caller before it reaches the lifelog pipeline
// or the safety/interaction policies.
type VisionAnalysis struct {
	SemanticTitle      string
	SemanticSummary    string
	Objects            []string
	OCR                []string
	RiskHints          []string
	ActionableSummary  string
	RiskLevel          string // P0..P3
	RiskScore          float64
	Confidence         float64
}

// VisionAnalyzer analyzes one base64-encoded image against an optional
// user question.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imageBase64, mime, question string) (VisionAnalysis, error)
}

// TTSChunk is one synthesized audio or text fragment streamed back to the device.
type TTSChunk struct {
	Text         string
	AudioB64     string
	Encoding     string
	SampleRateHz int
}

// TTSEngine synthesizes text into a stream of chunks; the returned channel
// is closed when synthesis completes or ctx is canceled (barge-in).
type TTSEngine interface {
	Synthesize(ctx context.Context, text string) (<-chan TTSChunk, error)
}
