// Package anthropicagent implements agent.LLMClient and agent.VisionAnalyzer
// on top of github.com/anthropics/anthropic-sdk-go. The client depends on a
// narrow MessagesClient subset of *sdk.MessageService so tests can
// substitute a fake; it covers this runtime's single direct-reply /
// vision-analysis call shape rather than a full planner/tool-loop surface.
package anthropicagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opencane/edge-runtime/internal/agent"
)

// MessagesClient is the subset of *sdk.MessageService the client depends on.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures model selection and default sampling parameters.
type Options struct {
	Model       string
	VisionModel string
	MaxTokens   int
	Temperature float64
}

// Client implements agent.LLMClient and agent.VisionAnalyzer.
type Client struct {
	msg         MessagesClient
	model       string
	visionModel string
	maxTokens   int
	temperature float64
}

// New builds a Client around an injected MessagesClient.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropicagent: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropicagent: model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	visionModel := opts.VisionModel
	if visionModel == "" {
		visionModel = opts.Model
	}
	return &Client{
		msg:         msg,
		model:       opts.Model,
		visionModel: visionModel,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
	}, nil
}

// NewFromAPIKey builds a Client using the default Anthropic HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicagent: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, opts)
}

// Chat implements agent.LLMClient.
func (c *Client) Chat(ctx context.Context, req agent.ChatRequest) (agent.ChatResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  encodeHistory(req.History, req.Transcript),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if tools := encodeToolNames(req.AllowedTools); len(tools) > 0 {
		params.Tools = tools
		if req.RequireToolUse {
			params.ToolChoice = sdk.ToolChoiceUnionParam{
				OfAny: &sdk.ToolChoiceAnyParam{},
			}
		}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return agent.ChatResponse{}, fmt.Errorf("anthropicagent: messages.new: %w", err)
	}
	return translateMessage(msg), nil
}

// Analyze implements agent.VisionAnalyzer using a single image content block
// plus a structured-JSON instruction, since the SDK has no dedicated vision
// endpoint distinct from Messages.
func (c *Client) Analyze(ctx context.Context, imageBase64, mime, question string) (agent.VisionAnalysis, error) {
	if imageBase64 == "" {
		return agent.VisionAnalysis{}, errors.New("anthropicagent: image is required")
	}
	prompt := question
	if prompt == "" {
		prompt = "Describe this image: objects present, any readable text, and anything that looks unsafe or actionable."
	}
	prompt += "\n\nRespond with a single JSON object with fields: semantic_title, semantic_summary, objects (array of strings), ocr_text (array of strings), risk_hints (array of strings), actionable_summary, risk_level (P0|P1|P2|P3), confidence (0-1)."

	block := sdk.NewImageBlockBase64(mime, imageBase64)
	textBlock := sdk.NewTextBlock(prompt)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.visionModel),
		MaxTokens: int64(c.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(block, textBlock),
		},
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return agent.VisionAnalysis{}, fmt.Errorf("anthropicagent: vision analyze: %w", err)
	}

	text := concatText(msg)
	var parsed visionJSON
	if jerr := json.Unmarshal([]byte(extractJSON(text)), &parsed); jerr != nil {
		return agent.VisionAnalysis{
			SemanticSummary: text,
			RiskLevel:       "P3",
			Confidence:      0.3,
		}, nil
	}
	return parsed.toAnalysis(), nil
}

type visionJSON struct {
	SemanticTitle     string   `json:"semantic_title"`
	SemanticSummary   string   `json:"semantic_summary"`
	Objects           []string `json:"objects"`
	OCRText           []string `json:"ocr_text"`
	RiskHints         []string `json:"risk_hints"`
	ActionableSummary string   `json:"actionable_summary"`
	RiskLevel         string   `json:"risk_level"`
	Confidence        float64  `json:"confidence"`
}

func (v visionJSON) toAnalysis() agent.VisionAnalysis {
	return agent.VisionAnalysis{
		SemanticTitle:     v.SemanticTitle,
		SemanticSummary:   v.SemanticSummary,
		Objects:           v.Objects,
		OCR:               v.OCRText,
		RiskHints:         v.RiskHints,
		ActionableSummary: v.ActionableSummary,
		RiskLevel:         v.RiskLevel,
		Confidence:        v.Confidence,
	}
}

func encodeHistory(history []agent.Message, transcript string) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	if transcript != "" {
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(transcript)))
	}
	return msgs
}

func encodeToolNames(names []string) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(names))
	schema := sdk.ToolInputSchemaParam{Type: "object"}
	for _, n := range names {
		tools = append(tools, sdk.ToolUnionParamOfTool(schema, n))
	}
	return tools
}

func translateMessage(msg *sdk.Message) agent.ChatResponse {
	resp := agent.ChatResponse{
		StopReason: string(msg.StopReason),
		Confidence: 1.0,
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			resp.Text += v.Text
		case sdk.ToolUseBlock:
			var input map[string]any
			_ = json.Unmarshal(v.Input, &input)
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				Name:  v.Name,
				Input: input,
			})
		}
	}
	if len(resp.ToolCalls) == 0 && resp.StopReason == "tool_use" {
		resp.StopReason = "no_tool_used"
	}
	return resp
}

func concatText(msg *sdk.Message) string {
	var out string
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(sdk.TextBlock); ok {
			out += v.Text
		}
	}
	return out
}

// extractJSON trims leading/trailing prose so a model reply wrapped in
// markdown fences or commentary still parses as the expected object.
func extractJSON(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
