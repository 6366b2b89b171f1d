package llm

import (
	"context"
	"strings"
)

// Action is an operation a model supports
type Action string

const (
	ActionGenerateContent Action = "generateContent"
	ActionCountTokens     Action = "countTokens"
	ActionEmbedContent    Action = "embedContent"
	ActionToolCalling     Action = "toolCalling"
)

// ModelInfo describes a model offered by a provider
type ModelInfo struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	Description      string   `json:"description,omitempty"`
	Version          string   `json:"version,omitempty"`
	MaxInputTokens   int      `json:"max_input_tokens"`
	MaxOutputTokens  int      `json:"max_output_tokens"`
	SupportedActions []Action `json:"supported_actions,omitempty"`
	SupportsTools    bool     `json:"supports_tools"`
	SupportsThinking bool     `json:"supports_thinking"`
	SupportsImages   bool     `json:"supports_images"`
}

// Supports reports whether the model lists the action
func (m ModelInfo) Supports(a Action) bool {
	for _, s := range m.SupportedActions {
		if s == a {
			return true
		}
	}
	return false
}

// Provider is a model vendor. Adapters translate Request and Response to
// their wire format and never leak vendor types through this interface.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// ToolDeclaration is a tool as advertised to the model
type ToolDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// ParametersSchema and ResponseSchema are JSON Schema documents
	ParametersSchema string `json:"parameters_schema"`
	ResponseSchema   string `json:"response_schema,omitempty"`
}

// RequestConfig carries request-level generation settings
type RequestConfig struct {
	Tools              []ToolDeclaration `json:"tools,omitempty"`
	SystemInstructions []string          `json:"system_instructions,omitempty"`
	Temperature        *float32          `json:"temperature,omitempty"`
	MaxOutputTokens    *int32            `json:"max_output_tokens,omitempty"`
	TopK               *float32          `json:"top_k,omitempty"`
	TopP               *float32          `json:"top_p,omitempty"`
	IncludeThoughts    bool              `json:"include_thoughts,omitempty"`
}

// SystemInstruction joins the system instructions into a single prompt
func (c RequestConfig) SystemInstruction() string {
	return strings.Join(c.SystemInstructions, "\n\n")
}

// RequestMessage is one message of the visible history projection
type RequestMessage struct {
	Role     Role      `json:"role"`
	Contents []Content `json:"-"`
}

// Request bundles everything an adapter needs for one generate call
type Request struct {
	Model   string           `json:"model"`
	APIKey  string           `json:"-"`
	History []RequestMessage `json:"-"`
	Config  RequestConfig    `json:"config"`
}

// Candidate is one alternative produced by the model
type Candidate struct {
	Contents     []Content `json:"-"`
	FinishReason string    `json:"finish_reason"`
	TokenCount   int       `json:"token_count"`
}

// FunctionCalls returns the tool invocations of the candidate in order
func (c Candidate) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, content := range c.Contents {
		if fc, ok := content.(FunctionCall); ok {
			calls = append(calls, fc)
		}
	}
	return calls
}

// Response is the normalised result of a generate call
type Response struct {
	ModelVersion     string      `json:"model_version,omitempty"`
	Candidates       []Candidate `json:"candidates"`
	PromptTokenCount int         `json:"prompt_token_count"`
	TotalTokenCount  int         `json:"total_token_count"`
	BlockReason      string      `json:"block_reason,omitempty"`
}

// Text concatenates the non-thought text of the first candidate
func (r *Response) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, c := range r.Candidates[0].Contents {
		if t, ok := c.(ModelText); ok && !t.Thought {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// Finish reasons normalised across adapters
const (
	FinishStop      = "STOP"
	FinishMaxTokens = "MAX_TOKENS"
	FinishSafety    = "SAFETY"
	FinishToolCalls = "TOOL_CALLS"
	FinishOther     = "OTHER"
)
