package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// OpenAIProvider implements llm.Provider with the official OpenAI Go SDK
// (chat completions)
type OpenAIProvider struct {
	opts   Options
	cache  modelCache
	client openai.Client
}

// NewOpenAI creates an OpenAI adapter with SDK retries disabled
func NewOpenAI(opts Options) *OpenAIProvider {
	opts = opts.normalize(OpenAI)
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &OpenAIProvider{
		opts:   opts,
		cache:  modelCache{dir: opts.CacheDir, ttl: opts.CacheTTL, logger: opts.Logger},
		client: openai.NewClient(clientOpts...),
	}
}

func (p *OpenAIProvider) Name() string { return OpenAI }

func (p *OpenAIProvider) keyOption(apiKey string) ([]option.RequestOption, error) {
	if apiKey == "" {
		apiKey = p.opts.APIKey
	}
	if apiKey == "" {
		return nil, llm.NewRetryableError(errors.New("openai: no API key configured"), 401)
	}
	return []option.RequestOption{option.WithAPIKey(apiKey)}, nil
}

// ListModels lists chat-capable models
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return p.cache.cachedModels(ctx, OpenAI, p.fetchModels)
}

func (p *OpenAIProvider) fetchModels(ctx context.Context) ([]llm.ModelInfo, error) {
	keyOpts, err := p.keyOption("")
	if err != nil {
		return nil, err
	}
	pager := p.client.Models.ListAutoPaging(ctx, keyOpts...)
	var out []llm.ModelInfo
	for pager.Next() {
		m := pager.Current()
		if DetectProvider(m.ID) != OpenAI {
			continue
		}
		reasoning := strings.HasPrefix(m.ID, "o")
		out = append(out, llm.ModelInfo{
			ID:               m.ID,
			DisplayName:      m.ID,
			Description:      "owned by " + m.OwnedBy,
			MaxInputTokens:   128000,
			MaxOutputTokens:  int(p.opts.DefaultMaxTokens),
			SupportedActions: []llm.Action{llm.ActionGenerateContent, llm.ActionToolCalling},
			SupportsTools:    true,
			SupportsThinking: reasoning,
			SupportsImages:   strings.Contains(m.ID, "4o") || strings.HasPrefix(m.ID, "gpt-4.1") || strings.HasPrefix(m.ID, "gpt-5"),
		})
	}
	if err := pager.Err(); err != nil {
		return nil, classify(OpenAI, err)
	}
	return out, nil
}

// Generate sends one chat completion request
func (p *OpenAIProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	keyOpts, err := p.keyOption(req.APIKey)
	if err != nil {
		return nil, err
	}

	names := newToolNames(req.Config.Tools)
	params := openaiParams(req, names)

	p.opts.Logger.Debug("Sending request", "model", req.Model, "messages", len(params.Messages), "tools", len(params.Tools))
	completion, err := p.client.Chat.Completions.New(ctx, params, keyOpts...)
	if err != nil {
		return nil, classify(OpenAI, err)
	}
	return openaiResponse(completion, names), nil
}

func openaiParams(req *llm.Request, names *toolNames) openai.ChatCompletionNewParams {
	rc := req.Config
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(trimModelPrefix(req.Model)),
		Messages: openaiMessages(rc.SystemInstruction(), req.History, names),
	}
	if rc.Temperature != nil {
		params.Temperature = openai.Float(float64(*rc.Temperature))
	}
	if rc.TopP != nil {
		params.TopP = openai.Float(float64(*rc.TopP))
	}
	if rc.MaxOutputTokens != nil && *rc.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(*rc.MaxOutputTokens))
	}
	for _, t := range rc.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        names.wire(t.Name),
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(parseSchema(t.ParametersSchema)),
			},
		})
	}
	return params
}

func openaiMessages(system string, history []llm.RequestMessage, names *toolNames) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range history {
		switch msg.Role {
		case llm.RoleModel:
			if m, ok := openaiAssistant(msg.Contents, names); ok {
				out = append(out, m)
			}
		default:
			// tool results become tool messages; anything else in the
			// message goes out as one user message after them
			var rest []llm.Content
			for _, c := range msg.Contents {
				if r, ok := c.(llm.FunctionResponse); ok {
					out = append(out, openai.ToolMessage(responseJSON(r.Response), r.ID))
					rest = append(rest, attachmentContents(r.Attachments)...)
					continue
				}
				rest = append(rest, c)
			}
			if m, ok := openaiUser(rest); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func attachmentContents(blobs []llm.Blob) []llm.Content {
	out := make([]llm.Content, len(blobs))
	for i, b := range blobs {
		out[i] = b
	}
	return out
}

func openaiAssistant(contents []llm.Content, names *toolNames) (openai.ChatCompletionMessageParamUnion, bool) {
	var text strings.Builder
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, c := range contents {
		switch v := c.(type) {
		case llm.ModelText:
			if !v.Thought {
				text.WriteString(v.Text)
			}
		case llm.FunctionCall:
			args, _ := json.Marshal(v.Args)
			if v.Args == nil {
				args = []byte("{}")
			}
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: v.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      names.wire(v.Name),
					Arguments: string(args),
				},
			})
		default:
			text.WriteString(c.AsText())
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return openai.ChatCompletionMessageParamUnion{}, false
	}
	msg := &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text.Len() > 0 {
		msg.Content.OfString = openai.String(text.String())
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: msg}, true
}

func openaiUser(contents []llm.Content) (openai.ChatCompletionMessageParamUnion, bool) {
	var parts []openai.ChatCompletionContentPartUnionParam
	hasImage := false
	var text strings.Builder
	for _, c := range contents {
		if b, ok := c.(llm.Blob); ok && strings.HasPrefix(b.MimeType, "image/") && len(b.Data) > 0 {
			hasImage = true
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + b.MimeType + ";base64," + base64.StdEncoding.EncodeToString(b.Data),
			}))
			continue
		}
		t := c.AsText()
		if strings.TrimSpace(t) == "" {
			continue
		}
		parts = append(parts, openai.TextContentPart(t))
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(t)
	}
	switch {
	case len(parts) == 0:
		return openai.ChatCompletionMessageParamUnion{}, false
	case hasImage:
		return openai.UserMessage(parts), true
	default:
		return openai.UserMessage(text.String()), true
	}
}

func openaiResponse(c *openai.ChatCompletion, names *toolNames) *llm.Response {
	out := &llm.Response{
		ModelVersion:     c.Model,
		PromptTokenCount: int(c.Usage.PromptTokens),
		TotalTokenCount:  int(c.Usage.TotalTokens),
	}
	for _, choice := range c.Choices {
		cand := llm.Candidate{
			FinishReason: openaiFinish(choice.FinishReason),
			TokenCount:   int(c.Usage.CompletionTokens),
		}
		if choice.Message.Content != "" {
			cand.Contents = append(cand.Contents, llm.ModelText{Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			cand.Contents = append(cand.Contents, llm.FunctionCall{
				ID:   tc.ID,
				Name: names.registry(tc.Function.Name),
				Args: args,
			})
		}
		if len(cand.Contents) == 0 && choice.Message.Refusal != "" {
			out.BlockReason = "refusal: " + choice.Message.Refusal
			continue
		}
		out.Candidates = append(out.Candidates, cand)
	}
	return out
}

func openaiFinish(r string) string {
	switch r {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishMaxTokens
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishSafety
	case "":
		return ""
	default:
		return llm.FinishOther
	}
}
