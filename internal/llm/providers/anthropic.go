package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// minThinkingBudget is the smallest budget the Messages API accepts
const minThinkingBudget = 1024

// AnthropicProvider implements llm.Provider with the official Anthropic SDK
type AnthropicProvider struct {
	opts   Options
	cache  modelCache
	client anthropic.Client
}

// NewAnthropic creates an Anthropic adapter. SDK retries are disabled; the
// session owns the retry loop.
func NewAnthropic(opts Options) *AnthropicProvider {
	opts = opts.normalize(Anthropic)
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &AnthropicProvider{
		opts:   opts,
		cache:  modelCache{dir: opts.CacheDir, ttl: opts.CacheTTL, logger: opts.Logger},
		client: anthropic.NewClient(clientOpts...),
	}
}

func (p *AnthropicProvider) Name() string { return Anthropic }

func (p *AnthropicProvider) keyOption(apiKey string) ([]option.RequestOption, error) {
	if apiKey == "" {
		apiKey = p.opts.APIKey
	}
	if apiKey == "" {
		return nil, llm.NewRetryableError(errors.New("anthropic: no API key configured"), 401)
	}
	return []option.RequestOption{option.WithAPIKey(apiKey)}, nil
}

// ListModels pages through the models endpoint
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return p.cache.cachedModels(ctx, Anthropic, p.fetchModels)
}

func (p *AnthropicProvider) fetchModels(ctx context.Context) ([]llm.ModelInfo, error) {
	keyOpts, err := p.keyOption("")
	if err != nil {
		return nil, err
	}
	pager := p.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{}, keyOpts...)
	var out []llm.ModelInfo
	for pager.Next() {
		m := pager.Current()
		out = append(out, llm.ModelInfo{
			ID:               m.ID,
			DisplayName:      m.DisplayName,
			Version:          m.CreatedAt.Format("2006-01-02"),
			MaxInputTokens:   200000,
			MaxOutputTokens:  int(p.opts.DefaultMaxTokens),
			SupportedActions: []llm.Action{llm.ActionGenerateContent, llm.ActionCountTokens, llm.ActionToolCalling},
			SupportsTools:    true,
			SupportsImages:   true,
			SupportsThinking: !strings.HasPrefix(m.ID, "claude-3-") || strings.HasPrefix(m.ID, "claude-3-7"),
		})
	}
	if err := pager.Err(); err != nil {
		return nil, classify(Anthropic, err)
	}
	return out, nil
}

// Generate sends one Messages API call
func (p *AnthropicProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	keyOpts, err := p.keyOption(req.APIKey)
	if err != nil {
		return nil, err
	}

	names := newToolNames(req.Config.Tools)
	params := p.params(req, names)

	p.opts.Logger.Debug("Sending request", "model", req.Model, "messages", len(params.Messages), "tools", len(params.Tools))
	msg, err := p.client.Messages.New(ctx, params, keyOpts...)
	if err != nil {
		return nil, classify(Anthropic, err)
	}
	return anthropicResponse(msg, names), nil
}

func (p *AnthropicProvider) params(req *llm.Request, names *toolNames) anthropic.MessageNewParams {
	rc := req.Config
	maxTokens := p.opts.DefaultMaxTokens
	if rc.MaxOutputTokens != nil && *rc.MaxOutputTokens > 0 {
		maxTokens = int64(*rc.MaxOutputTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(trimModelPrefix(req.Model)),
		MaxTokens: maxTokens,
		Messages:  anthropicMessages(req.History, names),
	}
	if si := rc.SystemInstruction(); si != "" {
		params.System = []anthropic.TextBlockParam{{Text: si}}
	}

	thinking := rc.IncludeThoughts && maxTokens > minThinkingBudget*2
	if thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(maxTokens / 2)
	} else {
		// temperature and top_k are rejected while thinking is enabled
		if rc.Temperature != nil {
			params.Temperature = anthropic.Float(float64(*rc.Temperature))
		}
		if rc.TopK != nil {
			params.TopK = anthropic.Int(int64(*rc.TopK))
		}
	}
	if rc.TopP != nil {
		params.TopP = anthropic.Float(float64(*rc.TopP))
	}

	for _, t := range rc.Tools {
		schema := parseSchema(t.ParametersSchema)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        names.wire(t.Name),
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   requiredFields(schema),
			},
		}})
	}
	return params
}

func anthropicMessages(history []llm.RequestMessage, names *toolNames) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range history {
		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range msg.Contents {
			blocks = append(blocks, anthropicBlocks(c, names)...)
		}
		if len(blocks) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == llm.RoleModel {
			role = anthropic.MessageParamRoleAssistant
		}
		// the API requires alternating roles
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func anthropicBlocks(c llm.Content, names *toolNames) []anthropic.ContentBlockParamUnion {
	switch v := c.(type) {
	case llm.Text:
		return textBlock(v.Text)
	case llm.Rag:
		return textBlock(v.Text)
	case llm.ModelText:
		if v.Thought {
			// thinking without a signature cannot be replayed
			if len(v.Signature) == 0 {
				return nil
			}
			return []anthropic.ContentBlockParamUnion{anthropic.NewThinkingBlock(string(v.Signature), v.Text)}
		}
		return textBlock(v.Text)
	case llm.Blob:
		return anthropicBlob(v)
	case llm.FunctionCall:
		args := v.Args
		if args == nil {
			args = map[string]any{}
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewToolUseBlock(v.ID, args, names.wire(v.Name))}
	case llm.FunctionResponse:
		_, isError := v.Response["error"]
		blocks := []anthropic.ContentBlockParamUnion{anthropic.NewToolResultBlock(v.ID, responseJSON(v.Response), isError)}
		for _, a := range v.Attachments {
			blocks = append(blocks, anthropicBlob(a)...)
		}
		return blocks
	default:
		return textBlock(c.AsText())
	}
}

func textBlock(text string) []anthropic.ContentBlockParamUnion {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)}
}

func anthropicBlob(b llm.Blob) []anthropic.ContentBlockParamUnion {
	if strings.HasPrefix(b.MimeType, "image/") && len(b.Data) > 0 {
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewImageBlockBase64(b.MimeType, base64.StdEncoding.EncodeToString(b.Data)),
		}
	}
	return textBlock(b.AsText())
}

func anthropicResponse(msg *anthropic.Message, names *toolNames) *llm.Response {
	prompt := int(msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens)
	out := &llm.Response{
		ModelVersion:     string(msg.Model),
		PromptTokenCount: prompt,
		TotalTokenCount:  prompt + int(msg.Usage.OutputTokens),
	}

	cand := llm.Candidate{
		FinishReason: anthropicFinish(msg.StopReason),
		TokenCount:   int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			cand.Contents = append(cand.Contents, llm.ModelText{Text: block.Text})
		case "thinking":
			cand.Contents = append(cand.Contents, llm.ModelText{
				Text:      block.Thinking,
				Thought:   true,
				Signature: []byte(block.Signature),
			})
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			cand.Contents = append(cand.Contents, llm.FunctionCall{
				ID:   block.ID,
				Name: names.registry(block.Name),
				Args: args,
			})
		}
	}
	out.Candidates = []llm.Candidate{cand}
	if msg.StopReason == anthropic.StopReasonRefusal && len(cand.Contents) == 0 {
		out.Candidates = nil
		out.BlockReason = string(anthropic.StopReasonRefusal)
	}
	return out
}

func anthropicFinish(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return llm.FinishStop
	case anthropic.StopReasonMaxTokens:
		return llm.FinishMaxTokens
	case anthropic.StopReasonToolUse:
		return llm.FinishToolCalls
	case anthropic.StopReasonRefusal:
		return llm.FinishSafety
	case "":
		return ""
	default:
		return llm.FinishOther
	}
}
