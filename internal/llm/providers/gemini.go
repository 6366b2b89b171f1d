package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// GeminiProvider implements llm.Provider with the Google Gen AI SDK
type GeminiProvider struct {
	opts  Options
	cache modelCache

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates a Gemini adapter
func NewGemini(opts Options) *GeminiProvider {
	opts = opts.normalize(Gemini)
	return &GeminiProvider{
		opts:    opts,
		cache:   modelCache{dir: opts.CacheDir, ttl: opts.CacheTTL, logger: opts.Logger},
		clients: make(map[string]*genai.Client),
	}
}

func (p *GeminiProvider) Name() string { return Gemini }

// client returns a client for the key; clients are reused across rotations
func (p *GeminiProvider) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		apiKey = p.opts.APIKey
	}
	if apiKey == "" {
		return nil, llm.NewRetryableError(errors.New("gemini: no API key configured"), 401)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[apiKey]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.opts.HTTPClient,
	}
	if p.opts.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = p.opts.BaseURL
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	p.clients[apiKey] = c
	return c, nil
}

// ListModels lists models that can generate content
func (p *GeminiProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return p.cache.cachedModels(ctx, Gemini, p.fetchModels)
}

func (p *GeminiProvider) fetchModels(ctx context.Context) ([]llm.ModelInfo, error) {
	c, err := p.client(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []llm.ModelInfo
	for m, err := range c.Models.All(ctx) {
		if err != nil {
			return nil, classify(Gemini, err)
		}
		info := llm.ModelInfo{
			ID:              strings.TrimPrefix(m.Name, "models/"),
			DisplayName:     m.DisplayName,
			Description:     m.Description,
			Version:         m.Version,
			MaxInputTokens:  int(m.InputTokenLimit),
			MaxOutputTokens: int(m.OutputTokenLimit),
		}
		for _, a := range m.SupportedActions {
			info.SupportedActions = append(info.SupportedActions, llm.Action(a))
		}
		if !info.Supports(llm.ActionGenerateContent) {
			continue
		}
		info.SupportsTools = true
		info.SupportsImages = true
		info.SupportsThinking = strings.Contains(info.ID, "2.5") || strings.Contains(info.ID, "thinking")
		out = append(out, info)
	}
	return out, nil
}

// Generate sends one non-streaming generateContent call
func (p *GeminiProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c, err := p.client(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	names := newToolNames(req.Config.Tools)
	contents := geminiContents(req.History, names)
	config := geminiConfig(req.Config, names)

	p.opts.Logger.Debug("Sending request", "model", req.Model, "messages", len(contents), "tools", len(req.Config.Tools))
	resp, err := c.Models.GenerateContent(ctx, trimModelPrefix(req.Model), contents, config)
	if err != nil {
		return nil, classify(Gemini, err)
	}
	return geminiResponse(resp, names), nil
}

func geminiRole(r llm.Role) string {
	if r == llm.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func geminiContents(history []llm.RequestMessage, names *toolNames) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		var parts []*genai.Part
		for _, c := range msg.Contents {
			parts = append(parts, geminiParts(c, names)...)
		}
		if len(parts) == 0 {
			continue
		}
		role := geminiRole(msg.Role)
		// consecutive messages of one role are merged
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func geminiParts(c llm.Content, names *toolNames) []*genai.Part {
	switch v := c.(type) {
	case llm.Text:
		return []*genai.Part{{Text: v.Text}}
	case llm.ModelText:
		return []*genai.Part{{Text: v.Text, Thought: v.Thought, ThoughtSignature: v.Signature}}
	case llm.Rag:
		return []*genai.Part{{Text: v.Text}}
	case llm.Blob:
		return []*genai.Part{{InlineData: &genai.Blob{MIMEType: v.MimeType, Data: v.Data}}}
	case llm.FunctionCall:
		return []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: v.ID, Name: names.wire(v.Name), Args: v.Args}}}
	case llm.FunctionResponse:
		parts := []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
			ID:       v.ID,
			Name:     names.wire(v.Name),
			Response: v.Response,
		}}}
		for _, a := range v.Attachments {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: a.MimeType, Data: a.Data}})
		}
		return parts
	default:
		return []*genai.Part{{Text: c.AsText()}}
	}
}

func geminiConfig(rc llm.RequestConfig, names *toolNames) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: rc.Temperature,
		TopK:        rc.TopK,
		TopP:        rc.TopP,
	}
	if rc.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = *rc.MaxOutputTokens
	}
	if si := rc.SystemInstruction(); si != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: si}}}
	}
	if rc.IncludeThoughts {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if len(rc.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(rc.Tools))
		for _, t := range rc.Tools {
			d := &genai.FunctionDeclaration{
				Name:                 names.wire(t.Name),
				Description:          t.Description,
				ParametersJsonSchema: parseSchema(t.ParametersSchema),
			}
			if t.ResponseSchema != "" {
				d.ResponseJsonSchema = parseSchema(t.ResponseSchema)
			}
			decls = append(decls, d)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func geminiResponse(resp *genai.GenerateContentResponse, names *toolNames) *llm.Response {
	out := &llm.Response{ModelVersion: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokenCount = int(u.PromptTokenCount)
		out.TotalTokenCount = int(u.TotalTokenCount)
	}
	if f := resp.PromptFeedback; f != nil && f.BlockReason != "" {
		out.BlockReason = string(f.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		c := llm.Candidate{
			FinishReason: geminiFinish(cand.FinishReason),
			TokenCount:   int(cand.TokenCount),
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					c.Contents = append(c.Contents, llm.FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: names.registry(part.FunctionCall.Name),
						Args: part.FunctionCall.Args,
					})
				case part.Text != "" || len(part.ThoughtSignature) > 0:
					c.Contents = append(c.Contents, llm.ModelText{
						Text:      part.Text,
						Thought:   part.Thought,
						Signature: part.ThoughtSignature,
					})
				case part.InlineData != nil:
					c.Contents = append(c.Contents, llm.Blob{MimeType: part.InlineData.MIMEType, Data: part.InlineData.Data})
				}
			}
		}
		if len(c.FunctionCalls()) > 0 && c.FinishReason == llm.FinishStop {
			c.FinishReason = llm.FinishToolCalls
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out
}

func geminiFinish(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return llm.FinishStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return llm.FinishSafety
	case "":
		return ""
	default:
		return llm.FinishOther
	}
}
