package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// ErrScriptExhausted is returned once every scripted step has been used
var ErrScriptExhausted = errors.New("scripted provider has no more steps")

// Step is one scripted reply. Block makes Generate wait for ctx to end.
type Step struct {
	Response *llm.Response
	Err      error
	Block    bool
}

// ScriptedProvider implements llm.Provider by replaying steps in order
type ScriptedProvider struct {
	// GenerateFunc, when set, replaces the script
	GenerateFunc   func(ctx context.Context, req *llm.Request) (*llm.Response, error)
	ListModelsFunc func(ctx context.Context) ([]llm.ModelInfo, error)

	mu       sync.Mutex
	name     string
	steps    []Step
	requests []llm.Request
	started  chan struct{}
}

// NewScriptedProvider creates a provider named "scripted"
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{
		name:    "scripted",
		steps:   steps,
		started: make(chan struct{}, 64),
	}
}

// Push appends steps to the script
func (p *ScriptedProvider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

func (p *ScriptedProvider) Name() string { return p.name }

func (p *ScriptedProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if p.ListModelsFunc != nil {
		return p.ListModelsFunc(ctx)
	}
	return []llm.ModelInfo{
		{ID: "mock-model-1", DisplayName: "Mock Model 1", MaxInputTokens: 32000, SupportsTools: true,
			SupportedActions: []llm.Action{llm.ActionGenerateContent}},
		{ID: "mock-model-2", DisplayName: "Mock Model 2", MaxInputTokens: 8000,
			SupportedActions: []llm.Action{llm.ActionGenerateContent}},
	}, nil
}

func (p *ScriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	cp := *req
	cp.History = append([]llm.RequestMessage(nil), req.History...)
	p.requests = append(p.requests, cp)
	fn := p.GenerateFunc
	var step Step
	var ok bool
	if fn == nil && len(p.steps) > 0 {
		step, p.steps, ok = p.steps[0], p.steps[1:], true
	}
	p.mu.Unlock()

	select {
	case p.started <- struct{}{}:
	default:
	}

	if fn != nil {
		return fn(ctx, req)
	}
	if !ok {
		return nil, ErrScriptExhausted
	}
	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return step.Response, step.Err
}

// Requests returns copies of every request received so far
func (p *ScriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Calls returns the number of Generate calls
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Started receives a value each time Generate is entered
func (p *ScriptedProvider) Started() <-chan struct{} {
	return p.started
}

// TextResponse is a single STOP candidate with model text
func TextResponse(text string, promptTokens, totalTokens int) *llm.Response {
	return &llm.Response{
		ModelVersion: "mock-model-1",
		Candidates: []llm.Candidate{{
			Contents:     []llm.Content{llm.ModelText{Text: text}},
			FinishReason: llm.FinishStop,
			TokenCount:   totalTokens - promptTokens,
		}},
		PromptTokenCount: promptTokens,
		TotalTokenCount:  totalTokens,
	}
}

// ToolCallResponse is a single candidate requesting the given calls
func ToolCallResponse(calls ...llm.FunctionCall) *llm.Response {
	contents := make([]llm.Content, len(calls))
	for i, c := range calls {
		contents[i] = c
	}
	return &llm.Response{
		ModelVersion: "mock-model-1",
		Candidates: []llm.Candidate{{
			Contents:     contents,
			FinishReason: llm.FinishToolCalls,
		}},
		PromptTokenCount: 10,
		TotalTokenCount:  10 + 5*len(calls),
	}
}

// Call builds a function call for ToolCallResponse
func Call(id, name string, args map[string]any) llm.FunctionCall {
	return llm.FunctionCall{ID: id, Name: name, Args: args}
}

// RetryableError simulates a transient HTTP failure
func RetryableError(statusCode int) error {
	return llm.NewRetryableError(fmt.Errorf("HTTP %d: simulated failure", statusCode), statusCode)
}
