package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// TurnResult describes a finished user turn
type TurnResult struct {
	// Response and Message are the last provider response and the model
	// message built from it
	Response *llm.Response
	Message  *llm.Message
	Batches  []*tools.BatchResult
	// Cancelled is set when the user cancelled a tool prompt
	Cancelled bool
}

// Text returns the visible text of the final model message
func (r *TurnResult) Text() string {
	if r == nil || r.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Message.Parts() {
		if t, ok := p.Content.(llm.ModelText); ok && !t.Thought {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// runTurn appends the user message and loops provider calls and tool
// batches until the model stops asking for tools.
func (s *Session) runTurn(ctx context.Context, contents []llm.Content) (*TurnResult, error) {
	s.history.Add(llm.NewMessage(llm.RoleUser, contents...))
	if removed := s.history.HardPrune(); len(removed) > 0 {
		s.logger.Debug("Hard pruned parts", "count", len(removed), "turn", s.history.UserTurns())
	}

	result := &TurnResult{}
	for {
		req := s.buildRequest()
		resp, err := s.generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				s.status.Set(StatusIdle)
			}
			return result, err
		}
		s.observeUsage(resp)
		result.Response = resp

		if len(resp.Candidates) == 0 {
			s.status.Set(StatusIdle)
			return result, fmt.Errorf("%w: blocked (%s)", ErrNoCandidates, resp.BlockReason)
		}

		msg, calls := s.modelMessage(req.Model, resp)
		s.history.Add(msg)
		result.Message = msg

		if len(calls) == 0 {
			s.status.Set(StatusIdle)
			return result, nil
		}

		batch, err := s.engine.Run(ctx, s.id, calls, tools.Hooks{
			OnPrompt: func(b *tools.Batch) {
				s.status.Set(StatusToolPrompt)
			},
			OnExecute: func(c *tools.ToolCall) {
				s.status.Set(StatusToolExecutionInProgress, WithTool(c.Name()))
			},
		})
		if batch != nil {
			result.Batches = append(result.Batches, batch)
			s.countTools(batch)
		}
		if err != nil {
			if ctx.Err() != nil {
				if !s.shuttingDown() {
					s.status.Set(StatusIdle)
				}
				return result, cancelled(ctx)
			}
			s.status.Set(StatusIdle)
			return result, fmt.Errorf("tool batch: %w", err)
		}
		if s.shuttingDown() {
			s.logger.Debug("Dropping tool responses after shutdown", "calls", len(calls))
			return result, ErrSessionShutdown
		}

		result.Cancelled = result.Cancelled || batch.Cancelled
		if batch.Approved() == 0 {
			s.logger.Debug("No tool calls approved, ending turn", "summary", batch.Summary())
			s.status.Set(StatusIdle)
			return result, nil
		}

		toolMsg := llm.NewMessage(llm.RoleTool)
		for _, r := range batch.Responses() {
			toolMsg.Append(llm.NewPart(r))
		}
		if batch.Comment != "" {
			toolMsg.Append(llm.NewPart(llm.Text{Text: batch.Comment}))
		}
		s.history.Add(toolMsg)
	}
}

// buildRequest projects the visible history and adds tool declarations,
// system instructions and retrieval text from the context providers.
func (s *Session) buildRequest() *llm.Request {
	s.mu.RLock()
	cfg := s.request
	model := s.model
	s.mu.RUnlock()

	cfg.SystemInstructions = append([]string(nil), cfg.SystemInstructions...)
	cfg.Tools = s.registry.Declarations()
	msgs := s.history.Project()

	var rag []llm.Content
	for _, p := range s.ContextProviders() {
		if !p.Enabled() {
			continue
		}
		cfg.SystemInstructions = append(cfg.SystemInstructions, p.SystemInstructions(s)...)
		for _, text := range p.Rag(s) {
			rag = append(rag, llm.Rag{Source: p.ID(), Text: text})
		}
	}
	if len(rag) > 0 {
		msgs = append(msgs, llm.RequestMessage{Role: llm.RoleRag, Contents: rag})
	}

	return &llm.Request{
		Model:   model,
		History: msgs,
		Config:  cfg,
	}
}

// modelMessage converts the first candidate into a history message and
// validates its tool calls.
func (s *Session) modelMessage(model string, resp *llm.Response) (*llm.Message, []*tools.ToolCall) {
	cand := resp.Candidates[0]
	msg := llm.NewMessage(llm.RoleModel)
	msg.ModelID = model
	if resp.ModelVersion != "" {
		msg.ModelID = resp.ModelVersion
	}
	msg.FinishReason = cand.FinishReason

	var calls []*tools.ToolCall
	for _, c := range cand.Contents {
		fc, ok := c.(llm.FunctionCall)
		if !ok {
			msg.Append(llm.NewPart(c))
			continue
		}
		id := fc.ID
		if id == "" {
			id = uuid.New().String()
		}
		call := s.engine.NewCall(id, fc.Name, fc.Args)
		if call.Response().Status != tools.StatusPending {
			s.logger.Warn("Rejected tool call", "tool", fc.Name, "id", id, "reason", call.Response().Error)
		}
		msg.Append(llm.NewPart(call))
		calls = append(calls, call)
	}

	tokens := cand.TokenCount
	if tokens == 0 && resp.TotalTokenCount > resp.PromptTokenCount {
		tokens = resp.TotalTokenCount - resp.PromptTokenCount
	}
	msg.SetTokenCount(tokens)
	return msg, calls
}

func (s *Session) observeUsage(resp *llm.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Exchanges++
	s.counters.PromptTokens += resp.PromptTokenCount
	s.counters.TotalTokens += resp.TotalTokenCount
	s.counters.LastPromptTokens = resp.PromptTokenCount
	s.counters.LastTotalTokens = resp.TotalTokenCount
}

func (s *Session) countTools(batch *tools.BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.ToolCalls += len(batch.Calls)
	s.counters.ToolCallsExecuted += batch.Approved()
}
