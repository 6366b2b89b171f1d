package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// Hooks lets the orchestrator observe batch progress
type Hooks struct {
	OnPrompt  func(batch *Batch)
	OnExecute func(call *ToolCall)
}

// Engine validates model tool calls and runs them through the prompter
type Engine struct {
	registry *Registry
	prompter Prompter
	logger   *log.Logger
}

// NewEngine creates an engine. A nil prompter denies every prompted call.
func NewEngine(reg *Registry, prompter Prompter) *Engine {
	if prompter == nil {
		prompter = AutoPrompter{Outcome: OutcomeNo}
	}
	return &Engine{
		registry: reg,
		prompter: prompter,
		logger:   log.WithPrefix("engine"),
	}
}

// Registry returns the registry the engine resolves tools from
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SetPrompter replaces the prompter used for subsequent batches
func (e *Engine) SetPrompter(p Prompter) {
	e.prompter = p
}

// NewCall resolves, validates and binds a model tool call
func (e *Engine) NewCall(id, name string, raw map[string]any) *ToolCall {
	return NewCall(e.registry, id, name, raw)
}

// Run prompts for and executes the pending calls of a batch in declaration
// order. A cancelled prompt leaves every pending call NotExecuted and keeps
// permissions unchanged. The returned error is non-nil only for a malformed
// prompt result or when ctx ends.
func (e *Engine) Run(ctx context.Context, sessionID string, calls []*ToolCall, hooks Hooks) (*BatchResult, error) {
	result := &BatchResult{Calls: calls, Outcomes: make(map[string]Outcome, len(calls))}

	// Permissions as they were when the batch arrived. Outcomes of earlier
	// calls never decide later calls of the same tool.
	before := make([]Permission, len(calls))
	var prompted []*ToolCall
	for i, c := range calls {
		before[i] = c.Tool.Permission()
		if c.Response().Status == StatusPending && before[i].NeedsPrompt() {
			prompted = append(prompted, c)
		}
	}

	var decisions PromptResult
	if len(prompted) > 0 {
		batch := &Batch{SessionID: sessionID, Calls: prompted}
		if hooks.OnPrompt != nil {
			hooks.OnPrompt(batch)
		}
		var err error
		decisions, err = e.prompter.Prompt(ctx, batch)
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.cancelPending(result, OutcomeCancelled)
			return result, ctxErr
		}
		if err != nil {
			e.logger.Warn("Prompter failed, cancelling batch", "error", err)
			decisions = PromptResult{Cancelled: true}
		}
		if !decisions.Cancelled {
			for _, c := range prompted {
				o, ok := decisions.Outcomes[c.ID]
				if !ok {
					return result, fmt.Errorf("%w: %s (%s)", ErrMalformedPrompt, c.ID, c.Name())
				}
				if o == OutcomeCancelled {
					decisions.Cancelled = true
				}
			}
		}
		result.Comment = decisions.Comment
	}

	if decisions.Cancelled {
		result.Cancelled = true
		e.cancelPending(result, OutcomeCancelled)
		return result, nil
	}

	for i, c := range calls {
		resp := c.Response()
		if resp.Status != StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.cancelPending(&BatchResult{Calls: calls[i:], Outcomes: result.Outcomes}, OutcomeCancelled)
			return result, err
		}

		outcome := OutcomeYes
		switch before[i] {
		case PermissionApproveAlways:
		case PermissionDenyNever:
			outcome = OutcomeNo
		default:
			outcome = decisions.Outcomes[c.ID]
		}

		after, execute := Transition(before[i], outcome)
		if after != before[i] {
			if err := e.registry.SetPermission(c.Tool.Name(), after); err != nil && !errors.Is(err, ErrToolNotFound) {
				e.logger.Warn("Failed to persist permission", "tool", c.Tool.Name(), "error", err)
			}
		}
		o := outcome
		resp.Outcome = &o
		result.Outcomes[c.ID] = outcome

		if !execute {
			resp.reject(fmt.Sprintf("Tool call not executed: %s", outcome.DisplayName()))
			continue
		}
		if hooks.OnExecute != nil {
			hooks.OnExecute(c)
		}
		if err := resp.Execute(ctx); err != nil {
			return result, err
		}
		e.logger.Debug("Tool executed", "tool", c.Name(), "id", c.ID, "status", resp.Status, "duration", resp.Duration)
	}
	return result, nil
}

func (e *Engine) cancelPending(result *BatchResult, outcome Outcome) {
	for _, c := range result.Calls {
		resp := c.Response()
		if resp.Status != StatusPending {
			continue
		}
		o := outcome
		resp.Outcome = &o
		result.Outcomes[c.ID] = outcome
		resp.reject(fmt.Sprintf("Tool call not executed: %s", outcome.DisplayName()))
	}
}
