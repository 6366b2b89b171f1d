package tools

import (
	"context"
	"fmt"
	"strings"
)

// Batch is the set of calls from one model response that need a decision
type Batch struct {
	SessionID string
	Calls     []*ToolCall
}

// PromptResult carries the prompter's per-call decisions
type PromptResult struct {
	Outcomes  map[string]Outcome
	Comment   string
	Cancelled bool
}

// Prompter decides the outcome of every call in a batch. Implementations
// must return a decision for each call or set Cancelled.
type Prompter interface {
	Prompt(ctx context.Context, batch *Batch) (PromptResult, error)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, batch *Batch) (PromptResult, error)

func (f PrompterFunc) Prompt(ctx context.Context, batch *Batch) (PromptResult, error) {
	return f(ctx, batch)
}

// AutoPrompter answers every call with the same outcome, for unattended runs
type AutoPrompter struct {
	Outcome Outcome
	Comment string
}

func (a AutoPrompter) Prompt(_ context.Context, batch *Batch) (PromptResult, error) {
	res := PromptResult{Outcomes: make(map[string]Outcome, len(batch.Calls)), Comment: a.Comment}
	if a.Outcome == OutcomeCancelled {
		res.Cancelled = true
		return res, nil
	}
	for _, c := range batch.Calls {
		res.Outcomes[c.ID] = a.Outcome
	}
	return res, nil
}

// BatchResult is the outcome of running one batch of calls
type BatchResult struct {
	Calls     []*ToolCall
	Outcomes  map[string]Outcome
	Comment   string
	Cancelled bool
}

// Responses returns the responses in call order
func (b *BatchResult) Responses() []*ToolResponse {
	out := make([]*ToolResponse, len(b.Calls))
	for i, c := range b.Calls {
		out[i] = c.Response()
	}
	return out
}

// Approved counts the calls that went through the execute path
func (b *BatchResult) Approved() int {
	n := 0
	for _, c := range b.Calls {
		switch c.Response().Status {
		case StatusExecuted, StatusFailed:
			n++
		}
	}
	return n
}

// Summary renders "[name id=... STATUS] ..." for user feedback
func (b *BatchResult) Summary() string {
	if len(b.Calls) == 0 {
		if b.Cancelled {
			return "[Operation Cancelled]"
		}
		return "[No tool outcomes]"
	}
	parts := make([]string, len(b.Calls))
	for i, c := range b.Calls {
		parts[i] = fmt.Sprintf("[%s id=%s %s]", c.Name(), c.ID, c.Response().Status)
	}
	return strings.Join(parts, " ")
}
