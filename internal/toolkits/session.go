// Package toolkits holds the tools forgechat registers by default
package toolkits

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// ErrUnbound is returned when a session tool runs before a session is bound
var ErrUnbound = errors.New("no session bound")

// SessionTarget is the part of a chat session the session toolkit edits
type SessionTarget interface {
	SetSummary(summary string)
	SetNickname(nickname string)
	ContextProviders() []chat.ContextProvider
	SetContextProvidersEnabled(enabled bool, ids ...string) error
}

// SessionBinding lets the toolkit be registered before the session it
// drives exists
type SessionBinding struct {
	mu     sync.RWMutex
	target SessionTarget
}

// Bind sets the session the tools act on
func (b *SessionBinding) Bind(t SessionTarget) {
	b.mu.Lock()
	b.target = t
	b.mu.Unlock()
}

func (b *SessionBinding) get() (SessionTarget, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.target == nil {
		return nil, tools.WrapToolError(ErrUnbound, "session tools are not available")
	}
	return b.target, nil
}

// ProviderInfo describes a context provider to the model
type ProviderInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

const sessionUsageRule = "STRICT USAGE RULE: Only call this if other task-related tools are being called in the same turn."

// Session returns the session toolkit
func Session(b *SessionBinding) tools.ToolkitSpec {
	return tools.ToolkitSpec{
		Name: "session",
		Description: "Tools for managing the current chat session's metadata. " +
			"These tools MUST ONLY be called alongside other task-related tool calls in the same turn.",
		Tools: []tools.ToolSpec{
			{
				Name:        "update_summary",
				Description: "Updates the current chat session's summary. " + sessionUsageRule,
				Parameters: []tools.Parameter{
					tools.Param[string]("summary", "A concise summary of the conversation's current state."),
				},
				Returns:     tools.Returns[string](),
				AutoApprove: true,
				Execute: func(ctx context.Context, args tools.Args) (any, error) {
					t, err := b.get()
					if err != nil {
						return nil, err
					}
					if summary := strings.TrimSpace(tools.Arg[string](args, "summary")); summary != "" {
						t.SetSummary(summary)
						tools.ExecutionFrom(ctx).Log("summary set to %q", summary)
					}
					return "Session summary updated successfully.", nil
				},
			},
			{
				Name:        "update_nickname",
				Description: "Gives the session a short human readable nickname. " + sessionUsageRule,
				Parameters: []tools.Parameter{
					tools.Param[string]("nickname", "A short nickname, a few words at most."),
				},
				Returns:     tools.Returns[string](),
				AutoApprove: true,
				Execute: func(_ context.Context, args tools.Args) (any, error) {
					t, err := b.get()
					if err != nil {
						return nil, err
					}
					nickname := strings.TrimSpace(tools.Arg[string](args, "nickname"))
					if nickname == "" {
						return nil, tools.NewToolError("nickname must not be empty")
					}
					t.SetNickname(nickname)
					return "Session nickname updated successfully.", nil
				},
			},
			{
				Name:        "list_context_providers",
				Description: "Lists the context providers that contribute system instructions and RAG content.",
				Returns:     tools.Returns[[]ProviderInfo](),
				TurnsToKeep: tools.Turns(0),
				AutoApprove: true,
				Execute: func(context.Context, tools.Args) (any, error) {
					t, err := b.get()
					if err != nil {
						return nil, err
					}
					providers := t.ContextProviders()
					out := make([]ProviderInfo, len(providers))
					for i, p := range providers {
						out[i] = ProviderInfo{ID: p.ID(), Name: p.Name(), Enabled: p.Enabled()}
					}
					return out, nil
				},
			},
			{
				Name:        "update_context_providers",
				Description: "Enables / disables context providers",
				Parameters: []tools.Parameter{
					tools.Param[bool]("enabled", "Whether to enable or disable the providers."),
					tools.Param[[]string]("providerIds", "The IDs of the context providers to update."),
				},
				TurnsToKeep: tools.Turns(0),
				Execute: func(ctx context.Context, args tools.Args) (any, error) {
					t, err := b.get()
					if err != nil {
						return nil, err
					}
					enabled := tools.Arg[bool](args, "enabled")
					ids := tools.Arg[[]string](args, "providerIds")
					if err := t.SetContextProvidersEnabled(enabled, ids...); err != nil {
						return nil, tools.WrapToolError(err, "%v", err)
					}
					verb := "Disabled"
					if enabled {
						verb = "Enabled"
					}
					for _, id := range ids {
						tools.ExecutionFrom(ctx).Log("%s provider: %s", verb, id)
					}
					return nil, nil
				},
			},
		},
	}
}
