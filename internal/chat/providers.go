package chat

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ContextProvider contributes system instructions and retrieval text to each
// request. Its output is request scoped and never stored in the history.
type ContextProvider interface {
	ID() string
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	SystemInstructions(s *Session) []string
	Rag(s *Session) []string
}

type baseProvider struct {
	id      string
	name    string
	enabled atomic.Bool
}

func newBaseProvider(id, name string) baseProvider {
	b := baseProvider{id: id, name: name}
	b.enabled.Store(true)
	return b
}

func (b *baseProvider) ID() string              { return b.id }
func (b *baseProvider) Name() string            { return b.name }
func (b *baseProvider) Enabled() bool           { return b.enabled.Load() }
func (b *baseProvider) SetEnabled(enabled bool) { b.enabled.Store(enabled) }

// ChatStatusProvider tells the model what the session is doing
type ChatStatusProvider struct {
	baseProvider
}

func NewChatStatusProvider() *ChatStatusProvider {
	return &ChatStatusProvider{baseProvider: newBaseProvider("core-chat-status", "Chat Status")}
}

func (p *ChatStatusProvider) SystemInstructions(s *Session) []string {
	st := s.Status()
	return []string{fmt.Sprintf("Current Chat Status: %s (%s)", st.DisplayName(), st.Description())}
}

func (p *ChatStatusProvider) Rag(*Session) []string { return nil }

// SessionMetadataProvider renders the session identity and context usage
type SessionMetadataProvider struct {
	baseProvider
}

func NewSessionMetadataProvider() *SessionMetadataProvider {
	return &SessionMetadataProvider{baseProvider: newBaseProvider("core-session-metadata", "Session Metadata")}
}

func (p *SessionMetadataProvider) SystemInstructions(*Session) []string { return nil }

func (p *SessionMetadataProvider) Rag(s *Session) []string {
	summary := s.Summary()
	if summary == "" {
		summary = "N/A"
	}
	nickname := s.Nickname()
	if nickname == "" {
		nickname = "N/A"
	}
	stats := s.Stats()

	var sb strings.Builder
	sb.WriteString("## Current Session Metadata\n")
	fmt.Fprintf(&sb, "- **Session ID**: %s\n", s.ID())
	fmt.Fprintf(&sb, "- **Nickname**: %s\n", nickname)
	fmt.Fprintf(&sb, "- **Summary**: %s\n", summary)
	fmt.Fprintf(&sb, "- **Total Messages**: %d\n", stats.Messages)
	fmt.Fprintf(&sb, "- **Context Usage**: %.1f%% (%d / %d tokens)\n",
		stats.ContextUsage()*100, stats.LastTotalTokens, stats.TokenThreshold)
	return []string{sb.String()}
}

// DefaultContextProviders returns the built-in providers, all enabled
func DefaultContextProviders() []ContextProvider {
	return []ContextProvider{
		NewChatStatusProvider(),
		NewSessionMetadataProvider(),
	}
}
