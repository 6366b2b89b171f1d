package llm

import (
	"fmt"
	"strings"
)

// Kind identifies the variant carried by a Part
type Kind int

const (
	KindText Kind = iota
	KindModelText
	KindBlob
	KindToolCall
	KindToolResponse
	KindRag
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindModelText:
		return "model_text"
	case KindBlob:
		return "blob"
	case KindToolCall:
		return "tool_call"
	case KindToolResponse:
		return "tool_response"
	case KindRag:
		return "rag"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the String form of a Kind
func ParseKind(s string) (Kind, error) {
	for k := KindText; k <= KindRag; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindText, fmt.Errorf("unknown part kind %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// PruningState is the explicit, user-controlled retention flag of a part
type PruningState int

const (
	// PruneAuto leaves visibility to the part's turns-to-keep
	PruneAuto PruningState = iota
	// PrunePinned keeps the part visible regardless of depth
	PrunePinned
	// PrunePruned hides the part regardless of depth
	PrunePruned
)

func (s PruningState) String() string {
	switch s {
	case PrunePinned:
		return "PINNED"
	case PrunePruned:
		return "PRUNED"
	default:
		return "AUTO"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s PruningState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *PruningState) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "", "AUTO":
		*s = PruneAuto
	case "PINNED":
		*s = PrunePinned
	case "PRUNED":
		*s = PrunePruned
	default:
		return fmt.Errorf("unknown pruning state %q", string(b))
	}
	return nil
}

// Content is the payload of a Part. Implementations are the closed set of
// variants declared in this package plus the tool call and tool response
// types of the tools package.
type Content interface {
	Kind() Kind
	AsText() string
}

// DefaultRetainer is implemented by content whose default retention may
// differ from the per-kind session default, such as tool calls which inherit
// the retention of their tool. ok is false when the session default applies.
type DefaultRetainer interface {
	DefaultTurnsToKeep() (turns int, ok bool)
}

// Retention holds the per-kind turns-to-keep defaults of a session
type Retention struct {
	Text int `json:"text"`
	Tool int `json:"tool"`
	Blob int `json:"blob"`
}

const (
	DefaultTextTurnsToKeep = 108
	DefaultToolTurnsToKeep = 5
	DefaultBlobTurnsToKeep = 3
	DefaultHardPruneDelay  = 108
)

// DefaultRetention returns the stock retention defaults
func DefaultRetention() Retention {
	return Retention{
		Text: DefaultTextTurnsToKeep,
		Tool: DefaultToolTurnsToKeep,
		Blob: DefaultBlobTurnsToKeep,
	}
}

// Part is the atomic unit of message content
type Part struct {
	ID          int64
	Content     Content
	Pruning     PruningState
	TurnsToKeep *int
	// PrunedAtTurn is the user turn at which Pruning was last set to PrunePruned
	PrunedAtTurn int

	message *Message
}

// NewPart wraps content in a detached part
func NewPart(c Content) *Part {
	return &Part{Content: c}
}

// Message returns the message this part belongs to, or nil when detached
func (p *Part) Message() *Message {
	return p.message
}

func (p *Part) Kind() Kind {
	return p.Content.Kind()
}

func (p *Part) AsText() string {
	if p.Content == nil {
		return ""
	}
	return p.Content.AsText()
}

// DefaultTurnsToKeep resolves the variant default for this part
func (p *Part) DefaultTurnsToKeep(r Retention) int {
	if d, ok := p.Content.(DefaultRetainer); ok {
		if n, set := d.DefaultTurnsToKeep(); set {
			return n
		}
	}
	switch p.Kind() {
	case KindBlob:
		return r.Blob
	case KindToolCall, KindToolResponse:
		return r.Tool
	case KindRag:
		return 0
	default:
		return r.Text
	}
}

// EffectiveTurnsToKeep returns the explicit override if set, else the default
func (p *Part) EffectiveTurnsToKeep(r Retention) int {
	if p.TurnsToKeep != nil {
		return *p.TurnsToKeep
	}
	return p.DefaultTurnsToKeep(r)
}

// SetTurnsToKeep sets a per-part retention override
func (p *Part) SetTurnsToKeep(n int) {
	p.TurnsToKeep = &n
}

// ClearTurnsToKeep removes the per-part override
func (p *Part) ClearTurnsToKeep() {
	p.TurnsToKeep = nil
}

// Depth is the number of user turns completed since the owning message was created
func (p *Part) Depth(currentUserTurn int) int {
	if p.message == nil {
		return 0
	}
	return p.message.Depth(currentUserTurn)
}

// IsEffectivelyPruned reports whether the part would be hidden ignoring pair integrity
func (p *Part) IsEffectivelyPruned(currentUserTurn int, r Retention) bool {
	switch p.Pruning {
	case PrunePinned:
		return false
	case PrunePruned:
		return true
	}
	ttk := p.EffectiveTurnsToKeep(r)
	if ttk < 0 {
		return false
	}
	return p.Depth(currentUserTurn) > ttk
}

// TurnsLeft returns the turns remaining before auto pruning, or -1 for indefinite
func (p *Part) TurnsLeft(currentUserTurn int, r Retention) int {
	ttk := p.EffectiveTurnsToKeep(r)
	if ttk < 0 || p.Pruning == PrunePinned {
		return -1
	}
	return ttk - p.Depth(currentUserTurn)
}

func (p *Part) String() string {
	return fmt.Sprintf("Part[%d %s %s]", p.ID, p.Kind(), p.Pruning)
}
