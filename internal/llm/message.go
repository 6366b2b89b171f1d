package llm

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
	RoleRag   Role = "rag"
)

// Sequencer hands out strictly increasing ids
type Sequencer struct {
	last atomic.Int64
}

// Next returns the next id
func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}

// Observe advances the sequencer so that it never returns id again
func (s *Sequencer) Observe(id int64) {
	for {
		cur := s.last.Load()
		if id <= cur || s.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Last returns the most recently issued id
func (s *Sequencer) Last() int64 {
	return s.last.Load()
}

// Message is an ordered sequence of parts with a role and a position in the session
type Message struct {
	ID            string
	Sequence      int64
	Role          Role
	Timestamp     time.Time
	TokenCount    int
	UserTurnIndex int
	// ModelID and FinishReason are set on model messages
	ModelID      string
	FinishReason string

	parts    []*Part
	dirty    bool
	partSeq  *Sequencer
	onRemove func(*Part)
}

// NewMessage creates a detached message with the given content
func NewMessage(role Role, contents ...Content) *Message {
	m := &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Timestamp: time.Now(),
	}
	for _, c := range contents {
		m.Append(NewPart(c))
	}
	return m
}

// Attach binds the message to a part id sequencer and a removal hook. Parts
// appended before attachment receive ids now.
func (m *Message) Attach(seq *Sequencer, onRemove func(*Part)) {
	m.partSeq = seq
	m.onRemove = onRemove
	for _, p := range m.parts {
		if p.ID == 0 {
			p.ID = seq.Next()
		} else {
			seq.Observe(p.ID)
		}
	}
}

// Append adds a part, setting its back-reference and sequential id
func (m *Message) Append(p *Part) {
	p.message = m
	if m.partSeq != nil && p.ID == 0 {
		p.ID = m.partSeq.Next()
	}
	m.parts = append(m.parts, p)
	m.dirty = true
}

// Remove detaches a part and fires the removal hook. It reports whether the
// part belonged to the message.
func (m *Message) Remove(p *Part) bool {
	for i, cur := range m.parts {
		if cur != p {
			continue
		}
		m.parts = append(m.parts[:i:i], m.parts[i+1:]...)
		p.message = nil
		m.dirty = true
		if m.onRemove != nil {
			m.onRemove(p)
		}
		return true
	}
	return false
}

// Parts returns a copy of the message parts
func (m *Message) Parts() []*Part {
	out := make([]*Part, len(m.parts))
	copy(out, m.parts)
	return out
}

// Len returns the number of parts
func (m *Message) Len() int {
	return len(m.parts)
}

// SetTokenCount records the provider-supplied token count
func (m *Message) SetTokenCount(n int) {
	m.TokenCount = n
	m.dirty = true
}

// Dirty reports whether the message changed since the last ClearDirty
func (m *Message) Dirty() bool {
	return m.dirty
}

// Touch marks the message changed, e.g. after a part's pruning flag moved
func (m *Message) Touch() {
	m.dirty = true
}

func (m *Message) ClearDirty() {
	m.dirty = false
}

// Depth is the number of user turns completed since this message was created
func (m *Message) Depth(currentUserTurn int) int {
	d := currentUserTurn - m.UserTurnIndex
	if d < 0 {
		return 0
	}
	return d
}

// AsText joins the text form of every part
func (m *Message) AsText() string {
	var sb strings.Builder
	for i, p := range m.parts {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.AsText())
	}
	return sb.String()
}
