package context

import (
	"errors"
	"sort"

	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrPartNotFound    = errors.New("part not found")
)

// Tombstone records a part that was removed from memory
type Tombstone struct {
	PartID    int64    `json:"part_id"`
	MessageID string   `json:"message_id"`
	Kind      llm.Kind `json:"kind"`
	Summary   string   `json:"summary"`
	Turn      int      `json:"turn"`
}

// PartState is how a part appears in the inspection view
type PartState int

const (
	StateVisible PartState = iota
	StatePruned
	StateRemoved
)

func (s PartState) String() string {
	switch s {
	case StateVisible:
		return "visible"
	case StatePruned:
		return "pruned"
	default:
		return "removed"
	}
}

// PartView describes one part, live or removed, for UIs
type PartView struct {
	ID          int64
	Kind        llm.Kind
	State       PartState
	Pruning     llm.PruningState
	TurnsToKeep int
	// TurnsLeft is -1 for indefinite retention
	TurnsLeft int
	// PairAdjusted is set when pair integrity overrode the part's own retention
	PairAdjusted bool
	Text         string
}

// MessageView describes one message for UIs
type MessageView struct {
	ID            string
	Sequence      int64
	Role          llm.Role
	UserTurnIndex int
	Depth         int
	TokenCount    int
	Read          bool
	Parts         []PartView
}

// visibility resolves every live part, then enforces pair integrity. A pair
// with a pinned side is visible; a pair missing a side, or whose response is
// still pending, is hidden; otherwise a hidden side hides both.
func (m *Manager) visibility() map[int64]bool {
	vis := make(map[int64]bool, len(m.parts))
	for _, p := range m.parts {
		vis[p.ID] = !p.IsEffectivelyPruned(m.userTurns, m.retention)
	}
	for _, pr := range m.pairs {
		both := pairVisible(pr, vis)
		if pr.call != nil {
			vis[pr.call.ID] = both
		}
		if pr.response != nil {
			vis[pr.response.ID] = both
		}
	}
	return vis
}

func pairVisible(pr *pair, vis map[int64]bool) bool {
	if pr.call == nil || pr.response == nil || isPending(pr.response) {
		return false
	}
	if pr.call.Pruning == llm.PrunePinned || pr.response.Pruning == llm.PrunePinned {
		return true
	}
	return vis[pr.call.ID] && vis[pr.response.ID]
}

func isPending(p *llm.Part) bool {
	r, ok := p.Content.(*tools.ToolResponse)
	return ok && r.Status == tools.StatusPending
}

// Project returns the visible history in provider form. Messages without a
// visible part are omitted.
func (m *Manager) Project() []llm.RequestMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vis := m.visibility()
	out := make([]llm.RequestMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		var contents []llm.Content
		for _, p := range msg.Parts() {
			if !vis[p.ID] {
				continue
			}
			c := p.Content
			if w, ok := c.(llm.Wireable); ok {
				c = w.Wire()
			}
			contents = append(contents, c)
		}
		if len(contents) > 0 {
			out = append(out, llm.RequestMessage{Role: msg.Role, Contents: contents})
		}
	}
	return out
}

// VisibleParts returns the parts the next projection will include, in history order
func (m *Manager) VisibleParts() []*llm.Part {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vis := m.visibility()
	var out []*llm.Part
	for _, msg := range m.messages {
		for _, p := range msg.Parts() {
			if vis[p.ID] {
				out = append(out, p)
			}
		}
	}
	return out
}

// IsVisible reports whether a live part is included in the next projection
func (m *Manager) IsVisible(partID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visibility()[partID]
}

// Inspect renders the whole history, including removed parts, for UIs
func (m *Manager) Inspect() []MessageView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vis := m.visibility()
	out := make([]MessageView, 0, len(m.messages))
	for _, msg := range m.messages {
		_, read := m.read[msg.ID]
		view := MessageView{
			ID:            msg.ID,
			Sequence:      msg.Sequence,
			Role:          msg.Role,
			UserTurnIndex: msg.UserTurnIndex,
			Depth:         msg.Depth(m.userTurns),
			TokenCount:    msg.TokenCount,
			Read:          read,
		}
		for _, p := range msg.Parts() {
			own := !p.IsEffectivelyPruned(m.userTurns, m.retention)
			state := StatePruned
			if vis[p.ID] {
				state = StateVisible
			}
			view.Parts = append(view.Parts, PartView{
				ID:           p.ID,
				Kind:         p.Kind(),
				State:        state,
				Pruning:      p.Pruning,
				TurnsToKeep:  p.EffectiveTurnsToKeep(m.retention),
				TurnsLeft:    p.TurnsLeft(m.userTurns, m.retention),
				PairAdjusted: own != vis[p.ID],
				Text:         llm.FormatValue(p.AsText()),
			})
		}
		for _, t := range m.removed[msg.ID] {
			view.Parts = append(view.Parts, PartView{
				ID:    t.PartID,
				Kind:  t.Kind,
				State: StateRemoved,
				Text:  t.Summary,
			})
		}
		sort.Slice(view.Parts, func(i, j int) bool { return view.Parts[i].ID < view.Parts[j].ID })
		out = append(out, view)
	}
	return out
}

// HardPrune frees parts that have been effectively pruned for at least the
// hard prune delay, counted in user turns. Tool call/response pairs go
// together or not at all. It returns the tombstones it created.
func (m *Manager) HardPrune() []Tombstone {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hardPruneDelay < 0 {
		return nil
	}

	var victims []*llm.Part
	for _, msg := range m.messages {
		for _, p := range msg.Parts() {
			if !m.expired(p) {
				continue
			}
			if id, _, ok := pairKey(p.Content); ok {
				if pr := m.pairs[id]; pr != nil && !m.pairExpired(pr) {
					continue
				}
			}
			victims = append(victims, p)
		}
	}

	out := make([]Tombstone, 0, len(victims))
	for _, p := range victims {
		if t, ok := m.remove(p, events.PartHardPruned); ok {
			out = append(out, t)
		}
	}
	if len(out) > 0 {
		m.logger.Debug("Hard pruned parts", "session", m.sessionID, "count", len(out), "turn", m.userTurns)
	}
	return out
}

func (m *Manager) expired(p *llm.Part) bool {
	if isPending(p) || !p.IsEffectivelyPruned(m.userTurns, m.retention) {
		return false
	}
	if p.Pruning == llm.PrunePruned {
		return m.userTurns-p.PrunedAtTurn >= m.hardPruneDelay
	}
	return p.Depth(m.userTurns)-p.EffectiveTurnsToKeep(m.retention) >= m.hardPruneDelay
}

func (m *Manager) pairExpired(pr *pair) bool {
	if pr.call != nil && !m.expired(pr.call) {
		return false
	}
	if pr.response != nil && !m.expired(pr.response) {
		return false
	}
	return true
}
