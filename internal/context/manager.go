package context

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// HistoryChange is published when the history gains a message or loses a part
type HistoryChange struct {
	MessageID string   `json:"message_id"`
	Sequence  int64    `json:"sequence"`
	PartID    int64    `json:"part_id,omitempty"`
	Kind      llm.Kind `json:"kind,omitempty"`
	Turn      int      `json:"turn"`
}

// Options configures a Manager
type Options struct {
	SessionID      string
	Retention      llm.Retention
	HardPruneDelay int
	Logger         *log.Logger
}

// Manager owns the ordered history of one session and decides which parts
// are visible to the provider on each request. The orchestrator is the only
// writer; readers get copies.
type Manager struct {
	mu sync.RWMutex

	sessionID      string
	retention      llm.Retention
	hardPruneDelay int

	messages  []*llm.Message
	byID      map[string]*llm.Message
	parts     map[int64]*llm.Part
	pairs     map[string]*pair
	read      map[string]struct{}
	removed   map[string][]Tombstone
	userTurns int

	seq     llm.Sequencer
	partSeq llm.Sequencer

	tokens  *TokenCounter
	changes *events.Broker[HistoryChange]
	logger  *log.Logger
}

// pair links a tool call part with its response part
type pair struct {
	call     *llm.Part
	response *llm.Part
}

// NewManager creates an empty history
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.WithPrefix("context")
	}
	return &Manager{
		sessionID:      opts.SessionID,
		retention:      opts.Retention,
		hardPruneDelay: opts.HardPruneDelay,
		byID:           make(map[string]*llm.Message),
		parts:          make(map[int64]*llm.Part),
		pairs:          make(map[string]*pair),
		read:           make(map[string]struct{}),
		removed:        make(map[string][]Tombstone),
		tokens:         NewTokenCounter(),
		changes:        events.NewBroker[HistoryChange](),
		logger:         opts.Logger,
	}
}

// Add appends a message to the history. User messages advance the user turn
// counter. The message receives the next sequence number and its parts
// receive ids.
func (m *Manager) Add(msg *llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Role == llm.RoleUser {
		m.userTurns++
	}
	msg.UserTurnIndex = m.userTurns
	msg.Sequence = m.seq.Next()
	m.insert(msg)

	m.changes.Publish(events.MessageAdded, HistoryChange{
		MessageID: msg.ID,
		Sequence:  msg.Sequence,
		Turn:      m.userTurns,
	}, events.WithSessionID(m.sessionID))
}

// Restore replaces the history with previously stored messages, keeping
// their sequence numbers, turn indexes and part ids.
func (m *Manager) Restore(msgs []*llm.Message, userTurns int, tombstones []Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last int64
	for _, msg := range msgs {
		if msg.Sequence <= last {
			return fmt.Errorf("message %s: sequence %d is not after %d", msg.ID, msg.Sequence, last)
		}
		last = msg.Sequence
	}

	m.messages = nil
	m.byID = make(map[string]*llm.Message)
	m.parts = make(map[int64]*llm.Part)
	m.pairs = make(map[string]*pair)
	m.removed = make(map[string][]Tombstone)
	m.userTurns = userTurns
	for _, msg := range msgs {
		m.seq.Observe(msg.Sequence)
		m.insert(msg)
	}
	for _, t := range tombstones {
		m.removed[t.MessageID] = append(m.removed[t.MessageID], t)
		m.partSeq.Observe(t.PartID)
	}
	return nil
}

func (m *Manager) insert(msg *llm.Message) {
	msg.Attach(&m.partSeq, m.partRemoved)
	m.messages = append(m.messages, msg)
	m.byID[msg.ID] = msg
	for _, p := range msg.Parts() {
		m.index(p)
	}
}

// Append adds content to a message already in the history
func (m *Manager) Append(messageID string, c llm.Content) (*llm.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	p := llm.NewPart(c)
	msg.Append(p)
	m.index(p)
	return p, nil
}

func (m *Manager) index(p *llm.Part) {
	m.parts[p.ID] = p
	id, isCall, ok := pairKey(p.Content)
	if !ok {
		return
	}
	pr := m.pairs[id]
	if pr == nil {
		pr = &pair{}
		m.pairs[id] = pr
	}
	if isCall {
		pr.call = p
	} else {
		pr.response = p
	}
}

// pairKey extracts the call id linking a tool call to its response
func pairKey(c llm.Content) (id string, isCall bool, ok bool) {
	switch v := c.(type) {
	case *tools.ToolCall:
		return v.ID, true, true
	case *tools.ToolResponse:
		if v.Call() == nil {
			return "", false, false
		}
		return v.Call().ID, false, true
	case llm.FunctionCall:
		return v.ID, true, v.ID != ""
	case llm.FunctionResponse:
		return v.ID, false, v.ID != ""
	}
	return "", false, false
}

// partRemoved runs with m.mu held; parts only leave through the manager
func (m *Manager) partRemoved(p *llm.Part) {
	delete(m.parts, p.ID)
	if id, isCall, ok := pairKey(p.Content); ok {
		if pr := m.pairs[id]; pr != nil {
			if isCall {
				pr.call = nil
			} else {
				pr.response = nil
			}
			if pr.call == nil && pr.response == nil {
				delete(m.pairs, id)
			}
		}
	}
}

// RemovePart deletes a part from the history. It leaves a tombstone.
func (m *Manager) RemovePart(partID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[partID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPartNotFound, partID)
	}
	m.remove(p, events.PartRemoved)
	return nil
}

func (m *Manager) remove(p *llm.Part, reason events.EventType) (Tombstone, bool) {
	msg := p.Message()
	if msg == nil || !msg.Remove(p) {
		return Tombstone{}, false
	}
	t := Tombstone{
		PartID:    p.ID,
		MessageID: msg.ID,
		Kind:      p.Kind(),
		Summary:   llm.FormatValue(p.AsText()),
		Turn:      m.userTurns,
	}
	m.removed[msg.ID] = append(m.removed[msg.ID], t)
	m.changes.Publish(reason, HistoryChange{
		MessageID: msg.ID,
		Sequence:  msg.Sequence,
		PartID:    p.ID,
		Kind:      p.Kind(),
		Turn:      m.userTurns,
	}, events.WithSessionID(m.sessionID))
	m.tokens.Forget(p.ID)
	return t, true
}

// SetPruning changes the explicit pruning flag of a part
func (m *Manager) SetPruning(partID int64, state llm.PruningState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[partID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPartNotFound, partID)
	}
	if state == llm.PrunePruned && p.Pruning != llm.PrunePruned {
		p.PrunedAtTurn = m.userTurns
	}
	p.Pruning = state
	if msg := p.Message(); msg != nil {
		msg.Touch()
	}
	return nil
}

// SetTurnsToKeep overrides the retention of a part. A nil value restores the default.
func (m *Manager) SetTurnsToKeep(partID int64, turns *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[partID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPartNotFound, partID)
	}
	if turns == nil {
		p.ClearTurnsToKeep()
	} else {
		p.SetTurnsToKeep(*turns)
	}
	if msg := p.Message(); msg != nil {
		msg.Touch()
	}
	return nil
}

// SetRetention replaces the per-kind defaults, e.g. after a config reload
func (m *Manager) SetRetention(r llm.Retention, hardPruneDelay int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = r
	m.hardPruneDelay = hardPruneDelay
}

// Retention returns the per-kind defaults in effect
func (m *Manager) Retention() llm.Retention {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retention
}

// UserTurns is the number of user messages added so far
func (m *Manager) UserTurns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userTurns
}

// Messages returns a copy of the history in insertion order
func (m *Manager) Messages() []*llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*llm.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the number of messages
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Message looks up a message by id
func (m *Manager) Message(id string) (*llm.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.byID[id]
	return msg, ok
}

// Part looks up a live part by id
func (m *Manager) Part(id int64) (*llm.Part, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[id]
	return p, ok
}

// Last returns the most recent message with the given role
func (m *Manager) Last(role llm.Role) (*llm.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == role {
			return m.messages[i], true
		}
	}
	return nil, false
}

// Partner returns the other half of a tool call/response pair
func (m *Manager) Partner(partID int64) (*llm.Part, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partID]
	if !ok {
		return nil, false
	}
	id, isCall, ok := pairKey(p.Content)
	if !ok {
		return nil, false
	}
	pr := m.pairs[id]
	if pr == nil {
		return nil, false
	}
	if isCall {
		return pr.response, pr.response != nil
	}
	return pr.call, pr.call != nil
}

// Tombstones returns the parts removed from a message
func (m *Manager) Tombstones(messageID string) []Tombstone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tombstone, len(m.removed[messageID]))
	copy(out, m.removed[messageID])
	return out
}

// AllTombstones returns every tombstone in history order. Tombstones of
// messages no longer in the history follow, ordered by part id.
func (m *Manager) AllTombstones() []Tombstone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tombstone
	for _, msg := range m.messages {
		out = append(out, m.removed[msg.ID]...)
	}
	var orphans []Tombstone
	for id, ts := range m.removed {
		if _, ok := m.byID[id]; !ok {
			orphans = append(orphans, ts...)
		}
	}
	slices.SortFunc(orphans, func(a, b Tombstone) int { return cmp.Compare(a.PartID, b.PartID) })
	return append(out, orphans...)
}

// MarkRead records that the UI has shown a message
func (m *Manager) MarkRead(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read[messageID] = struct{}{}
}

// IsRead reports whether a message was marked read
func (m *Manager) IsRead(messageID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.read[messageID]
	return ok
}

// Unread returns the ids of messages not yet marked read
func (m *Manager) Unread() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, msg := range m.messages {
		if _, ok := m.read[msg.ID]; !ok {
			out = append(out, msg.ID)
		}
	}
	return out
}

// TokenCount sums the provider token counts of the history. Messages without
// a provider count are estimated from their text.
func (m *Manager) TokenCount(model string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, msg := range m.messages {
		if msg.TokenCount > 0 {
			total += msg.TokenCount
			continue
		}
		total += m.tokens.CountMessage(msg, model)
	}
	return total
}

// Subscribe streams history changes until ctx is done
func (m *Manager) Subscribe(ctx context.Context) <-chan events.Event[HistoryChange] {
	return m.changes.Subscribe(ctx)
}

// Close releases subscribers
func (m *Manager) Close() {
	m.changes.Shutdown()
}
