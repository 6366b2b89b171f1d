package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttached(turn int, contents ...Content) *Message {
	m := NewMessage(RoleUser, contents...)
	m.UserTurnIndex = turn
	m.Attach(&Sequencer{}, nil)
	return m
}

func TestPartRetention(t *testing.T) {
	r := DefaultRetention()

	t.Run("pinned is never pruned", func(t *testing.T) {
		m := newAttached(1, Text{Text: "keep me"})
		p := m.Parts()[0]
		p.Pruning = PrunePinned
		p.SetTurnsToKeep(0)
		for u := 1; u < 500; u += 37 {
			assert.False(t, p.IsEffectivelyPruned(u, r), "turn %d", u)
		}
	})

	t.Run("explicit prune wins over depth", func(t *testing.T) {
		m := newAttached(3, Text{Text: "hide me"})
		p := m.Parts()[0]
		p.Pruning = PrunePruned
		assert.True(t, p.IsEffectivelyPruned(3, r))
	})

	t.Run("zero turns visible only in creation turn", func(t *testing.T) {
		m := newAttached(2, Text{Text: "now"})
		p := m.Parts()[0]
		p.SetTurnsToKeep(0)
		assert.False(t, p.IsEffectivelyPruned(2, r))
		assert.True(t, p.IsEffectivelyPruned(3, r))
	})

	t.Run("negative turns visible forever", func(t *testing.T) {
		m := newAttached(1, Blob{MimeType: "image/png", Data: []byte{1, 2, 3}})
		p := m.Parts()[0]
		p.SetTurnsToKeep(-1)
		assert.False(t, p.IsEffectivelyPruned(10_000, r))
		assert.Equal(t, -1, p.TurnsLeft(10_000, r))
	})

	t.Run("pruned then auto then indefinite is visible", func(t *testing.T) {
		m := newAttached(1, Text{Text: "cycle"})
		p := m.Parts()[0]
		p.Pruning = PrunePruned
		require.True(t, p.IsEffectivelyPruned(500, r))
		p.Pruning = PruneAuto
		require.True(t, p.IsEffectivelyPruned(500, r))
		p.SetTurnsToKeep(-1)
		assert.False(t, p.IsEffectivelyPruned(500, r))
	})

	t.Run("variant defaults", func(t *testing.T) {
		m := newAttached(1,
			Text{Text: "t"},
			ModelText{Text: "m"},
			Blob{MimeType: "text/plain"},
			Rag{Text: "r"},
		)
		parts := m.Parts()
		assert.Equal(t, r.Text, parts[0].EffectiveTurnsToKeep(r))
		assert.Equal(t, r.Text, parts[1].EffectiveTurnsToKeep(r))
		assert.Equal(t, r.Blob, parts[2].EffectiveTurnsToKeep(r))
		assert.Equal(t, 0, parts[3].EffectiveTurnsToKeep(r))
		assert.Equal(t, r.Blob-2, parts[2].TurnsLeft(3, r))
	})
}

func TestMessageParts(t *testing.T) {
	seq := &Sequencer{}
	var removed []*Part

	m := NewMessage(RoleModel, ModelText{Text: "a"}, ModelText{Text: "b"})
	m.Attach(seq, func(p *Part) { removed = append(removed, p) })

	parts := m.Parts()
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.Same(t, m, p.Message())
	}
	assert.Less(t, parts[0].ID, parts[1].ID)

	extra := NewPart(ModelText{Text: "c"})
	m.Append(extra)
	assert.Same(t, m, extra.Message())
	assert.Greater(t, extra.ID, parts[1].ID)

	require.True(t, m.Remove(parts[0]))
	assert.Nil(t, parts[0].Message())
	assert.Equal(t, []*Part{parts[0]}, removed)
	assert.Equal(t, 2, m.Len())
	assert.False(t, m.Remove(parts[0]))
}

func TestPruningStateText(t *testing.T) {
	for _, s := range []PruningState{PruneAuto, PrunePinned, PrunePruned} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got PruningState
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var bad PruningState
	assert.Error(t, bad.UnmarshalText([]byte("sometimes")))
}
