package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	history "github.com/entrepeneur4lyf/forgechat/internal/context"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

func calcRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.ToolkitSpec{
		Name: "calc",
		Tools: []tools.ToolSpec{{
			Name:        "add",
			AutoApprove: true,
			Parameters: []tools.Parameter{
				tools.Param[int]("a", "first"),
				tools.Param[int]("b", "second"),
			},
			Execute: func(_ context.Context, args tools.Args) (any, error) {
				return tools.Arg[int](args, "a") + tools.Arg[int](args, "b"), nil
			},
		}},
	}))
	return reg
}

func newManager() *history.Manager {
	return history.NewManager(history.Options{
		SessionID:      "snap-1",
		Retention:      llm.DefaultRetention(),
		HardPruneDelay: llm.DefaultHardPruneDelay,
	})
}

// sampleState builds a history that exercises every part variant
func sampleState(t *testing.T, reg *tools.Registry) chat.State {
	t.Helper()
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "diagram.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("\x89PNG fake image"), 0644))

	m := newManager()
	m.Add(llm.NewMessage(llm.RoleUser,
		llm.Text{Text: "add 1 and 2, and look at this"},
		llm.Blob{MimeType: "image/png", Data: []byte("\x89PNG fake image"), SourcePath: imgPath},
		llm.Blob{MimeType: "text/plain", Data: []byte("inline notes")},
	))

	call := tools.NewCall(reg, "call-1", "calc.add", map[string]any{"a": 1.0, "b": 2.0})
	model := llm.NewMessage(llm.RoleModel,
		llm.ModelText{Text: "thinking", Thought: true, Signature: []byte("sig-1")},
		llm.ModelText{Text: "Adding."},
		call,
	)
	model.ModelID = "gemini-2.5-flash"
	model.FinishReason = llm.FinishToolCalls
	model.TokenCount = 17
	m.Add(model)
	require.NoError(t, call.Response().Execute(context.Background()))
	m.Add(llm.NewMessage(llm.RoleTool, call.Response()))

	// a call to a tool that no longer exists
	ghost := tools.NewCall(reg, "call-2", "gone.tool", map[string]any{"x": "y"})
	m.Add(llm.NewMessage(llm.RoleModel, ghost))
	m.Add(llm.NewMessage(llm.RoleTool, ghost.Response()))

	m.Add(llm.NewMessage(llm.RoleModel, llm.ModelText{Text: "The answer is 3."}))

	first := m.Messages()[0].Parts()
	require.NoError(t, m.SetPruning(first[0].ID, llm.PrunePinned))
	keep := 1
	require.NoError(t, m.SetTurnsToKeep(first[2].ID, &keep))

	return chat.State{
		SessionID:  "snap-1",
		Nickname:   "adder",
		Summary:    "adds numbers",
		Model:      "gemini-2.5-flash",
		Messages:   m.Messages(),
		UserTurns:  m.UserTurns(),
		Tombstones: []history.Tombstone{{PartID: 99, MessageID: "gone", Kind: llm.KindBlob, Summary: "[blob]", Turn: 1}},
		ApiErrors: []chat.ApiErrorRecord{{
			ModelID: "gemini-2.5-flash", Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Attempt: 1, Backoff: time.Second, Error: "503 unavailable", StatusCode: 503, Retryable: true,
		}},
		Counters: chat.Counters{Exchanges: 2, PromptTokens: 40, TotalTokens: 57, ToolCalls: 2, ToolCallsExecuted: 1},
	}
}

func projectJSON(t *testing.T, msgs []*llm.Message, userTurns int) string {
	t.Helper()
	m := newManager()
	require.NoError(t, m.Restore(msgs, userTurns, nil))
	b, err := json.Marshal(m.Project())
	require.NoError(t, err)
	return string(b)
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path       string
		format     Format
		compressed bool
	}{
		{"s.json", FormatJSON, false},
		{"s.cbor", FormatCBOR, false},
		{"dir/s.CBOR.zst", FormatCBOR, true},
		{"s.json.zst", FormatJSON, true},
		{"s.snapshot", FormatJSON, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f, c := FormatFor(tt.path)
			assert.Equal(t, tt.format, f)
			assert.Equal(t, tt.compressed, c)
		})
	}
	assert.Equal(t, ".cbor.zst", FormatCBOR.Extension(true))
	assert.Equal(t, ".json", FormatJSON.Extension(false))
}

func TestSnapshotRoundTrip(t *testing.T) {
	reg := calcRegistry(t)
	st := sampleState(t, reg)
	settings := Settings{
		Provider:       "gemini",
		Retention:      llm.DefaultRetention(),
		HardPruneDelay: 10,
		TokenThreshold: 50000,
		Retry:          chat.DefaultRetryPolicy(),
	}
	doc, err := Capture(st, settings, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", doc.Settings.Model)
	want := projectJSON(t, st.Messages, st.UserTurns)

	for _, name := range []string{"s.json", "s.cbor", "s.json.zst", "s.cbor.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Save(path, doc))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, doc.Settings, loaded.Settings)
			assert.True(t, doc.SavedAt.Equal(loaded.SavedAt))

			got, err := loaded.State(reg)
			require.NoError(t, err)
			assert.Equal(t, st.SessionID, got.SessionID)
			assert.Equal(t, st.Nickname, got.Nickname)
			assert.Equal(t, st.Summary, got.Summary)
			assert.Equal(t, st.Model, got.Model)
			assert.Equal(t, st.UserTurns, got.UserTurns)
			assert.Equal(t, st.Tombstones, got.Tombstones)
			assert.Equal(t, st.Counters, got.Counters)
			require.Len(t, got.ApiErrors, 1)
			assert.True(t, st.ApiErrors[0].Timestamp.Equal(got.ApiErrors[0].Timestamp))
			assert.Equal(t, st.ApiErrors[0].Backoff, got.ApiErrors[0].Backoff)

			require.Len(t, got.Messages, len(st.Messages))
			for i, want := range st.Messages {
				m := got.Messages[i]
				assert.Equal(t, want.ID, m.ID)
				assert.Equal(t, want.Sequence, m.Sequence)
				assert.Equal(t, want.Role, m.Role)
				assert.Equal(t, want.UserTurnIndex, m.UserTurnIndex)
				assert.Equal(t, want.TokenCount, m.TokenCount)
				assert.Equal(t, want.ModelID, m.ModelID)
				assert.Equal(t, want.FinishReason, m.FinishReason)
				assert.True(t, want.Timestamp.Equal(m.Timestamp))

				wantParts, gotParts := want.Parts(), m.Parts()
				require.Len(t, gotParts, len(wantParts))
				for j, wp := range wantParts {
					gp := gotParts[j]
					assert.Equal(t, wp.ID, gp.ID)
					assert.Equal(t, wp.Kind(), gp.Kind())
					assert.Equal(t, wp.Pruning, gp.Pruning)
					assert.Equal(t, wp.TurnsToKeep, gp.TurnsToKeep)
					assert.Equal(t, wp.PrunedAtTurn, gp.PrunedAtTurn)
					assert.Equal(t, wp.AsText(), gp.AsText())
				}
			}

			// restoring yields the same provider view
			assert.JSONEq(t, want, projectJSON(t, got.Messages, got.UserTurns))
		})
	}
}

func TestSnapshotToolPairs(t *testing.T) {
	reg := calcRegistry(t)
	doc, err := Capture(sampleState(t, reg), Settings{}, time.Now())
	require.NoError(t, err)

	got, err := doc.State(reg)
	require.NoError(t, err)

	call := got.Messages[1].Parts()[2].Content.(*tools.ToolCall)
	resp := got.Messages[2].Parts()[0].Content.(*tools.ToolResponse)
	assert.Same(t, call.Response(), resp)
	assert.Same(t, call, resp.Call())
	assert.Equal(t, tools.StatusExecuted, resp.Status)
	assert.False(t, call.IsBad())
	assert.Equal(t, 1, tools.Arg[int](call.Args, "a"))

	ghost := got.Messages[3].Parts()[0].Content.(*tools.ToolCall)
	assert.True(t, ghost.IsBad())
	assert.Equal(t, "gone.tool", ghost.Name())
	assert.Equal(t, tools.StatusNotExecuted, ghost.Response().Status)

	t.Run("unregistered toolkit", func(t *testing.T) {
		got, err := doc.State(tools.NewRegistry())
		require.NoError(t, err)
		call := got.Messages[1].Parts()[2].Content.(*tools.ToolCall)
		assert.True(t, call.IsBad())
		assert.Equal(t, tools.StatusExecuted, call.Response().Status)
	})

	t.Run("orphan response", func(t *testing.T) {
		orphan := *doc
		orphan.Messages = append([]MessageDoc{}, doc.Messages...)
		orphan.Messages[1].Parts = orphan.Messages[1].Parts[:2]
		got, err := orphan.State(reg)
		require.NoError(t, err)
		resp := got.Messages[2].Parts()[0].Content.(*tools.ToolResponse)
		require.NotNil(t, resp.Call())
		assert.Equal(t, "call-1", resp.Call().ID)
	})
}

func TestSnapshotBlobByReference(t *testing.T) {
	reg := calcRegistry(t)
	st := sampleState(t, reg)
	doc, err := Capture(st, Settings{}, time.Now())
	require.NoError(t, err)

	blobs := doc.Messages[0].Parts
	require.NotNil(t, blobs[1].Blob)
	assert.Empty(t, blobs[1].Blob.Data)
	assert.NotEmpty(t, blobs[1].Blob.SourcePath)
	assert.Equal(t, len("\x89PNG fake image"), blobs[1].Blob.Size)
	assert.Equal(t, []byte("inline notes"), blobs[2].Blob.Data)

	t.Run("reloaded from source", func(t *testing.T) {
		got, err := doc.State(reg)
		require.NoError(t, err)
		blob := got.Messages[0].Parts()[1].Content.(llm.Blob)
		assert.Equal(t, []byte("\x89PNG fake image"), blob.Data)
	})

	t.Run("missing source", func(t *testing.T) {
		require.NoError(t, os.Remove(blobs[1].Blob.SourcePath))
		got, err := doc.State(reg)
		require.NoError(t, err)
		blob := got.Messages[0].Parts()[1].Content.(llm.Blob)
		assert.Empty(t, blob.Data)
		assert.Equal(t, "image/png", blob.MimeType)
	})
}

func TestRestoreIntoSession(t *testing.T) {
	reg := calcRegistry(t)
	st := sampleState(t, reg)
	doc, err := Capture(st, Settings{}, time.Now())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "adder.cbor.zst")
	require.NoError(t, Save(path, doc))

	loaded, err := Load(path)
	require.NoError(t, err)
	restored, err := loaded.State(reg)
	require.NoError(t, err)

	m := newManager()
	require.NoError(t, m.Restore(restored.Messages, restored.UserTurns, restored.Tombstones))
	assert.Equal(t, 1, m.UserTurns())
	assert.Len(t, m.AllTombstones(), 1)

	next := llm.NewMessage(llm.RoleUser, llm.Text{Text: "again"})
	m.Add(next)
	assert.Greater(t, next.Sequence, restored.Messages[len(restored.Messages)-1].Sequence)
	assert.Greater(t, next.Parts()[0].ID, int64(99))
}

func TestDocumentValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"no version", Document{SessionID: "a"}},
		{"future version", Document{Version: DocumentVersion + 1, SessionID: "a"}},
		{"no session", Document{Version: DocumentVersion}},
		{"out of order", Document{Version: DocumentVersion, SessionID: "a", Messages: []MessageDoc{
			{ID: "m2", Sequence: 2}, {ID: "m1", Sequence: 1},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.doc.Validate(), ErrInvalidDocument)
		})
	}

	t.Run("part without content", func(t *testing.T) {
		doc := Document{Version: DocumentVersion, SessionID: "a", Messages: []MessageDoc{
			{ID: "m1", Sequence: 1, Role: llm.RoleUser, Parts: []PartDoc{{ID: 1, Kind: llm.KindText}}},
		}}
		_, err := doc.State(nil)
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "session_id": ""}`), 0644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})
}
