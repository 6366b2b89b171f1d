package storage

import (
	"time"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	history "github.com/entrepeneur4lyf/forgechat/internal/context"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// DocumentVersion is written to every snapshot
const DocumentVersion = 1

// Document is the serialised form of a session. Struct tags serve both the
// JSON and the CBOR codec.
type Document struct {
	Version    int                   `json:"version"`
	SessionID  string                `json:"session_id"`
	Nickname   string                `json:"nickname,omitempty"`
	Summary    string                `json:"summary,omitempty"`
	SavedAt    time.Time             `json:"saved_at"`
	Settings   Settings              `json:"settings"`
	UserTurns  int                   `json:"user_turns"`
	Messages   []MessageDoc          `json:"messages"`
	Tombstones []history.Tombstone   `json:"tombstones,omitempty"`
	ApiErrors  []chat.ApiErrorRecord `json:"api_errors,omitempty"`
	Counters   chat.Counters         `json:"counters"`
}

// Settings is the session configuration stored alongside the history
type Settings struct {
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model"`
	Retention      llm.Retention    `json:"retention"`
	HardPruneDelay int              `json:"hard_prune_delay"`
	TokenThreshold int              `json:"token_threshold"`
	Retry          chat.RetryPolicy `json:"retry"`
}

// MessageDoc is one message of a snapshot
type MessageDoc struct {
	ID            string    `json:"id"`
	Sequence      int64     `json:"sequence"`
	Role          llm.Role  `json:"role"`
	Timestamp     time.Time `json:"timestamp"`
	TokenCount    int       `json:"token_count,omitempty"`
	UserTurnIndex int       `json:"user_turn_index"`
	ModelID       string    `json:"model_id,omitempty"`
	FinishReason  string    `json:"finish_reason,omitempty"`
	Parts         []PartDoc `json:"parts"`
}

// PartDoc is one part of a message. Exactly one of the content fields is
// set, selected by Kind.
type PartDoc struct {
	ID           int64            `json:"id"`
	Kind         llm.Kind         `json:"kind"`
	Pruning      llm.PruningState `json:"pruning"`
	TurnsToKeep  *int             `json:"turns_to_keep,omitempty"`
	PrunedAtTurn int              `json:"pruned_at_turn,omitempty"`

	Text     *llm.ModelText `json:"text,omitempty"`
	Blob     *BlobDoc       `json:"blob,omitempty"`
	Rag      *llm.Rag       `json:"rag,omitempty"`
	Call     *CallDoc       `json:"call,omitempty"`
	Response *ResponseDoc   `json:"response,omitempty"`
}

// BlobDoc stores blob bytes inline, or only the source path when the blob
// was read from a file
type BlobDoc struct {
	MimeType   string `json:"mime_type"`
	Data       []byte `json:"data,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	Size       int    `json:"size"`
}

// CallDoc is a stored tool call
type CallDoc struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ResponseDoc is a stored tool response. CallID links it to its call.
type ResponseDoc struct {
	CallID      string         `json:"call_id"`
	Name        string         `json:"name"`
	Status      tools.Status   `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Diagnostic  string         `json:"diagnostic,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	Outcome     *tools.Outcome `json:"outcome,omitempty"`
	Attachments []BlobDoc      `json:"attachments,omitempty"`
}

// IndexEntry is a row of the session index
type IndexEntry struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	Summary      string    `json:"summary"`
	Path         string    `json:"path"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Tokens       int       `json:"tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
}
