package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

var (
	ErrUnsupportedContent = errors.New("unsupported part content")
	ErrInvalidDocument    = errors.New("invalid snapshot document")
)

// Capture builds a snapshot document from a session state
func Capture(st chat.State, settings Settings, now time.Time) (*Document, error) {
	if settings.Model == "" {
		settings.Model = st.Model
	}
	doc := &Document{
		Version:    DocumentVersion,
		SessionID:  st.SessionID,
		Nickname:   st.Nickname,
		Summary:    st.Summary,
		SavedAt:    now,
		Settings:   settings,
		UserTurns:  st.UserTurns,
		Messages:   make([]MessageDoc, 0, len(st.Messages)),
		Tombstones: st.Tombstones,
		ApiErrors:  st.ApiErrors,
		Counters:   st.Counters,
	}
	for _, m := range st.Messages {
		md := MessageDoc{
			ID:            m.ID,
			Sequence:      m.Sequence,
			Role:          m.Role,
			Timestamp:     m.Timestamp,
			TokenCount:    m.TokenCount,
			UserTurnIndex: m.UserTurnIndex,
			ModelID:       m.ModelID,
			FinishReason:  m.FinishReason,
		}
		for _, p := range m.Parts() {
			pd, err := encodePart(p)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.ID, err)
			}
			md.Parts = append(md.Parts, pd)
		}
		doc.Messages = append(doc.Messages, md)
	}
	return doc, nil
}

// CaptureSession snapshots a live session. The session should be idle.
func CaptureSession(sess *chat.Session, settings Settings) (*Document, error) {
	return Capture(sess.State(), settings, time.Now())
}

func encodePart(p *llm.Part) (PartDoc, error) {
	pd := PartDoc{
		ID:           p.ID,
		Kind:         p.Kind(),
		Pruning:      p.Pruning,
		PrunedAtTurn: p.PrunedAtTurn,
	}
	if p.TurnsToKeep != nil {
		n := *p.TurnsToKeep
		pd.TurnsToKeep = &n
	}
	switch c := p.Content.(type) {
	case llm.Text:
		pd.Text = &llm.ModelText{Text: c.Text}
	case llm.ModelText:
		pd.Text = &c
	case llm.Blob:
		b := blobDoc(c)
		pd.Blob = &b
	case llm.Rag:
		pd.Rag = &c
	case *tools.ToolCall:
		pd.Call = &CallDoc{ID: c.ID, Name: c.Name(), Args: c.RawArgs}
	case *tools.ToolResponse:
		pd.Response = responseDoc(c)
	case llm.FunctionCall:
		pd.Call = &CallDoc{ID: c.ID, Name: c.Name, Args: c.Args}
	case llm.FunctionResponse:
		pd.Response = &ResponseDoc{CallID: c.ID, Name: c.Name, Status: tools.StatusExecuted, Result: c.Response}
	default:
		return pd, fmt.Errorf("%w: %T", ErrUnsupportedContent, p.Content)
	}
	return pd, nil
}

func blobDoc(b llm.Blob) BlobDoc {
	d := BlobDoc{MimeType: b.MimeType, SourcePath: b.SourcePath, Size: len(b.Data)}
	if b.SourcePath == "" {
		d.Data = b.Data
	}
	return d
}

func responseDoc(r *tools.ToolResponse) *ResponseDoc {
	d := &ResponseDoc{
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
		Diagnostic: r.Diagnostic,
		Duration:   r.Duration,
		Logs:       r.Logs,
		Feedback:   r.Feedback,
		Outcome:    r.Outcome,
	}
	if call := r.Call(); call != nil {
		d.CallID = call.ID
		d.Name = call.Name()
	}
	for _, a := range r.Attachments {
		d.Attachments = append(d.Attachments, blobDoc(a))
	}
	return d
}

// State rebuilds the session state. Tool calls are bound against reg; tools
// that are no longer registered come back as bad tools.
func (d *Document) State(reg *tools.Registry) (chat.State, error) {
	if err := d.Validate(); err != nil {
		return chat.State{}, err
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}

	// responses are built first so each call is restored already paired
	responses := make(map[string]*tools.ToolResponse)
	for _, md := range d.Messages {
		for _, pd := range md.Parts {
			if pd.Response != nil {
				responses[pd.Response.CallID] = pd.Response.restore()
			}
		}
	}

	st := chat.State{
		SessionID:  d.SessionID,
		Nickname:   d.Nickname,
		Summary:    d.Summary,
		Model:      d.Settings.Model,
		UserTurns:  d.UserTurns,
		Tombstones: d.Tombstones,
		ApiErrors:  d.ApiErrors,
		Counters:   d.Counters,
		Messages:   make([]*llm.Message, 0, len(d.Messages)),
	}
	calls := make(map[string]*tools.ToolCall)
	for _, md := range d.Messages {
		m := &llm.Message{
			ID:            md.ID,
			Sequence:      md.Sequence,
			Role:          md.Role,
			Timestamp:     md.Timestamp,
			TokenCount:    md.TokenCount,
			UserTurnIndex: md.UserTurnIndex,
			ModelID:       md.ModelID,
			FinishReason:  md.FinishReason,
		}
		for _, pd := range md.Parts {
			var content llm.Content
			switch pd.Kind {
			case llm.KindText:
				if pd.Text == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no text", ErrInvalidDocument, pd.ID)
				}
				content = llm.Text{Text: pd.Text.Text}
			case llm.KindModelText:
				if pd.Text == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no text", ErrInvalidDocument, pd.ID)
				}
				content = *pd.Text
			case llm.KindBlob:
				if pd.Blob == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no blob", ErrInvalidDocument, pd.ID)
				}
				content = pd.Blob.restore()
			case llm.KindRag:
				if pd.Rag == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no rag content", ErrInvalidDocument, pd.ID)
				}
				content = *pd.Rag
			case llm.KindToolCall:
				if pd.Call == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no call", ErrInvalidDocument, pd.ID)
				}
				call := tools.RestoreCall(reg, pd.Call.ID, pd.Call.Name, pd.Call.Args, responses[pd.Call.ID])
				calls[call.ID] = call
				content = call
			case llm.KindToolResponse:
				if pd.Response == nil {
					return chat.State{}, fmt.Errorf("%w: part %d has no response", ErrInvalidDocument, pd.ID)
				}
				if call, ok := calls[pd.Response.CallID]; ok {
					content = call.Response()
				} else {
					// the call was hard pruned; give the response a detached call
					call := tools.RestoreCall(reg, pd.Response.CallID, pd.Response.Name, nil, responses[pd.Response.CallID])
					content = call.Response()
				}
			default:
				return chat.State{}, fmt.Errorf("%w: part %d has kind %s", ErrUnsupportedContent, pd.ID, pd.Kind)
			}

			part := &llm.Part{
				ID:           pd.ID,
				Content:      content,
				Pruning:      pd.Pruning,
				PrunedAtTurn: pd.PrunedAtTurn,
			}
			if pd.TurnsToKeep != nil {
				part.SetTurnsToKeep(*pd.TurnsToKeep)
			}
			m.Append(part)
		}
		st.Messages = append(st.Messages, m)
	}
	return st, nil
}

// Validate checks the document header and message ordering
func (d *Document) Validate() error {
	if d.Version < 1 || d.Version > DocumentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidDocument, d.Version)
	}
	if d.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidDocument)
	}
	var last int64
	for i, m := range d.Messages {
		if i > 0 && m.Sequence <= last {
			return fmt.Errorf("%w: message %s out of sequence", ErrInvalidDocument, m.ID)
		}
		last = m.Sequence
	}
	return nil
}

// MessageTokens sums the token counts stored on messages
func (d *Document) MessageTokens() int {
	total := 0
	for _, m := range d.Messages {
		total += m.TokenCount
	}
	return total
}

func (r *ResponseDoc) restore() *tools.ToolResponse {
	resp := &tools.ToolResponse{
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
		Diagnostic: r.Diagnostic,
		Duration:   r.Duration,
		Logs:       r.Logs,
		Feedback:   r.Feedback,
		Outcome:    r.Outcome,
	}
	for _, a := range r.Attachments {
		resp.Attachments = append(resp.Attachments, a.restore())
	}
	return resp
}

// restore reloads referenced blobs from disk. A missing file leaves the
// blob empty so the rest of the session still loads.
func (b BlobDoc) restore() llm.Blob {
	blob := llm.Blob{MimeType: b.MimeType, Data: b.Data, SourcePath: b.SourcePath}
	if b.SourcePath == "" || len(b.Data) > 0 {
		return blob
	}
	data, err := os.ReadFile(b.SourcePath)
	if err != nil {
		log.Warn("Blob source unavailable", "path", b.SourcePath, "err", err)
		return blob
	}
	blob.Data = data
	return blob
}
