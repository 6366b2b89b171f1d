package llm

import (
	"encoding/json"
	"fmt"
)

// Text is plain user-authored text
type Text struct {
	Text string `json:"text"`
}

func (Text) Kind() Kind { return KindText }

func (t Text) AsText() string { return t.Text }

// ModelText is text produced by the model; Thought marks reasoning output
type ModelText struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
	// Signature is an opaque vendor token tied to thought parts
	Signature []byte `json:"signature,omitempty"`
}

func (ModelText) Kind() Kind { return KindModelText }

func (t ModelText) AsText() string {
	if t.Thought {
		return "[thought] " + t.Text
	}
	return t.Text
}

// Blob is binary content. SourcePath is set when the bytes came from a file
// and lets snapshots store the blob by reference.
type Blob struct {
	MimeType   string `json:"mime_type"`
	Data       []byte `json:"data,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
}

func (Blob) Kind() Kind { return KindBlob }

func (b Blob) AsText() string {
	if b.SourcePath != "" {
		return fmt.Sprintf("[blob %s %s %s]", b.MimeType, FormatSize(int64(len(b.Data))), b.SourcePath)
	}
	return fmt.Sprintf("[blob %s %s]", b.MimeType, FormatSize(int64(len(b.Data))))
}

// Rag is synthetic context injected by a context provider
type Rag struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

func (Rag) Kind() Kind { return KindRag }

func (r Rag) AsText() string { return r.Text }

// FunctionCall is the vendor-neutral form of a model tool invocation
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

func (FunctionCall) Kind() Kind { return KindToolCall }

func (c FunctionCall) AsText() string {
	args, _ := json.Marshal(c.Args)
	return fmt.Sprintf("%s(%s)", c.Name, args)
}

// FunctionResponse is the vendor-neutral form of a tool result sent back to the model
type FunctionResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Response    map[string]any `json:"response"`
	Attachments []Blob         `json:"attachments,omitempty"`
}

func (FunctionResponse) Kind() Kind { return KindToolResponse }

func (r FunctionResponse) AsText() string {
	body, _ := json.Marshal(r.Response)
	return fmt.Sprintf("%s -> %s", r.Name, body)
}

// Wireable is implemented by history content that must be converted before
// it is handed to a provider.
type Wireable interface {
	Wire() Content
}
