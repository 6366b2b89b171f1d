package providers

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// sampleRequest is a second-round request: the model already asked for
// calc.add and the result is in history
func sampleRequest(model string) *llm.Request {
	temp := float32(0.3)
	maxTokens := int32(1024)
	return &llm.Request{
		Model:  model,
		APIKey: "test-key-0001",
		History: []llm.RequestMessage{
			{Role: llm.RoleUser, Contents: []llm.Content{llm.Text{Text: "add 2 and 3"}}},
			{Role: llm.RoleModel, Contents: []llm.Content{
				llm.ModelText{Text: "Let me add those."},
				llm.FunctionCall{ID: "call-1", Name: "calc.add", Args: map[string]any{"a": 2.0, "b": 3.0}},
			}},
			{Role: llm.RoleTool, Contents: []llm.Content{
				llm.FunctionResponse{ID: "call-1", Name: "calc.add", Response: map[string]any{"output": 5.0}},
			}},
			{Role: llm.RoleRag, Contents: []llm.Content{llm.Rag{Source: "core-session-metadata", Text: "## Current Session Metadata"}}},
		},
		Config: llm.RequestConfig{
			SystemInstructions: []string{"Be brief.", "Current Chat Status: API Call in Progress"},
			Temperature:        &temp,
			MaxOutputTokens:    &maxTokens,
			Tools: []llm.ToolDeclaration{{
				Name:             "calc.add",
				Description:      "Adds two numbers",
				ParametersSchema: `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`,
			}},
		},
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gemini-2.5-flash", Gemini},
		{"models/gemini-1.5-pro", Gemini},
		{"claude-sonnet-4-20250514", Anthropic},
		{"anthropic/claude-3-5-haiku", Anthropic},
		{"gpt-4o", OpenAI},
		{"o3-mini", OpenAI},
		{"openai/gpt-4.1", OpenAI},
		{"llama-3-70b", ""},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectProvider(tt.model))
		})
	}

	assert.Equal(t, Anthropic, Resolve("Anthropic", "gpt-4o", Gemini))
	assert.Equal(t, OpenAI, Resolve("", "gpt-4o", Gemini))
	assert.Equal(t, Gemini, Resolve("", "mystery", Gemini))
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		p, err := New(name, Options{})
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := New("acme", Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestToolNames(t *testing.T) {
	names := newToolNames([]llm.ToolDeclaration{{Name: "calc.add"}, {Name: "files.read_file"}})

	assert.Equal(t, "calc__add", names.wire("calc.add"))
	assert.Equal(t, "files__read_file", names.wire("files.read_file"))
	assert.Equal(t, "calc.add", names.registry("calc__add"))
	assert.Equal(t, "files.read_file", names.registry("files__read_file"))

	// names only seen in history still round trip
	assert.Equal(t, "old__tool", names.wire("old.tool"))
	assert.Equal(t, "old.tool", names.registry("old__tool"))
	assert.Equal(t, "gone.away", names.registry("gone__away"))

	assert.Equal(t, "a_b", wireToolName("a b"))
	assert.Len(t, wireToolName(string(make([]byte, 100))), 64)
}

func TestParseSchema(t *testing.T) {
	s := parseSchema(`{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`)
	assert.Equal(t, []string{"a"}, requiredFields(s))

	empty := parseSchema("")
	assert.Equal(t, "object", empty["type"])
	assert.Empty(t, requiredFields(empty))
}
