package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatTerminal},
		{"terminal", FormatTerminal},
		{"text", FormatPlain},
		{"PLAIN", FormatPlain},
		{"md", FormatMarkdown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseFormat("html")
	assert.Error(t, err)
}

func TestRenderer(t *testing.T) {
	src := "# Title  \n\nSome **bold** and `code`.\n\n```go\nx := 1  \n```\n"

	t.Run("markdown passes through", func(t *testing.T) {
		r, err := NewRenderer(FormatMarkdown, nil)
		require.NoError(t, err)
		out, err := r.Render(src)
		require.NoError(t, err)
		assert.Equal(t, "# Title\n\nSome **bold** and `code`.\n\n```go\nx := 1  \n```", out)
	})

	t.Run("plain strips markers", func(t *testing.T) {
		r, err := NewRenderer(FormatPlain, nil)
		require.NoError(t, err)
		out, err := r.Render(src)
		require.NoError(t, err)
		assert.Contains(t, out, "Title\n")
		assert.Contains(t, out, "Some bold and code.")
		assert.Contains(t, out, "x := 1")
	})

	t.Run("terminal", func(t *testing.T) {
		r, err := NewRenderer(FormatTerminal, &RendererConfig{Width: 60, Style: "notty"})
		require.NoError(t, err)
		out, err := r.Render(src)
		require.NoError(t, err)
		assert.Contains(t, out, "Title")
		assert.Contains(t, out, "bold")
		assert.NotContains(t, out, "\n\n\n")
	})

	t.Run("empty", func(t *testing.T) {
		r, err := NewRenderer(FormatTerminal, nil)
		require.NoError(t, err)
		out, err := r.Render("  \n")
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
