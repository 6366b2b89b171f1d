package markdown

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Format selects how replies are written to the terminal
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatTerminal Format = "terminal"
)

// ParseFormat accepts the --format flag values. "text" is an alias for plain.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "terminal", "term":
		return FormatTerminal, nil
	case "plain", "text":
		return FormatPlain, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want terminal, plain or markdown)", s)
	}
}

// RendererConfig holds configuration for markdown rendering
type RendererConfig struct {
	Width int
	// Style is a glamour standard style name; empty picks one from the terminal
	Style string
}

// ChatConfig returns a configuration optimized for chat messages
func ChatConfig() *RendererConfig {
	return &RendererConfig{Width: 100}
}

// Renderer wraps glamour for chat replies
type Renderer struct {
	glamourRenderer *glamour.TermRenderer
	format          Format
}

// NewRenderer creates a renderer for format. Only FormatTerminal builds a
// glamour renderer; the other formats pass text through.
func NewRenderer(format Format, config *RendererConfig) (*Renderer, error) {
	r := &Renderer{format: format}
	if format != FormatTerminal {
		return r, nil
	}
	if config == nil {
		config = ChatConfig()
	}

	style := glamour.WithAutoStyle()
	if config.Style != "" {
		style = glamour.WithStandardStyle(config.Style)
	}
	glamourRenderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(config.Width))
	if err != nil {
		return nil, fmt.Errorf("failed to create glamour renderer: %w", err)
	}
	r.glamourRenderer = glamourRenderer
	return r, nil
}

// Format returns the output format of the renderer
func (r *Renderer) Format() Format { return r.format }

// Render renders markdown content for the configured format
func (r *Renderer) Render(markdown string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", nil
	}
	processed := preprocessMarkdown(markdown)
	switch r.format {
	case FormatPlain:
		return Plain(processed), nil
	case FormatMarkdown:
		return processed, nil
	}

	rendered, err := r.glamourRenderer.Render(processed)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return collapseBlankLines(rendered), nil
}

// preprocessMarkdown trims trailing whitespace outside code fences
func preprocessMarkdown(markdown string) string {
	lines := strings.Split(markdown, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			lines[i] = strings.TrimRight(line, " \t")
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// collapseBlankLines allows at most one consecutive blank line
func collapseBlankLines(rendered string) string {
	lines := strings.Split(rendered, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		result = append(result, line)
	}
	return strings.Join(result, "\n")
}

// Plain strips the most common inline markdown markers, leaving code
// fences and their content untouched
func Plain(markdown string) string {
	lines := strings.Split(markdown, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for strings.HasPrefix(trimmed, "#") {
			trimmed = strings.TrimPrefix(trimmed, "#")
		}
		if trimmed != strings.TrimSpace(line) {
			line = strings.TrimSpace(trimmed)
		}
		line = strings.ReplaceAll(line, "**", "")
		line = strings.ReplaceAll(line, "__", "")
		line = strings.ReplaceAll(line, "`", "")
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
