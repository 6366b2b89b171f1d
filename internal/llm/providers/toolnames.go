package providers

import (
	"encoding/json"
	"strings"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// toolNames maps registry names ("toolkit.tool") to a vendor-safe form and back.
// Vendors accept [a-zA-Z0-9_-] only, so a dot becomes a double underscore.
type toolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

func newToolNames(decls []llm.ToolDeclaration) *toolNames {
	n := &toolNames{
		toWire:   make(map[string]string, len(decls)),
		fromWire: make(map[string]string, len(decls)),
	}
	for _, d := range decls {
		n.add(d.Name)
	}
	return n
}

func (n *toolNames) add(name string) string {
	if w, ok := n.toWire[name]; ok {
		return w
	}
	w := wireToolName(name)
	n.toWire[name] = w
	n.fromWire[w] = name
	return w
}

// wire returns the vendor form of a registry name. Names seen only in
// history (the tool may have been removed since) are mapped on the fly.
func (n *toolNames) wire(name string) string {
	return n.add(name)
}

func (n *toolNames) registry(wire string) string {
	if name, ok := n.fromWire[wire]; ok {
		return name
	}
	return strings.ReplaceAll(wire, "__", ".")
}

func wireToolName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '.':
			sb.WriteString("__")
		case r == '_' || r == '-',
			r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	w := sb.String()
	if len(w) > 64 {
		w = w[:64]
	}
	return w
}

// parseSchema decodes a JSON Schema document, falling back to an empty
// object schema
func parseSchema(doc string) map[string]any {
	out := map[string]any{}
	if doc != "" {
		_ = json.Unmarshal([]byte(doc), &out)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

// requiredFields extracts the "required" list of a parsed schema
func requiredFields(schema map[string]any) []string {
	raw, _ := schema["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// responseJSON renders a tool response map as the JSON text vendors expect
func responseJSON(resp map[string]any) string {
	b, err := json.Marshal(resp)
	if err != nil {
		return "{}"
	}
	return string(b)
}
