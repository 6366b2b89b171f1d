package tools

import (
	"context"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// Args holds bound tool arguments keyed by parameter name
type Args map[string]any

// Arg returns the named argument as T, or the zero value when it is absent
func Arg[T any](args Args, name string) T {
	v, _ := args[name].(T)
	return v
}

// ArgOr returns the named argument as T, or def when it is absent
func ArgOr[T any](args Args, name string, def T) T {
	if v, ok := args[name].(T); ok {
		return v
	}
	return def
}

// ExecuteFunc is the executor handle of a tool
type ExecuteFunc func(ctx context.Context, args Args) (any, error)

// Parameter describes one tool argument
type Parameter struct {
	Name        string
	Description string
	Type        reflect.Type
	Required    bool
	// RendererID hints the UI on how to display the value
	RendererID string
	// Schema is the JSON schema of the parameter, filled at registration
	Schema string
}

// ParamOption customises a Parameter
type ParamOption func(*Parameter)

// Optional marks a parameter as not required
func Optional() ParamOption {
	return func(p *Parameter) { p.Required = false }
}

// WithRenderer sets the UI renderer hint
func WithRenderer(id string) ParamOption {
	return func(p *Parameter) { p.RendererID = id }
}

// Param declares a required parameter of type T
func Param[T any](name, description string, opts ...ParamOption) Parameter {
	p := Parameter{
		Name:        name,
		Description: description,
		Type:        reflect.TypeFor[T](),
		Required:    true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Returns is shorthand for the reflect.Type of a tool's result
func Returns[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Turns is shorthand for a retention override
func Turns(n int) *int {
	return &n
}

// ToolSpec declares a tool. Tools require user approval unless AutoApprove is set.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []Parameter
	Returns     reflect.Type
	TurnsToKeep *int
	AutoApprove bool
	Execute     ExecuteFunc
}

// ToolkitSpec declares a group of tools sharing a default retention
type ToolkitSpec struct {
	Name        string
	Description string
	TurnsToKeep *int
	Tools       []ToolSpec
}

// Tool is a registered, immutable tool definition with mutable permission state
type Tool struct {
	name             string
	description      string
	params           []Parameter
	returns          reflect.Type
	parametersSchema string
	responseSchema   string
	signature        string
	turnsToKeep      *int
	autoApprove      bool
	execute          ExecuteFunc
	toolkit          *Toolkit
	bad              bool

	permission atomic.Int32
}

// Name is the toolkit-qualified name, e.g. "calc.add"
func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string { return t.description }

// Parameters returns a copy of the ordered parameter list
func (t *Tool) Parameters() []Parameter {
	out := make([]Parameter, len(t.params))
	copy(out, t.params)
	return out
}

func (t *Tool) ParametersSchema() string { return t.parametersSchema }

func (t *Tool) ResponseSchema() string { return t.responseSchema }

// Signature renders the tool as name(param type, ...) result
func (t *Tool) Signature() string { return t.signature }

func (t *Tool) Toolkit() *Toolkit { return t.toolkit }

// IsBad reports whether this is the placeholder for an unavailable tool
func (t *Tool) IsBad() bool { return t.bad }

func (t *Tool) Permission() Permission {
	return Permission(t.permission.Load())
}

func (t *Tool) setPermission(p Permission) Permission {
	return Permission(t.permission.Swap(int32(p)))
}

// TurnsToKeep resolves the tool's retention: its own override, then the
// toolkit's. ok is false when neither is set.
func (t *Tool) TurnsToKeep() (turns int, ok bool) {
	if t.turnsToKeep != nil {
		return *t.turnsToKeep, true
	}
	if t.toolkit != nil && t.toolkit.turnsToKeep != nil {
		return *t.toolkit.turnsToKeep, true
	}
	return 0, false
}

// Declaration is the form advertised to providers
func (t *Tool) Declaration() llm.ToolDeclaration {
	return llm.ToolDeclaration{
		Name:             t.name,
		Description:      t.description,
		ParametersSchema: t.parametersSchema,
		ResponseSchema:   t.responseSchema,
	}
}

// Toolkit is a registered group of tools
type Toolkit struct {
	name        string
	description string
	turnsToKeep *int
	tools       []*Tool
	enabled     atomic.Bool
}

func (k *Toolkit) Name() string { return k.name }

func (k *Toolkit) Description() string { return k.description }

func (k *Toolkit) Enabled() bool { return k.enabled.Load() }

// Tools returns the toolkit's tools in declaration order
func (k *Toolkit) Tools() []*Tool {
	out := make([]*Tool, len(k.tools))
	copy(out, k.tools)
	return out
}

func qualify(toolkit, tool string) string {
	if toolkit == "" || strings.HasPrefix(tool, toolkit+".") {
		return tool
	}
	return toolkit + "." + tool
}

func buildSignature(name string, params []Parameter, returns reflect.Type) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString("(")
	for i, p := range params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		sb.WriteString(" ")
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(")")
	if returns != nil {
		sb.WriteString(" ")
		sb.WriteString(returns.String())
	}
	return sb.String()
}
