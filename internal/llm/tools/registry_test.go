package tools

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sum struct {
	Total int    `json:"total"`
	Note  string `json:"note,omitempty"`
}

func calcToolkit() ToolkitSpec {
	return ToolkitSpec{
		Name:        "calc",
		Description: "Arithmetic",
		TurnsToKeep: Turns(4),
		Tools: []ToolSpec{
			{
				Name:        "add",
				Description: "Adds two integers",
				Parameters: []Parameter{
					Param[int]("a", "first operand"),
					Param[int]("b", "second operand"),
				},
				Returns: Returns[int](),
				Execute: func(_ context.Context, args Args) (any, error) {
					return Arg[int](args, "a") + Arg[int](args, "b"), nil
				},
			},
			{
				Name:        "sum",
				Description: "Sums a list",
				Parameters: []Parameter{
					Param[[]int]("values", "numbers to add"),
					Param[string]("note", "free text", Optional(), WithRenderer("markdown")),
				},
				Returns:     Returns[sum](),
				TurnsToKeep: Turns(1),
				AutoApprove: true,
				Execute: func(_ context.Context, args Args) (any, error) {
					total := 0
					for _, v := range Arg[[]int](args, "values") {
						total += v
					}
					return sum{Total: total, Note: ArgOr(args, "note", "")}, nil
				},
			},
		},
	}
}

type memPrefs map[string]Permission

func (m memPrefs) Permission(tool string) (Permission, bool) {
	p, ok := m[tool]
	return p, ok
}

func (m memPrefs) SetPermission(tool string, p Permission) error {
	m[tool] = p
	return nil
}

func newCalcRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	reg := NewRegistry(opts...)
	require.NoError(t, reg.Register(calcToolkit()))
	return reg
}

func toolNames(tools []*Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name()
	}
	return out
}

func TestRegister(t *testing.T) {
	reg := newCalcRegistry(t)

	add, ok := reg.Get("calc.add")
	require.True(t, ok)
	assert.Equal(t, "calc.add(a int, b int) int", add.Signature())
	assert.Equal(t, PermissionApprove, add.Permission())
	assert.Same(t, reg.Lookup("calc.add"), add)

	turns, ok := add.TurnsToKeep()
	assert.True(t, ok)
	assert.Equal(t, 4, turns, "inherits toolkit retention")

	s, ok := reg.Get("calc.sum")
	require.True(t, ok)
	assert.Equal(t, PermissionApproveAlways, s.Permission())
	turns, _ = s.TurnsToKeep()
	assert.Equal(t, 1, turns)

	params := s.Parameters()
	require.Len(t, params, 2)
	assert.True(t, params[0].Required)
	assert.False(t, params[1].Required)
	assert.Equal(t, "markdown", params[1].RendererID)
	assert.Contains(t, params[0].Schema, `"array"`)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(ToolkitSpec{Name: "x", Tools: []ToolSpec{{Name: "noop"}}})
	assert.ErrorIs(t, err, ErrInvalidTool)

	noop := func(context.Context, Args) (any, error) { return nil, nil }
	err = reg.Register(ToolkitSpec{Name: "x", Tools: []ToolSpec{
		{Name: "a", Execute: noop},
		{Name: "a", Execute: noop},
	}})
	assert.ErrorIs(t, err, ErrInvalidTool)
	assert.Empty(t, reg.Tools())
}

func TestRegisterCollisionLeavesRegistryUnchanged(t *testing.T) {
	noop := func(context.Context, Args) (any, error) { return nil, nil }
	reg := newCalcRegistry(t)
	require.NoError(t, reg.Register(ToolkitSpec{Name: "calc.x", Tools: []ToolSpec{{Name: "y", Execute: noop}}}))
	require.NoError(t, reg.SetPermission("calc.add", PermissionApproveAlways))
	before := toolNames(reg.Tools())

	clashing := calcToolkit()
	clashing.Tools = append(clashing.Tools, ToolSpec{Name: "x.y", Execute: noop})
	err := reg.Register(clashing)
	require.ErrorIs(t, err, ErrInvalidTool)
	assert.Contains(t, err.Error(), `"calc.x.y"`)

	assert.Equal(t, before, toolNames(reg.Tools()))
	add, ok := reg.Get("calc.add")
	require.True(t, ok)
	assert.Equal(t, PermissionApproveAlways, add.Permission())

	t.Run("same toolkit twice in one call", func(t *testing.T) {
		err := reg.Register(calcToolkit(), calcToolkit())
		assert.ErrorIs(t, err, ErrInvalidTool)
		assert.Equal(t, before, toolNames(reg.Tools()))
	})
}

func TestParametersSchema(t *testing.T) {
	reg := newCalcRegistry(t)
	add, _ := reg.Get("calc.add")

	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal([]byte(add.ParametersSchema()), &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"a", "b"}, schema.Required)
	assert.Equal(t, "integer", schema.Properties["a"]["type"])
	assert.Equal(t, "first operand", schema.Properties["a"]["description"])
}

func TestTypeSchema(t *testing.T) {
	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{"int", reflect.TypeFor[int](), "integer"},
		{"string", reflect.TypeFor[string](), "string"},
		{"bool", reflect.TypeFor[bool](), "boolean"},
		{"slice", reflect.TypeFor[[]sum](), "array"},
		{"struct", reflect.TypeFor[sum](), "object"},
		{"struct pointer", reflect.TypeFor[*sum](), "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s *jsonschema.Schema
			require.NotPanics(t, func() { s = typeSchema(tt.typ) })
			assert.Equal(t, tt.want, s.Type)
			assert.Empty(t, s.Version)
		})
	}

	t.Run("primitive only toolkit registers", func(t *testing.T) {
		reg := NewRegistry()
		err := reg.Register(ToolkitSpec{Name: "str", Tools: []ToolSpec{{
			Name:       "upper",
			Parameters: []Parameter{Param[string]("s", "input"), Param[float64]("n", "count", Optional())},
			Returns:    Returns[string](),
			Execute:    func(context.Context, Args) (any, error) { return "", nil },
		}}})
		require.NoError(t, err)
		upper, ok := reg.Get("str.upper")
		require.True(t, ok)
		assert.JSONEq(t, `{"type":"string"}`, upper.ResponseSchema())
		assert.Contains(t, upper.ParametersSchema(), `"number"`)
	})
}

func TestResponseSchemaHasNoEnvelope(t *testing.T) {
	reg := newCalcRegistry(t)
	s, _ := reg.Get("calc.sum")

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.ResponseSchema()), &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "total")
	for _, field := range []string{"status", "error", "logs", "userFeedback", "executionTimeMillis"} {
		assert.NotContains(t, props, field)
	}
	assert.NotContains(t, schema, "$schema")

	decl := s.Declaration()
	assert.Equal(t, "calc.sum", decl.Name)
	assert.Equal(t, s.ResponseSchema(), decl.ResponseSchema)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := newCalcRegistry(t)
	require.NoError(t, reg.SetPermission("calc.add", PermissionApproveAlways))
	require.NoError(t, reg.SetToolkitEnabled("calc", false))

	before := toolNames(reg.Tools())
	require.NoError(t, reg.Register(calcToolkit()))

	assert.Equal(t, before, toolNames(reg.Tools()))
	assert.Len(t, reg.Toolkits(), 1)
	add, _ := reg.Get("calc.add")
	assert.Equal(t, PermissionApproveAlways, add.Permission())
	kit, _ := reg.Toolkit("calc")
	assert.False(t, kit.Enabled())
}

func TestToolkitToggleRestoresVisibleSet(t *testing.T) {
	reg := newCalcRegistry(t)
	require.NoError(t, reg.SetPermission("calc.sum", PermissionDenyNever))
	visible := toolNames(reg.EnabledTools())
	assert.Equal(t, []string{"calc.add"}, visible)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toggles := reg.SubscribeToolkits(ctx)

	require.NoError(t, reg.SetToolkitEnabled("calc", false))
	assert.Empty(t, reg.EnabledTools())
	assert.Empty(t, reg.Declarations())

	require.NoError(t, reg.SetToolkitEnabled("calc", true))
	assert.Equal(t, visible, toolNames(reg.EnabledTools()))

	for _, want := range []bool{false, true} {
		select {
		case ev := <-toggles:
			assert.Equal(t, want, ev.Payload.Enabled)
		case <-time.After(time.Second):
			t.Fatal("missing toolkit event")
		}
	}

	err := reg.SetToolkitEnabled("nope", true)
	assert.True(t, errors.Is(err, ErrToolkitNotFound))
}

func TestSetPermission(t *testing.T) {
	prefs := memPrefs{"calc.sum": PermissionDeny}
	reg := newCalcRegistry(t, WithPreferences(prefs))

	s, _ := reg.Get("calc.sum")
	assert.Equal(t, PermissionDeny, s.Permission(), "stored preference wins over declaration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := reg.SubscribePermissions(ctx)

	require.NoError(t, reg.SetPermission("calc.add", PermissionDenyNever))
	assert.Equal(t, PermissionDenyNever, prefs["calc.add"])

	select {
	case ev := <-changes:
		assert.Equal(t, PermissionChange{Tool: "calc.add", Old: PermissionApprove, New: PermissionDenyNever}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("missing permission event")
	}

	// unchanged permission publishes nothing
	require.NoError(t, reg.SetPermission("calc.add", PermissionDenyNever))
	select {
	case ev := <-changes:
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	assert.ErrorIs(t, reg.SetPermission("calc.mul", PermissionApprove), ErrToolNotFound)
}

func TestLookupUnknown(t *testing.T) {
	reg := newCalcRegistry(t)
	bad := reg.Lookup("calc.mul")
	assert.True(t, bad.IsBad())
	assert.Equal(t, PermissionDenyNever, bad.Permission())
	assert.Equal(t, "Tool call rejected: The tool 'calc.mul' was not found.", BadToolMessage("calc.mul"))
}

func TestPermissionText(t *testing.T) {
	for _, p := range []Permission{PermissionApprove, PermissionApproveAlways, PermissionDeny, PermissionDenyNever} {
		b, err := p.MarshalText()
		require.NoError(t, err)
		var back Permission
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, p, back)
	}
	_, err := ParsePermission("maybe")
	assert.Error(t, err)
}
