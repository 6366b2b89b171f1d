package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// ToolCall is a model request to run a tool. It owns exactly one ToolResponse.
type ToolCall struct {
	ID      string
	Tool    *Tool
	RawArgs map[string]any
	Args    Args

	response *ToolResponse
}

// Response returns the response paired with this call
func (c *ToolCall) Response() *ToolResponse {
	return c.response
}

// Name returns the tool name as requested by the model
func (c *ToolCall) Name() string {
	return c.Tool.Name()
}

// IsBad reports whether the call targets an unavailable tool
func (c *ToolCall) IsBad() bool {
	return c.Tool.IsBad()
}

func (c *ToolCall) Kind() llm.Kind { return llm.KindToolCall }

func (c *ToolCall) AsText() string {
	keys := make([]string, 0, len(c.RawArgs))
	for _, p := range c.Tool.params {
		if v, ok := c.RawArgs[p.Name]; ok {
			keys = append(keys, p.Name+"="+llm.FormatValue(v))
		}
	}
	if len(keys) == 0 && len(c.RawArgs) > 0 {
		for k, v := range c.RawArgs {
			keys = append(keys, k+"="+llm.FormatValue(v))
		}
	}
	return fmt.Sprintf("%s(%s)", c.Name(), strings.Join(keys, ", "))
}

// DefaultTurnsToKeep inherits the tool's retention
func (c *ToolCall) DefaultTurnsToKeep() (int, bool) {
	return c.Tool.TurnsToKeep()
}

// Wire converts the call for a provider request
func (c *ToolCall) Wire() llm.Content {
	return llm.FunctionCall{ID: c.ID, Name: c.Name(), Args: c.RawArgs}
}

// NewCall builds a call and its response. Calls that fail validation start
// with a NotExecuted response carrying the reason; all others start Pending.
func NewCall(reg *Registry, id, name string, raw map[string]any) *ToolCall {
	if raw == nil {
		raw = map[string]any{}
	}
	call := &ToolCall{ID: id, RawArgs: raw}
	call.response = &ToolResponse{call: call, Status: StatusPending}

	tool, ok := reg.Get(name)
	switch {
	case !ok:
		call.Tool = NewBadTool(name)
		call.response.reject(BadToolMessage(name))
		return call
	case tool.Permission() == PermissionDenyNever || (tool.toolkit != nil && !tool.toolkit.Enabled()):
		call.Tool = NewBadTool(name)
		call.response.reject(fmt.Sprintf(disabledToolMessage, name))
		return call
	}
	call.Tool = tool

	args, err := bindArgs(tool.params, raw)
	if err != nil {
		call.response.reject(err.Error())
		return call
	}
	call.Args = args
	return call
}

// RestoreCall rebuilds a call from stored state without re-validating it
func RestoreCall(reg *Registry, id, name string, raw map[string]any, resp *ToolResponse) *ToolCall {
	call := &ToolCall{ID: id, RawArgs: raw}
	if t, ok := reg.Get(name); ok {
		call.Tool = t
		if args, err := bindArgs(t.params, raw); err == nil {
			call.Args = args
		}
	} else {
		call.Tool = NewBadTool(name)
	}
	if resp == nil {
		resp = &ToolResponse{Status: StatusPending}
	}
	resp.call = call
	call.response = resp
	return call
}

func bindArgs(params []Parameter, raw map[string]any) (Args, error) {
	var missing []string
	for _, p := range params {
		if v, ok := raw[p.Name]; p.Required && (!ok || v == nil) {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
	}

	args := make(Args, len(params))
	for _, p := range params {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			continue
		}
		bound, err := bindValue(v, p.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid value for parameter '%s': %v", p.Name, err)
		}
		args[p.Name] = bound
	}
	return args, nil
}

// bindValue converts a decoded JSON value into a value of type t
func bindValue(raw any, t reflect.Type) (any, error) {
	if t.Kind() == reflect.Interface {
		return raw, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(t)
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
