package tools

import (
	"context"
	"fmt"
)

const (
	badToolMessage      = "Tool call rejected: The tool '%s' was not found."
	disabledToolMessage = "Tool call rejected: The tool '%s' is disabled by the user."
)

// NewBadTool returns the placeholder for a tool the model named but cannot use.
// Every call to it is rejected before the prompter sees it.
func NewBadTool(name string) *Tool {
	t := &Tool{
		name:             name,
		description:      "Unavailable tool",
		parametersSchema: `{"type":"object"}`,
		signature:        name + "()",
		bad:              true,
		execute: func(context.Context, Args) (any, error) {
			return nil, NewToolError(badToolMessage, name)
		},
	}
	t.setPermission(PermissionDenyNever)
	return t
}

// BadToolMessage is the rejection text for an unknown tool
func BadToolMessage(name string) string {
	return fmt.Sprintf(badToolMessage, name)
}
