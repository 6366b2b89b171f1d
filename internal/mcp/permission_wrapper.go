package mcp

import (
	"fmt"
	"sync"

	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// PermissionGate decides which MCP tool calls run without a forgechat
// prompt. There is no terminal to ask on while serving stdio, so the
// standing permission of each tool decides.
type PermissionGate struct {
	mu            sync.RWMutex
	trustClient   bool
	denied, calls int
}

// NewPermissionGate creates a gate. With trustClient set, tools whose
// permission is Approve also run, on the assumption that the MCP client
// asked its own user.
func NewPermissionGate(trustClient bool) *PermissionGate {
	return &PermissionGate{trustClient: trustClient}
}

// Check returns an error when call must not run
func (g *PermissionGate) Check(call *tools.ToolCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	perm := call.Tool.Permission()
	switch {
	case perm == tools.PermissionApproveAlways:
		return nil
	case perm == tools.PermissionApprove && g.trustClient:
		return nil
	}
	g.denied++
	return fmt.Errorf("%s requires approval (permission %s); approve it permanently in forgechat to use it over MCP", call.Name(), perm)
}

// Stats returns how many calls were checked and how many were refused
func (g *PermissionGate) Stats() (calls, denied int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calls, g.denied
}
