// Package mcp exposes the forgechat tool registry as a Model Context
// Protocol server
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// Version is reported to MCP clients during initialization
const Version = "0.1.0"

// ToolServer serves the enabled tools of a registry
type ToolServer struct {
	server   *server.MCPServer
	registry *tools.Registry
	gate     *PermissionGate
	logger   *log.Logger
}

// Option configures a ToolServer
type Option func(*ToolServer)

// WithLogger sets the server logger
func WithLogger(l *log.Logger) Option {
	return func(s *ToolServer) { s.logger = l }
}

// WithPermissionGate replaces the default gate
func WithPermissionGate(g *PermissionGate) Option {
	return func(s *ToolServer) { s.gate = g }
}

// NewToolServer creates a server over reg. Tools are synced immediately
// and again whenever a toolkit or permission changes while Run is active.
func NewToolServer(reg *tools.Registry, opts ...Option) *ToolServer {
	s := &ToolServer{
		registry: reg,
		gate:     NewPermissionGate(false),
		logger:   log.WithPrefix("mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = server.NewMCPServer(
		"forgechat",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.Sync()
	return s
}

// Server returns the underlying MCP server
func (s *ToolServer) Server() *server.MCPServer {
	return s.server
}

// WireName maps a registry tool name to the MCP tool name
func WireName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

// Sync replaces the served tool list with the registry's enabled tools
func (s *ToolServer) Sync() {
	enabled := s.registry.EnabledTools()
	served := make([]server.ServerTool, 0, len(enabled))
	for _, t := range enabled {
		served = append(served, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(WireName(t.Name()), t.Description(), json.RawMessage(t.ParametersSchema())),
			Handler: s.handler(t.Name()),
		})
	}
	s.server.SetTools(served...)
	s.logger.Debug("Tools synced", "count", len(served))
}

// watch resyncs on registry changes until ctx ends
func (s *ToolServer) watch(ctx context.Context) {
	perms := s.registry.SubscribePermissions(ctx)
	kits := s.registry.SubscribeToolkits(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-perms:
			if !ok {
				return
			}
		case _, ok := <-kits:
			if !ok {
				return
			}
		}
		s.Sync()
	}
}

// Run serves MCP over the given streams until ctx ends
func (s *ToolServer) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watch(ctx)

	s.logger.Info("Starting MCP server", "tools", len(s.registry.EnabledTools()))
	stdio := server.NewStdioServer(s.server)
	stdio.SetErrorLogger(s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}))
	return stdio.Listen(ctx, in, out)
}

func (s *ToolServer) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.Params.Name + "-" + uuid.NewString()[:8]
		call := tools.NewCall(s.registry, id, name, req.GetArguments())
		resp := call.Response()

		if resp.Status == tools.StatusPending {
			if err := s.gate.Check(call); err != nil {
				_ = resp.Reject(err.Error())
			} else if err := resp.Execute(ctx); err != nil {
				return nil, err
			}
		}
		s.logger.Debug("Tool call", "tool", name, "status", resp.Status, "duration", resp.Duration)
		return toResult(resp), nil
	}
}

// toResult renders the same envelope the model would receive, with image
// attachments as MCP image content
func toResult(resp *tools.ToolResponse) *mcp.CallToolResult {
	body, err := json.Marshal(resp.Envelope())
	if err != nil {
		return mcp.NewToolResultErrorFromErr("could not encode tool result", err)
	}
	var result *mcp.CallToolResult
	if resp.Status == tools.StatusExecuted {
		result = mcp.NewToolResultText(string(body))
	} else {
		result = mcp.NewToolResultError(string(body))
	}
	for _, a := range resp.Attachments {
		if strings.HasPrefix(a.MimeType, "image/") && len(a.Data) > 0 {
			result.Content = append(result.Content, mcp.NewImageContent(base64.StdEncoding.EncodeToString(a.Data), a.MimeType))
		}
	}
	return result
}
