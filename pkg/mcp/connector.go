// Package mcp connects to Model Context Protocol servers over stdio or SSE
// transports, exposes their tools under mcp__<server>__<tool> names, and
// routes tool calls back to the owning connection.
//
// Connections are opened lazily per request and held for the duration of one
// tool loop; Close releases every transport. A server that fails to connect
// only logs a warning, so the rest of the request proceeds without its tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

// CallTimeout bounds a single MCP tool call.
const CallTimeout = 30 * time.Second

const protocolVersion = "2024-11-05"

type connection struct {
	client *mcpclient.Client
	tools  []llms.ToolDefinition
}

// Pool holds the live MCP connections for one request.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*connection // by server name
}

// Connect dials every configured server. Per-server failures are logged and
// skipped; the returned pool always usable.
func Connect(ctx context.Context, servers []*store.MCPServer) *Pool {
	pool := &Pool{conns: make(map[string]*connection)}
	for _, server := range servers {
		conn, err := dial(ctx, server)
		if err != nil {
			slog.Warn("Failed to connect MCP server", "server", server.Name, "error", err)
			continue
		}
		pool.conns[server.Name] = conn
		slog.Info("Connected to MCP server", "server", server.Name, "transport", server.Transport, "tools", len(conn.tools))
	}
	return pool
}

func dial(ctx context.Context, server *store.MCPServer) (*connection, error) {
	var c *mcpclient.Client
	var err error

	switch server.Transport {
	case "stdio":
		env := make([]string, 0, len(server.Env))
		for k, v := range server.Env {
			env = append(env, k+"="+v)
		}
		c, err = mcpclient.NewStdioMCPClient(server.Command, env, server.Args...)
	case "sse":
		c, err = mcpclient.NewSSEMCPClient(server.URL, transport.WithHeaders(server.Headers))
	default:
		return nil, fmt.Errorf("unsupported transport: %s", server.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    "agentplane",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]llms.ToolDefinition, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, llms.ToolDefinition{
			Name:        FormatToolName(server.Name, t.Name),
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}

	return &connection{client: c, tools: tools}, nil
}

func schemaToMap(schema mcpproto.ToolInputSchema) map[string]any {
	m := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	if m["type"] == "" {
		m["type"] = "object"
	}
	return m
}

// Tools returns the prefixed tool definitions across all live connections.
func (p *Pool) Tools() []llms.ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var tools []llms.ToolDefinition
	for _, conn := range p.conns {
		tools = append(tools, conn.tools...)
	}
	return tools
}

// Call routes a prefixed tool call to the owning server and returns the
// concatenated text content of the result.
func (p *Pool) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	p.mu.Lock()
	conn, ok := p.conns[server]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no connection to MCP server %q", server)
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	req := mcpproto.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := conn.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var text string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpproto.TextContent); ok {
			text += tc.Text
		}
	}
	if resp.IsError {
		return "", fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

// Active reports how many server connections the pool still holds.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close releases every transport in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, conn := range p.conns {
		if err := conn.client.Close(); err != nil {
			slog.Debug("Error closing MCP client", "server", name, "error", err)
		}
		delete(p.conns, name)
	}
}
