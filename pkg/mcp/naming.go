package mcp

import "strings"

// ToolPrefix marks a tool name as routed to an MCP server.
const ToolPrefix = "mcp__"

// FormatToolName builds the wire name exposed to the LLM:
// mcp__<server>__<tool>.
func FormatToolName(server, tool string) string {
	return ToolPrefix + server + "__" + tool
}

// ParseToolName splits a wire name back into (server, tool). ok is false when
// the name does not carry the MCP prefix or lacks a server segment.
func ParseToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, ToolPrefix) {
		return "", "", false
	}
	rest := name[len(ToolPrefix):]
	idx := strings.Index(rest, "__")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// IsToolName reports whether the name routes to an MCP server.
func IsToolName(name string) bool {
	return strings.HasPrefix(name, ToolPrefix)
}
