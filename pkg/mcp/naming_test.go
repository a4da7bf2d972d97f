package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolNameRoundTrip(t *testing.T) {
	pairs := []struct{ server, tool string }{
		{"files", "read_file"},
		{"search", "web.query"},
		{"a", "b"},
		{"srv-1", "tool__with__underscores"},
	}
	for _, p := range pairs {
		wire := FormatToolName(p.server, p.tool)
		server, tool, ok := ParseToolName(wire)
		assert.True(t, ok, wire)
		assert.Equal(t, p.server, server)
		assert.Equal(t, p.tool, tool)
	}
}

func TestParseToolNameRejectsNonMCP(t *testing.T) {
	for _, name := range []string{"web_search", "mcp__", "mcp____tool", "mcp__nosep"} {
		_, _, ok := ParseToolName(name)
		assert.False(t, ok, name)
	}
}

func TestIsToolName(t *testing.T) {
	assert.True(t, IsToolName("mcp__files__read"))
	assert.False(t, IsToolName("files__read"))
}
