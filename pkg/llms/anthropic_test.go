package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBuildRequestMergesSameRole(t *testing.T) {
	p, err := NewAnthropicProvider(Settings{APIKey: "k", Model: "claude-sonnet-4"})
	require.NoError(t, err)

	messages := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleUser, Content: "second"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleAssistant, Content: "more"},
	}
	req := p.buildRequest(messages, "", nil, false)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "user", req.Messages[0].Role)
	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, "first\n\nsecond", req.Messages[0].Content[0].Text)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "reply\n\nmore", req.Messages[1].Content[0].Text)
}

func TestAnthropicBuildRequestToolResultAsUser(t *testing.T) {
	p, err := NewAnthropicProvider(Settings{APIKey: "k", Model: "claude-sonnet-4"})
	require.NoError(t, err)

	messages := []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tc_1", Name: "web_search", Arguments: map[string]any{"q": "go"}}}},
		{Role: RoleTool, ToolCallID: "tc_1", Name: "web_search", Content: "results here"},
		{Role: RoleUser, Content: "thanks"},
	}
	req := p.buildRequest(messages, "", nil, false)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "assistant", req.Messages[0].Role)
	assert.Equal(t, "tool_use", req.Messages[0].Content[0].Type)

	// Tool result rides as a user message and merges with the following user turn.
	assert.Equal(t, "user", req.Messages[1].Role)
	require.Len(t, req.Messages[1].Content, 2)
	assert.Equal(t, "tool_result", req.Messages[1].Content[0].Type)
	assert.Equal(t, "tc_1", req.Messages[1].Content[0].ToolUseID)
	assert.Equal(t, "results here", req.Messages[1].Content[0].Content)
	assert.Equal(t, "thanks", req.Messages[1].Content[1].Text)
}

func TestAnthropicSystemPromptCached(t *testing.T) {
	p, err := NewAnthropicProvider(Settings{APIKey: "k", Model: "claude-sonnet-4"})
	require.NoError(t, err)

	req := p.buildRequest([]Message{{Role: RoleUser, Content: "hi"}}, "You are helpful.", nil, false)
	require.Len(t, req.System, 1)
	assert.Equal(t, "You are helpful.", req.System[0].Text)
	require.NotNil(t, req.System[0].CacheControl)
	assert.Equal(t, "ephemeral", req.System[0].CacheControl.Type)
}

func TestAnthropicChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "Using the tool."},
				{"type": "tool_use", "id": "tc_9", "name": "calculator", "input": {"expr": "1+1"}}
			],
			"usage": {"input_tokens": 30, "output_tokens": 11}
		}`)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Settings{APIKey: "k", BaseURL: server.URL, Model: "claude-sonnet-4"})
	require.NoError(t, err)

	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "compute"}}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Using the tool.", reply.Content)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "tc_9", reply.ToolCalls[0].ID)
	assert.Equal(t, "calculator", reply.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"expr": "1+1"}, reply.ToolCalls[0].Arguments)
	assert.Equal(t, Usage{InputTokens: 30, OutputTokens: 11}, reply.Usage)
}

func TestAnthropicStreamChat(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Answer"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tc_2","name":"web_search"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"news\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Settings{APIKey: "k", BaseURL: server.URL, Model: "claude-sonnet-4"})
	require.NoError(t, err)

	ch, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	require.NoError(t, err)
	chunks := collectChunks(t, ch)

	var reasoning, content string
	var toolCalls []*ToolCall
	var usage *Usage
	for _, c := range chunks {
		switch c.Type {
		case ChunkReasoning:
			reasoning += c.Text
		case ChunkContent:
			content += c.Text
		case ChunkToolCall:
			toolCalls = append(toolCalls, c.ToolCall)
		case ChunkDone:
			usage = c.Usage
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
	}

	assert.Equal(t, "let me see", reasoning)
	assert.Equal(t, "Answer", content)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "tc_2", toolCalls[0].ID)
	assert.Equal(t, map[string]any{"q": "news"}, toolCalls[0].Arguments)
	require.NotNil(t, usage)
	assert.Equal(t, 25, usage.InputTokens)
	assert.Equal(t, 9, usage.OutputTokens)
}
