package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestToolNameSanitizer(t *testing.T) {
	s := newToolNameSanitizer()

	tests := []struct {
		in   string
		want string
	}{
		{"web_search", "web_search"},
		{"mcp__files__read.file", "mcp__files__read_file"},
		{"with spaces!", "with_spaces_"},
		{strings.Repeat("x", 100), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.sanitize(tt.in))
	}

	// Round-trip: every sanitized name restores to its original.
	for _, tt := range tests {
		assert.Equal(t, tt.in, s.restore(tt.want))
	}
}

func TestToolNameSanitizerCollisions(t *testing.T) {
	s := newToolNameSanitizer()

	a := s.sanitize("get.data")
	b := s.sanitize("get:data")
	c := s.sanitize("get;data")

	assert.Equal(t, "get_data", a)
	assert.Equal(t, "get_data_2", b)
	assert.Equal(t, "get_data_3", c)

	assert.Equal(t, "get.data", s.restore(a))
	assert.Equal(t, "get:data", s.restore(b))
	assert.Equal(t, "get;data", s.restore(c))

	// Sanitizing the same name twice is stable.
	assert.Equal(t, a, s.sanitize("get.data"))
}

func TestToolNameSanitizerCollisionAtLengthLimit(t *testing.T) {
	s := newToolNameSanitizer()
	long := strings.Repeat("a", 70)

	first := s.sanitize(long)
	second := s.sanitize(long + "!")

	assert.Len(t, first, 64)
	assert.Len(t, second, 64)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(second, "_2"))
}

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Settings{Type: "openai", BaseURL: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	require.NoError(t, err)

	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hello"}}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply.Content)
	assert.Equal(t, 12, reply.Usage.InputTokens)
	assert.Equal(t, 3, reply.Usage.OutputTokens)
}

func TestOpenAIStreamChat(t *testing.T) {
	events := []string{
		`{"choices":[{"delta":{"content":"<think>pondering"}}]}`,
		`{"choices":[{"delta":{"content":"</think>Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":7}}`,
		`[DONE]`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Settings{Type: "openai", BaseURL: server.URL, APIKey: "k", Model: "gpt-4o"})
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

	assert.Equal(t, "pondering", reasoning)
	assert.Equal(t, "Hello world", content)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_1", toolCalls[0].ID)
	assert.Equal(t, "web_search", toolCalls[0].Name)
	assert.Equal(t, map[string]any{"q": "go"}, toolCalls[0].Arguments)
	require.NotNil(t, usage)
	assert.Equal(t, 20, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)

	// Done chunk is last.
	assert.Equal(t, ChunkDone, chunks[len(chunks)-1].Type)
}

func TestOpenAIRetriesWithoutToolsOn400(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		if n == 1 {
			assert.Contains(t, string(body), `"tools"`)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"tools not supported"}}`)
			return
		}
		assert.NotContains(t, string(body), `"tools"`)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Settings{Type: "custom", BaseURL: server.URL, Model: "local"})
	require.NoError(t, err)

	tools := []ToolDefinition{{Name: "web_search", Description: "search", Parameters: map[string]any{"type": "object"}}}
	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", tools)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIStreamErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Settings{Type: "openai", BaseURL: server.URL, APIKey: "k", Model: "gpt-4o"})
	require.NoError(t, err)

	ch, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	require.NoError(t, err)
	chunks := collectChunks(t, ch)

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, last.Type)
	assert.Contains(t, last.Err.Error(), "boom")
}

func TestOpenAIListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(Settings{Type: "openai", BaseURL: server.URL, APIKey: "k"})
	require.NoError(t, err)

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].ID)
}
