package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaBuildRequestSystemMessage(t *testing.T) {
	p, err := NewOllamaProvider(Settings{Model: "llama3"})
	require.NoError(t, err)

	req := p.buildRequest([]Message{{Role: RoleUser, Content: "hi"}}, "Be terse.", nil, true)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "Be terse.", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestOllamaChatStripsThinkTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprint(w, `{
			"message": {"role": "assistant", "content": "<think>working it out</think>The answer is 4."},
			"done": true,
			"prompt_eval_count": 8,
			"eval_count": 12
		}`)
	}))
	defer server.Close()

	p, err := NewOllamaProvider(Settings{BaseURL: server.URL, Model: "qwen3"})
	require.NoError(t, err)

	reply, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "2+2?"}}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", reply.Content)
	assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 12}, reply.Usage)
}

func TestOllamaStreamChat(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"<thi"},"done":false}`,
		`{"message":{"role":"assistant","content":"nk>reasoning</think>tail"},"done":false}`,
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"lookup","arguments":{"id":"3"}}}]},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":4}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	defer server.Close()

	p, err := NewOllamaProvider(Settings{BaseURL: server.URL, Model: "qwen3"})
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

	assert.Equal(t, "reasoning", reasoning)
	assert.Equal(t, "tail", content)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "lookup", toolCalls[0].Name)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 4, usage.OutputTokens)
}

func TestOllamaListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen3:4b"}]}`)
	}))
	defer server.Close()

	p, err := NewOllamaProvider(Settings{BaseURL: server.URL})
	require.NoError(t, err)

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:8b", models[0].ID)
}

func TestRegistryNew(t *testing.T) {
	tests := []struct {
		providerType string
		apiKey       string
		wantErr      bool
	}{
		{"openai", "k", false},
		{"openrouter", "k", false},
		{"custom", "", false},
		{"anthropic", "k", false},
		{"anthropic", "", true},
		{"google", "k", false},
		{"gemini", "k", false},
		{"ollama", "", false},
		{"watson", "k", true},
	}

	for _, tt := range tests {
		t.Run(tt.providerType, func(t *testing.T) {
			p, err := New(Settings{Type: tt.providerType, APIKey: tt.apiKey, Model: "m"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "m", p.ModelName())
		})
	}
}
