// Package llms provides a uniform streaming and non-streaming interface over
// heterogeneous LLM wire protocols (OpenAI-compatible, Anthropic, Gemini,
// Ollama). All adapters normalize to the same message, tool and chunk types.
package llms

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data URI
}

// Message is the provider-independent conversation message.
// When Parts is non-empty it takes precedence over Content.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"` // tool name on tool-result messages
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is a tool schema in OpenAI function form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is normalized token usage.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChunkType tags a StreamChunk.
type ChunkType string

const (
	ChunkContent   ChunkType = "content"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall  ChunkType = "tool_call"
	ChunkDone      ChunkType = "done"
	ChunkError     ChunkType = "error"
)

// StreamChunk is one element of a streaming response.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Reply is a complete non-streaming response.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ModelInfo describes one model advertised by a provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is the uniform capability over an LLM backend.
type Provider interface {
	// Chat runs a blocking completion.
	Chat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (*Reply, error)

	// StreamChat runs a streaming completion. The returned channel is closed
	// after a done or error chunk.
	StreamChat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (<-chan StreamChunk, error)

	// ListModels returns the models the backend advertises.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// TestConnection reports whether the backend is reachable.
	TestConnection(ctx context.Context) bool

	// ModelName returns the configured model id.
	ModelName() string

	Close() error
}

// Settings configures a provider adapter, mirroring the Provider entity.
type Settings struct {
	Type        string   `json:"type"` // openai|anthropic|google|ollama|openrouter|custom
	BaseURL     string   `json:"base_url"`
	APIKey      string   `json:"api_key"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Timeout     int      `json:"timeout,omitempty"` // seconds
}

// streamBuffer is the channel size used by all adapters.
const streamBuffer = 100

// DefaultStreamTimeout bounds a single streaming call.
const DefaultStreamTimeout = 120

// DefaultHealthTimeout bounds connection tests.
const DefaultHealthTimeout = 15

func (s *Settings) temperature() float64 {
	if s.Temperature == nil {
		return 0.7
	}
	return *s.Temperature
}

func (s *Settings) maxTokens() int {
	if s.MaxTokens <= 0 {
		return 4096
	}
	return s.MaxTokens
}
