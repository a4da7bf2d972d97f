package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/httpclient"
)

// AnthropicProvider speaks the Anthropic messages API. Conversation shape
// differs from OpenAI in two ways handled here: consecutive same-role
// messages are merged, and tool results ride as user-role tool_result blocks.
type AnthropicProvider struct {
	settings   Settings
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
	System      []anthropicBlock   `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        *map[string]any `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	Source       *anthropicImage `json:"source,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicImage struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input *map[string]any `json:"input,omitempty"`
	} `json:"content"`
	Usage anthropicUsage  `json:"usage"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string `json:"type"`
	Index        int    `json:"index,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func NewAnthropicProvider(settings Settings) (*AnthropicProvider, error) {
	if settings.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if settings.BaseURL == "" {
		settings.BaseURL = "https://api.anthropic.com"
	}
	settings.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultStreamTimeout
	}

	return &AnthropicProvider{
		settings: settings,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(settings.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string { return p.settings.Model }

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (*Reply, error) {
	request := p.buildRequest(messages, system, tools, false)

	body, err := p.post(ctx, request)
	if err != nil {
		return nil, err
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	reply := &Reply{
		Usage: Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
		},
	}
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			reply.Content += block.Text
		case "tool_use":
			var args map[string]any
			if block.Input != nil {
				args = *block.Input
			}
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return reply, nil
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, system, tools, true)

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, request, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, Name: name})
	}
	return models, nil
}

func (p *AnthropicProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}

func messageBlocks(msg Message) []anthropicBlock {
	if msg.Role == RoleTool {
		return []anthropicBlock{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   msg.Content,
		}}
	}

	var blocks []anthropicBlock
	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch part.Type {
			case "text":
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
			case "image_url":
				if img := dataURIToImage(part.ImageURL); img != nil {
					blocks = append(blocks, anthropicBlock{Type: "image", Source: img})
				}
			}
		}
	} else if msg.Content != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		input := tc.Arguments
		if input == nil {
			input = make(map[string]any)
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: &input,
		})
	}
	return blocks
}

// dataURIToImage decodes a data:<mediatype>;base64,<data> URI.
func dataURIToImage(uri string) *anthropicImage {
	if !strings.HasPrefix(uri, "data:") {
		return nil
	}
	rest := strings.TrimPrefix(uri, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil
	}
	return &anthropicImage{
		Type:      "base64",
		MediaType: rest[:semi],
		Data:      rest[semi+len(";base64,"):],
	}
}

func (p *AnthropicProvider) buildRequest(messages []Message, system string, tools []ToolDefinition, stream bool) anthropicRequest {
	anthropicMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		role := "user"
		switch msg.Role {
		case RoleAssistant:
			role = "assistant"
		case RoleSystem:
			// System prompts ride in the dedicated field; mid-history system
			// markers (compaction notes) are folded in as user turns.
			role = "user"
		}

		blocks := messageBlocks(msg)
		if len(blocks) == 0 {
			continue
		}

		// Anthropic rejects consecutive same-role messages; merge them.
		if n := len(anthropicMessages); n > 0 && anthropicMessages[n-1].Role == role {
			prev := &anthropicMessages[n-1]
			if len(prev.Content) > 0 && prev.Content[len(prev.Content)-1].Type == "text" && blocks[0].Type == "text" {
				prev.Content[len(prev.Content)-1].Text += "\n\n" + blocks[0].Text
				blocks = blocks[1:]
			}
			prev.Content = append(prev.Content, blocks...)
			continue
		}

		anthropicMessages = append(anthropicMessages, anthropicMessage{
			Role:    role,
			Content: blocks,
		})
	}

	request := anthropicRequest{
		Model:       p.settings.Model,
		Messages:    anthropicMessages,
		MaxTokens:   p.settings.maxTokens(),
		Temperature: p.settings.temperature(),
		TopP:        p.settings.TopP,
		Stop:        p.settings.Stop,
		Stream:      stream,
	}

	if system != "" {
		request.System = []anthropicBlock{{
			Type:         "text",
			Text:         system,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
	}

	if len(tools) > 0 {
		request.Tools = make([]anthropicTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}

	return request
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.settings.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
}

func (p *AnthropicProvider) post(ctx context.Context, request anthropicRequest) ([]byte, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

// apiError extracts the server's message from an error body when possible.
func apiError(status int, body []byte) error {
	var payload struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return fmt.Errorf("API request failed with status %d: %s", status, payload.Error.Message)
	}
	return fmt.Errorf("API request failed with status %d: %s", status, string(body))
}

func (p *AnthropicProvider) stream(ctx context.Context, request anthropicRequest, out chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)
	usage := Usage{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w", err)
		}

		switch streamResp.Type {
		case "error":
			if streamResp.Error != nil {
				return fmt.Errorf("anthropic API error: %s", streamResp.Error.Message)
			}

		case "message_start":
			if streamResp.Message != nil {
				usage.InputTokens = streamResp.Message.Usage.InputTokens
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:        streamResp.ContentBlock.ID,
					Name:      streamResp.ContentBlock.Name,
					Arguments: make(map[string]any),
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta == nil {
				continue
			}
			if streamResp.Delta.Text != "" {
				out <- StreamChunk{Type: ChunkContent, Text: streamResp.Delta.Text}
			}
			if streamResp.Delta.Thinking != "" {
				out <- StreamChunk{Type: ChunkReasoning, Text: streamResp.Delta.Thinking}
			}
			if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
				toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, exists := toolCalls[streamResp.Index]; exists {
				if jsonStr := toolJSONBuffers[streamResp.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Arguments = args
					}
				}
				out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
			}

		case "message_delta":
			if streamResp.Usage != nil {
				usage.OutputTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			u := usage
			out <- StreamChunk{Type: ChunkDone, Usage: &u}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	u := usage
	out <- StreamChunk{Type: ChunkDone, Usage: &u}
	return nil
}
