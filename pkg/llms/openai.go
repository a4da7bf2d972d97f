package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. It also
// backs the openrouter and custom provider types, which differ only in base
// URL and authentication header.
type OpenAIProvider struct {
	settings   Settings
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	StreamOpts  *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openAIContentPart
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			Reasoning string           `json:"reasoning,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

// NewOpenAIProvider builds an adapter for the openai, openrouter or custom
// provider types.
func NewOpenAIProvider(settings Settings) (*OpenAIProvider, error) {
	if settings.BaseURL == "" {
		switch settings.Type {
		case "openrouter":
			settings.BaseURL = "https://openrouter.ai/api/v1"
		default:
			settings.BaseURL = "https://api.openai.com/v1"
		}
	}
	settings.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultStreamTimeout
	}

	return &OpenAIProvider{
		settings: settings,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(settings.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.settings.Model }

func (p *OpenAIProvider) Close() error { return nil }

// toolNameSanitizer maps tool names into the [A-Za-z0-9_-]{1,64} charset the
// OpenAI API enforces, keeping a reverse map so inbound tool calls can be
// restored to their original names within one request.
type toolNameSanitizer struct {
	forward map[string]string
	reverse map[string]string
}

var toolNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func newToolNameSanitizer() *toolNameSanitizer {
	return &toolNameSanitizer{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

func (s *toolNameSanitizer) sanitize(name string) string {
	if v, ok := s.forward[name]; ok {
		return v
	}

	clean := toolNameInvalid.ReplaceAllString(name, "_")
	if clean == "" {
		clean = "tool"
	}
	if len(clean) > 64 {
		clean = clean[:64]
	}

	// Disambiguate collisions within the request.
	candidate := clean
	for i := 2; ; i++ {
		if _, taken := s.reverse[candidate]; !taken {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		if len(clean)+len(suffix) > 64 {
			candidate = clean[:64-len(suffix)] + suffix
		} else {
			candidate = clean + suffix
		}
	}

	s.forward[name] = candidate
	s.reverse[candidate] = name
	return candidate
}

func (s *toolNameSanitizer) restore(name string) string {
	if v, ok := s.reverse[name]; ok {
		return v
	}
	return name
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (*Reply, error) {
	names := newToolNameSanitizer()
	request := p.buildRequest(messages, system, tools, false, names)

	body, status, err := p.post(ctx, request)
	if status == http.StatusBadRequest && len(tools) > 0 {
		// Some OpenAI-compatible servers reject the tools field outright.
		request.Tools = nil
		request.ToolChoice = ""
		body, status, err = p.post(ctx, request)
	}
	if err != nil {
		return nil, p.wireError(status, body, err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("provider error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	reply := &Reply{}
	if str, ok := choice.Message.Content.(string); ok {
		reply.Content = str
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := parseOpenAIToolCall(tc, names)
		if err != nil {
			return nil, err
		}
		reply.ToolCalls = append(reply.ToolCalls, call)
	}
	if response.Usage != nil {
		reply.Usage = Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		}
	}
	return reply, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	names := newToolNameSanitizer()
	request := p.buildRequest(messages, system, tools, true, names)
	request.StreamOpts = &streamOptions{IncludeUsage: true}

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, request, len(tools) > 0, names, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.BaseURL+"/models", nil)
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
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return models, nil
}

func (p *OpenAIProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, system string, tools []ToolDefinition, stream bool, names *toolNameSanitizer) openAIRequest {
	msgs := make([]openAIMessage, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: system})
	}

	for _, msg := range messages {
		om := openAIMessage{Role: string(msg.Role)}

		if msg.Role == RoleTool {
			om.Content = msg.Content
			om.ToolCallID = msg.ToolCallID
			msgs = append(msgs, om)
			continue
		}

		if len(msg.Parts) > 0 {
			parts := make([]openAIContentPart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
				case "image_url":
					parts = append(parts, openAIContentPart{
						Type:     "image_url",
						ImageURL: &openAIImageURL{URL: part.ImageURL},
					})
				}
			}
			om.Content = parts
		} else {
			om.Content = msg.Content
		}

		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      names.sanitize(tc.Name),
					Arguments: string(argsJSON),
				},
			})
		}

		msgs = append(msgs, om)
	}

	maxTokens := p.settings.maxTokens()
	request := openAIRequest{
		Model:       p.settings.Model,
		Messages:    msgs,
		MaxTokens:   &maxTokens,
		Temperature: p.settings.temperature(),
		TopP:        p.settings.TopP,
		Stop:        p.settings.Stop,
		Stream:      stream,
	}

	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        names.sanitize(tool.Name),
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.settings.APIKey)
	}
}

// post sends the request and returns body, status and error. A non-2xx
// status yields both the body and an error.
func (p *OpenAIProvider) post(ctx context.Context, request openAIRequest) ([]byte, int, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// wireError extracts the server's error message, JSON-parsed when possible.
func (p *OpenAIProvider) wireError(status int, body []byte, err error) error {
	var payload struct {
		Error openAIError `json:"error"`
	}
	if jsonErr := json.Unmarshal(body, &payload); jsonErr == nil && payload.Error.Message != "" {
		return fmt.Errorf("API request failed with status %d: %s", status, payload.Error.Message)
	}
	if len(body) > 0 {
		return fmt.Errorf("API request failed with status %d: %s", status, string(body))
	}
	return err
}

func (p *OpenAIProvider) stream(ctx context.Context, request openAIRequest, hadTools bool, names *toolNameSanitizer, out chan<- StreamChunk) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusBadRequest && hadTools {
			// Retry once without tools before surfacing the error.
			request.Tools = nil
			request.ToolChoice = ""
			return p.stream(ctx, request, false, names, out)
		}
		return p.wireError(resp.StatusCode, body, err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	splitter := &ThinkSplitter{}
	toolCalls := make([]*openAIToolCall, 0, 4)
	var usage *Usage

	emitPieces := func(pieces []ThinkPiece) {
		for _, piece := range pieces {
			if piece.Text == "" {
				continue
			}
			if piece.Reasoning {
				out <- StreamChunk{Type: ChunkReasoning, Text: piece.Text}
			} else {
				out <- StreamChunk{Type: ChunkContent, Text: piece.Text}
			}
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("provider error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = &Usage{
				InputTokens:  streamResp.Usage.PromptTokens,
				OutputTokens: streamResp.Usage.CompletionTokens,
			}
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]
		if choice.Delta.Reasoning != "" {
			out <- StreamChunk{Type: ChunkReasoning, Text: choice.Delta.Reasoning}
		}
		if choice.Delta.Content != "" {
			emitPieces(splitter.Feed(choice.Delta.Content))
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				call := deltaCall
				toolCalls = append(toolCalls, &call)
			} else if len(toolCalls) > 0 {
				toolCalls[len(toolCalls)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}
	}

	emitPieces(splitter.Flush())

	for _, tc := range toolCalls {
		call, err := parseOpenAIToolCall(*tc, names)
		if err != nil {
			continue
		}
		c := call
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &c}
	}

	out <- StreamChunk{Type: ChunkDone, Usage: usage}
	return nil
}

func parseOpenAIToolCall(tc openAIToolCall, names *toolNameSanitizer) (ToolCall, error) {
	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
	}
	return ToolCall{
		ID:        tc.ID,
		Name:      names.restore(tc.Function.Name),
		Arguments: args,
	}, nil
}
