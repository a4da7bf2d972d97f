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

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/httpclient"
)

// OllamaProvider speaks the Ollama native /api/chat endpoint (NDJSON
// streaming). Models that emit inline <think> tags instead of the thinking
// field are handled by routing content through a ThinkSplitter.
type OllamaProvider struct {
	settings   Settings
	httpClient *httpclient.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"` // base64, no data URI prefix
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(settings Settings) (*OllamaProvider, error) {
	if settings.BaseURL == "" {
		settings.BaseURL = "http://localhost:11434"
	}
	settings.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultStreamTimeout
	}

	return &OllamaProvider{
		settings: settings,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(settings.Timeout) * time.Second,
			}),
		),
	}, nil
}

func (p *OllamaProvider) ModelName() string { return p.settings.Model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (*Reply, error) {
	request := p.buildRequest(messages, system, tools, false)

	body, err := p.post(ctx, request)
	if err != nil {
		return nil, err
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", response.Error)
	}

	reply := &Reply{
		Usage: Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}

	// Strip inline think spans; Chat callers only want the answer text.
	splitter := &ThinkSplitter{}
	pieces := splitter.Feed(response.Message.Content)
	pieces = append(pieces, splitter.Flush()...)
	for _, piece := range pieces {
		if !piece.Reasoning {
			reply.Content += piece.Text
		}
	}

	for _, tc := range response.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return reply, nil
}

func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (<-chan StreamChunk, error) {
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

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(payload.Models))
	for _, m := range payload.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

func (p *OllamaProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}

func (p *OllamaProvider) buildRequest(messages []Message, system string, tools []ToolDefinition, stream bool) ollamaRequest {
	ollamaMessages := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		ollamaMessages = append(ollamaMessages, ollamaMessage{Role: "system", Content: system})
	}

	for _, msg := range messages {
		om := ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			om.ToolName = msg.Name
		}
		if len(msg.Parts) > 0 {
			om.Content = ""
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					if om.Content != "" {
						om.Content += "\n"
					}
					om.Content += part.Text
				case "image_url":
					if img := dataURIToImage(part.ImageURL); img != nil {
						om.Images = append(om.Images, img.Data)
					}
				}
			}
		}
		for _, tc := range msg.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		ollamaMessages = append(ollamaMessages, om)
	}

	request := ollamaRequest{
		Model:    p.settings.Model,
		Messages: ollamaMessages,
		Stream:   stream,
		Options: &ollamaOptions{
			Temperature: p.settings.temperature(),
			NumPredict:  p.settings.maxTokens(),
			TopP:        p.settings.TopP,
			Stop:        p.settings.Stop,
		},
	}

	for _, tool := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		request.Tools = append(request.Tools, ot)
	}

	return request
}

func (p *OllamaProvider) post(ctx context.Context, request ollamaRequest) ([]byte, error) {
	resp, err := p.send(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (p *OllamaProvider) send(ctx context.Context, request ollamaRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var errorJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errorJSON) == nil && errorJSON.Error != "" {
			return nil, fmt.Errorf("ollama API error: %s", errorJSON.Error)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *OllamaProvider) stream(ctx context.Context, request ollamaRequest, out chan<- StreamChunk) error {
	resp, err := p.send(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	splitter := &ThinkSplitter{}
	emit := func(pieces []ThinkPiece) {
		for _, piece := range pieces {
			if piece.Text == "" {
				continue
			}
			t := ChunkContent
			if piece.Reasoning {
				t = ChunkReasoning
			}
			out <- StreamChunk{Type: t, Text: piece.Text}
		}
	}

	usage := Usage{}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk ollamaResponse
			if jerr := json.Unmarshal(bytes.TrimSpace(line), &chunk); jerr == nil {
				if chunk.Error != "" {
					return fmt.Errorf("ollama API error: %s", chunk.Error)
				}
				if chunk.Message.Thinking != "" {
					out <- StreamChunk{Type: ChunkReasoning, Text: chunk.Message.Thinking}
				}
				if chunk.Message.Content != "" {
					emit(splitter.Feed(chunk.Message.Content))
				}
				for _, tc := range chunk.Message.ToolCalls {
					args := tc.Function.Arguments
					if args == nil {
						args = make(map[string]any)
					}
					out <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
						ID:        "call_" + uuid.NewString(),
						Name:      tc.Function.Name,
						Arguments: args,
					}}
				}
				if chunk.Done {
					usage.InputTokens = chunk.PromptEvalCount
					usage.OutputTokens = chunk.EvalCount
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}
	}

	emit(splitter.Flush())
	u := usage
	out <- StreamChunk{Type: ChunkDone, Usage: &u}
	return nil
}
