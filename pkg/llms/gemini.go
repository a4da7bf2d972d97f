package llms

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiProvider wraps the official genai SDK. Roles map to Gemini's
// two-role model: assistant becomes "model", tool results become user-role
// functionResponse parts, and the system prompt rides in systemInstruction.
type GeminiProvider struct {
	settings Settings
	client   *genai.Client
}

func NewGeminiProvider(settings Settings) (*GeminiProvider, error) {
	if settings.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultStreamTimeout
	}

	cfg := &genai.ClientConfig{
		APIKey:  settings.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Timeout: time.Duration(settings.Timeout) * time.Second,
		},
	}
	if settings.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{settings: settings, client: client}, nil
}

func (p *GeminiProvider) ModelName() string { return p.settings.Model }

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (*Reply, error) {
	contents, config := p.buildRequest(messages, system, tools)

	response, err := p.client.Models.GenerateContent(ctx, p.settings.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(response.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	reply := &Reply{}
	if content := response.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part.Text != "" && !part.Thought {
				reply.Content += part.Text
			}
			if part.FunctionCall != nil {
				reply.ToolCalls = append(reply.ToolCalls, toolCallFromGemini(part.FunctionCall))
			}
		}
	}
	if response.UsageMetadata != nil {
		reply.Usage = Usage{
			InputTokens:  int(response.UsageMetadata.PromptTokenCount),
			OutputTokens: int(response.UsageMetadata.CandidatesTokenCount),
		}
	}
	return reply, nil
}

func (p *GeminiProvider) StreamChat(ctx context.Context, messages []Message, system string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	contents, config := p.buildRequest(messages, system, tools)

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)

		usage := Usage{}
		for response, err := range p.client.Models.GenerateContentStream(ctx, p.settings.Model, contents, config) {
			if err != nil {
				out <- StreamChunk{Type: ChunkError, Err: fmt.Errorf("gemini streaming error: %w", err)}
				return
			}

			if response.UsageMetadata != nil {
				usage.InputTokens = int(response.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(response.UsageMetadata.CandidatesTokenCount)
			}

			if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
				continue
			}
			for _, part := range response.Candidates[0].Content.Parts {
				switch {
				case part.FunctionCall != nil:
					tc := toolCallFromGemini(part.FunctionCall)
					out <- StreamChunk{Type: ChunkToolCall, ToolCall: &tc}
				case part.Text != "" && part.Thought:
					out <- StreamChunk{Type: ChunkReasoning, Text: part.Text}
				case part.Text != "":
					out <- StreamChunk{Type: ChunkContent, Text: part.Text}
				}
			}
		}

		u := usage
		out <- StreamChunk{Type: ChunkDone, Usage: &u}
	}()
	return out, nil
}

func (p *GeminiProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
		id := strings.TrimPrefix(m.Name, "models/")
		name := m.DisplayName
		if name == "" {
			name = id
		}
		models = append(models, ModelInfo{ID: id, Name: name})
	}
	return models, nil
}

func (p *GeminiProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}

func (p *GeminiProvider) buildRequest(messages []Message, system string, tools []ToolDefinition) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.settings.temperature())),
		MaxOutputTokens: int32(p.settings.maxTokens()),
		StopSequences:   p.settings.Stop,
	}
	if p.settings.TopP != nil {
		config.TopP = genai.Ptr(float32(*p.settings.TopP))
	}

	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, tool := range tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.Parameters),
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return convertGeminiMessages(messages), config
}

func convertGeminiMessages(messages []Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		// System markers mid-history fold into user turns; the real system
		// prompt goes through systemInstruction.

		var parts []*genai.Part

		if msg.Role == RoleTool {
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:   msg.ToolCallID,
					Name: msg.Name,
					Response: map[string]any{
						"content": msg.Content,
					},
				},
			})
		} else if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					parts = append(parts, &genai.Part{Text: part.Text})
				case "image_url":
					if img := dataURIToImage(part.ImageURL); img != nil {
						if raw, err := base64.StdEncoding.DecodeString(img.Data); err == nil {
							parts = append(parts, &genai.Part{
								InlineData: &genai.Blob{
									MIMEType: img.MediaType,
									Data:     raw,
								},
							})
						}
					}
				}
			}
		} else if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Arguments,
				},
			})
		}

		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents
}

// toolCallFromGemini normalizes a functionCall part. Gemini usually omits
// call IDs, so one is generated for correlation with tool results.
func toolCallFromGemini(fc *genai.FunctionCall) ToolCall {
	args := fc.Args
	if args == nil {
		args = make(map[string]any)
	}
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

// geminiSchema converts a JSON schema map to the SDK's schema type.
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
