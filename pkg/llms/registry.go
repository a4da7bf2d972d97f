package llms

import (
	"fmt"
	"strings"
)

// New builds the provider adapter for the given settings. openrouter and
// custom backends speak the OpenAI wire protocol.
func New(settings Settings) (Provider, error) {
	switch strings.ToLower(settings.Type) {
	case "openai", "openrouter", "custom", "":
		return NewOpenAIProvider(settings)
	case "anthropic":
		return NewAnthropicProvider(settings)
	case "google", "gemini":
		return NewGeminiProvider(settings)
	case "ollama":
		return NewOllamaProvider(settings)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", settings.Type)
	}
}
