// Package ollama adapts a local Ollama instance to provider.ChatModel
// by pointing the OpenAI adapter at Ollama's OpenAI-compatible
// /v1 endpoint. Ollama needs no API key; any non-empty string
// satisfies the SDK's auth header requirement.
package ollama

import (
	"github.com/rs/zerolog"

	"github.com/poucet/noema/internal/provider/openai"
)

const defaultBaseURL = "http://localhost:11434/v1"

// New builds an Ollama adapter. baseURL defaults to the local daemon's
// OpenAI-compatible endpoint if empty.
func New(baseURL, modelID string, log zerolog.Logger) *openai.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openai.New("ollama", baseURL, modelID, "ollama", log)
}
