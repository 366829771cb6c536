// Package gemini adapts Google's Gemini API to the provider.ChatModel
// capability.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/poucet/noema/internal/provider"
)

// Provider implements provider.ChatModel for one Gemini model id.
type Provider struct {
	client  *genai.Client
	modelID string
	log     zerolog.Logger
}

// New builds a Gemini adapter.
func New(ctx context.Context, apiKey, baseURL, modelID string, log zerolog.Logger) (*Provider, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		config.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:  client,
		modelID: modelID,
		log:     log.With().Str("provider", "gemini").Str("model", modelID).Logger(),
	}, nil
}

func (p *Provider) ID() string { return "gemini/" + p.modelID }

// Stream sends a canonical request to Gemini and decodes its
// iter.Seq2-shaped stream into canonical chunks.
func (p *Provider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	out := make(chan provider.ChatChunk, 64)

	contents, system := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}

	go func() {
		defer close(out)

		var finishReason string
		var completionSent bool

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				p.log.Error().Err(err).Msg("gemini stream failed")
				out <- provider.ChatChunk{Type: provider.ChunkError, Err: err}
				return
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content != nil {
					for _, part := range candidate.Content.Parts {
						if part.Text != "" {
							out <- provider.ChatChunk{Type: provider.ChunkDelta, Delta: part.Text}
						}
						if part.FunctionCall != nil {
							out <- provider.ChatChunk{
								Type: provider.ChunkToolCall,
								ToolCall: &provider.ToolCall{
									Name:      part.FunctionCall.Name,
									Arguments: part.FunctionCall.Args,
								},
							}
						}
					}
				}
				if candidate.FinishReason != "" {
					finishReason = string(candidate.FinishReason)
				}
			}
			if resp.UsageMetadata != nil && !completionSent {
				out <- provider.ChatChunk{
					Type: provider.ChunkComplete,
					Usage: &provider.Usage{
						PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
						CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
						TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
					},
					FinishReason: finishReason,
				}
				completionSent = true
			}
		}

		if !completionSent {
			out <- provider.ChatChunk{Type: provider.ChunkComplete, FinishReason: finishReason}
		}
	}()

	return out, nil
}

// toGeminiTools converts canonical tool definitions to Gemini function
// declarations, sanitising each schema for Gemini's restricted dialect
// first.
func toGeminiTools(tools []provider.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := provider.CleanSchemaForProvider(t.Parameters, "gemini")
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if typeStr, ok := schema["type"].(string); ok {
		switch typeStr {
		case "object":
			out.Type = genai.TypeObject
		case "array":
			out.Type = genai.TypeArray
		case "string":
			out.Type = genai.TypeString
		case "number":
			out.Type = genai.TypeNumber
		case "integer":
			out.Type = genai.TypeInteger
		case "boolean":
			out.Type = genai.TypeBoolean
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				out.Required = append(out.Required, rs)
			}
		}
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	return out
}

// ListModels lists Gemini's generative models, deriving capabilities
// from the metadata the API returns (unlike OpenAI, which omits it).
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelDefinition, error) {
	page, err := p.client.Models.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []provider.ModelDefinition
	for {
		for _, model := range page.Items {
			if model == nil {
				continue
			}
			caps := []provider.Capability{provider.CapabilityText}
			for _, action := range model.SupportedActions {
				if action == "embedContent" {
					caps = append(caps, provider.CapabilityEmbedding)
				}
			}
			out = append(out, provider.ModelDefinition{
				ID:            "gemini/" + model.Name,
				Capabilities:  caps,
				ContextWindow: int(model.InputTokenLimit),
			})
		}
		if page.NextPageToken == "" {
			break
		}
		page, err = page.Next(ctx)
		if err != nil {
			break
		}
	}
	return out, nil
}

// toGeminiContents translates canonical messages to Gemini Content,
// splitting system messages into the dedicated instruction field Google
// requires.
func toGeminiContents(messages []provider.ChatMessage) ([]*genai.Content, string) {
	var result []*genai.Content
	var system string

	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
		case provider.RoleUser:
			content := &genai.Content{Role: "user"}
			for _, b := range msg.Payload {
				switch b.Kind {
				case provider.BlockText:
					content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
				case provider.BlockImage:
					content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{MIMEType: b.MimeType, Data: decodeBase64(b.Data)}})
				}
			}
			result = append(result, content)
		case provider.RoleAssistant:
			content := &genai.Content{Role: "model"}
			for _, b := range msg.Payload {
				switch b.Kind {
				case provider.BlockText:
					if b.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
					}
				case provider.BlockToolCall:
					content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						Name: b.ToolCall.Name,
						Args: b.ToolCall.Arguments,
					}})
				}
			}
			result = append(result, content)
		case provider.RoleTool:
			content := &genai.Content{Role: "user"}
			for _, b := range msg.Payload {
				if b.Kind != provider.BlockToolResult {
					continue
				}
				response := functionResponseObject(b.ToolParts)
				content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     b.ToolName,
					Response: response,
				}})
			}
			result = append(result, content)
		}
	}

	return result, system
}

// functionResponseObject satisfies Gemini's requirement that a
// function response be a JSON object: a plain-text result is wrapped
// as {"result": text}.
func functionResponseObject(parts []provider.ToolResultPart) map[string]any {
	var text string
	for _, p := range parts {
		if p.Kind == "text" || p.Kind == "" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	var parsed map[string]any
	if json.Unmarshal([]byte(text), &parsed) == nil && parsed != nil {
		return parsed
	}
	return map[string]any{"result": text}
}

func decodeBase64(s string) []byte {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}
