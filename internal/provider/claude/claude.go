// Package claude adapts Anthropic's Messages API to the provider.ChatModel
// capability.
package claude

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/poucet/noema/internal/provider"
)

// Provider implements provider.ChatModel for one Claude model id.
type Provider struct {
	client  anthropic.Client
	modelID string
	log     zerolog.Logger
}

// New builds a Claude adapter. baseURL overrides the default API
// endpoint, used to route through a proxy.
func New(apiKey, baseURL, modelID string, log zerolog.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{
		client:  anthropic.NewClient(opts...),
		modelID: modelID,
		log:     log.With().Str("provider", "claude").Str("model", modelID).Logger(),
	}
}

func (p *Provider) ID() string { return "claude/" + p.modelID }

// Stream sends a canonical request to Claude and decodes its SSE
// stream into canonical chunks. Tool inputs arrive as fragmented
// partial JSON across ContentBlockDeltaEvents and are only emitted as
// a ChatChunk once the block closes.
func (p *Provider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	out := make(chan provider.ChatChunk, 64)

	messages, system := toClaudeMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toClaudeTools(req.Tools)
	}

	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)

		var currentCall *provider.ToolCall
		var currentInput strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch evt := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := evt.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- provider.ChatChunk{Type: provider.ChunkDelta, Delta: delta.Text}
				case anthropic.InputJSONDelta:
					currentInput.WriteString(delta.PartialJSON)
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					currentCall = &provider.ToolCall{ID: block.ID, Name: block.Name}
					currentInput.Reset()
				}
			case anthropic.ContentBlockStopEvent:
				if currentCall != nil {
					args := map[string]any{}
					raw := currentInput.String()
					if raw != "" {
						_ = json.Unmarshal([]byte(raw), &args)
					}
					currentCall.Arguments = args
					out <- provider.ChatChunk{Type: provider.ChunkToolCall, ToolCall: currentCall}
					currentCall = nil
				}
			case anthropic.MessageDeltaEvent:
				var usage *provider.Usage
				if evt.Usage.OutputTokens > 0 {
					usage = &provider.Usage{CompletionTokens: int(evt.Usage.OutputTokens)}
				}
				out <- provider.ChatChunk{
					Type:         provider.ChunkComplete,
					FinishReason: string(evt.Delta.StopReason),
					Usage:        usage,
				}
			}
		}

		if err := stream.Err(); err != nil {
			p.log.Error().Err(err).Msg("claude stream failed")
			out <- provider.ChatChunk{Type: provider.ChunkError, Err: err}
		}
	}()

	return out, nil
}

// ListModels returns the fixed set of known Claude models; Anthropic
// has no models-listing endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelDefinition, error) {
	return []provider.ModelDefinition{
		{ID: "claude/claude-opus-4-1", Capabilities: []provider.Capability{provider.CapabilityText, provider.CapabilityImage}, ContextWindow: 200000},
		{ID: "claude/claude-sonnet-4-5", Capabilities: []provider.Capability{provider.CapabilityText, provider.CapabilityImage}, ContextWindow: 200000},
		{ID: "claude/claude-3-5-haiku-latest", Capabilities: []provider.Capability{provider.CapabilityText, provider.CapabilityImage}, ContextWindow: 200000},
	}, nil
}

// toClaudeMessages splits system messages into a dedicated field (the
// only form Claude accepts them in) and translates every other message
// to Claude's block-per-role representation.
func toClaudeMessages(messages []provider.ChatMessage) ([]anthropic.MessageParam, string) {
	var result []anthropic.MessageParam
	var system []string

	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case provider.RoleUser, provider.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range msg.Payload {
				switch b.Kind {
				case provider.BlockText:
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				case provider.BlockImage:
					blocks = append(blocks, anthropic.NewImageBlockBase64(b.MimeType, b.Data))
				case provider.BlockToolResult:
					blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolCallID, toolResultText(b.ToolParts), false))
				}
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		case provider.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range msg.Payload {
				switch b.Kind {
				case provider.BlockText:
					if b.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(b.Text))
					}
				case provider.BlockToolCall:
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, map[string]any(b.ToolCall.Arguments), b.ToolCall.Name))
				}
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}

	return result, strings.Join(system, "\n\n")
}

func toolResultText(parts []provider.ToolResultPart) string {
	var texts []string
	for _, p := range parts {
		if p.Kind == "text" || p.Kind == "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func toClaudeTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if required, ok := t.Parameters["required"].([]any); ok {
			for _, r := range required {
				if rs, ok := r.(string); ok {
					schema.Required = append(schema.Required, rs)
				}
			}
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return result
}
