// Package openai adapts OpenAI's Chat Completions API to the
// provider.ChatModel capability. ollama and other OpenAI-compatible
// backends reuse this adapter with a different base URL.
package openai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared/constant"
	"github.com/rs/zerolog"

	"github.com/poucet/noema/internal/provider"
)

// Provider implements provider.ChatModel for one OpenAI(-compatible) model id.
type Provider struct {
	client  openai.Client
	modelID string
	label   string // "openai" or "ollama", used for the ID() prefix and logging
	log     zerolog.Logger
}

// New builds an OpenAI adapter. baseURL overrides the default
// endpoint; label distinguishes an ollama-branded wrapper from the
// real OpenAI API in logs and in ID().
func New(apiKey, baseURL, modelID, label string, log zerolog.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if label == "" {
		label = "openai"
	}
	return &Provider{
		client:  openai.NewClient(opts...),
		modelID: modelID,
		label:   label,
		log:     log.With().Str("provider", label).Str("model", modelID).Logger(),
	}
}

func (p *Provider) ID() string { return p.label + "/" + p.modelID }

type activeToolCall struct {
	id   string
	name string
	args strings.Builder
}

// Stream sends a canonical request through Chat Completions streaming
// and decodes index-keyed tool-call deltas, accumulating each call's
// arguments until the stream closes (OpenAI never signals a single
// call's completion mid-stream the way Claude's block-stop event does).
func (p *Provider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	out := make(chan provider.ChatChunk, 64)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	go func() {
		defer close(out)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		if stream == nil {
			out <- provider.ChatChunk{Type: provider.ChunkError, Err: errNoStream}
			return
		}

		active := map[int64]*activeToolCall{}
		var finishReason string
		var usage *provider.Usage

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage = &provider.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- provider.ChatChunk{Type: provider.ChunkDelta, Delta: choice.Delta.Content}
				}
				for _, toolDelta := range choice.Delta.ToolCalls {
					call, exists := active[toolDelta.Index]
					if !exists {
						call = &activeToolCall{id: toolDelta.ID}
						active[toolDelta.Index] = call
					}
					if toolDelta.ID != "" {
						call.id = toolDelta.ID
					}
					if toolDelta.Function.Name != "" {
						call.name = toolDelta.Function.Name
					}
					if toolDelta.Function.Arguments != "" {
						call.args.WriteString(toolDelta.Function.Arguments)
					}
				}
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
			}
		}

		if err := stream.Err(); err != nil {
			p.log.Error().Err(err).Msg("openai stream failed")
			out <- provider.ChatChunk{Type: provider.ChunkError, Err: err}
			return
		}

		for _, call := range active {
			args := map[string]any{}
			if raw := call.args.String(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			out <- provider.ChatChunk{Type: provider.ChunkToolCall, ToolCall: &provider.ToolCall{
				ID: call.id, Name: call.name, Arguments: args,
			}}
		}

		out <- provider.ChatChunk{Type: provider.ChunkComplete, FinishReason: finishReason, Usage: usage}
	}()

	return out, nil
}

// ListModels returns one entry per model the API lists, each marked
// text-only since this adapter has no reliable way to infer capabilities
// from OpenAI's bare model listing (per spec, providers without
// capability metadata assume text-only).
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelDefinition, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.ModelDefinition, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, provider.ModelDefinition{
			ID:           p.label + "/" + m.ID,
			Capabilities: []provider.Capability{provider.CapabilityText},
		})
	}
	return out, nil
}

var errNoStream = &streamInitError{}

type streamInitError struct{}

func (*streamInitError) Error() string { return "openai: streaming request could not be created" }

// toOpenAIMessages translates canonical messages to Chat Completions
// params: system prompts are inlined as a dedicated message role
// rather than split into a side channel, per OpenAI's convention.
func toOpenAIMessages(messages []provider.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Text()))
		case provider.RoleUser:
			result = append(result, userMessage(msg))
		case provider.RoleAssistant:
			result = append(result, assistantMessage(msg))
		case provider.RoleTool:
			for _, b := range msg.Payload {
				if b.Kind == provider.BlockToolResult {
					result = append(result, openai.ToolMessage(toolResultText(b.ToolParts), b.ToolCallID))
				}
			}
		}
	}
	return result
}

func userMessage(msg provider.ChatMessage) openai.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, b := range msg.Payload {
		if b.Kind == provider.BlockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(msg.Text())
	}

	var parts []openai.ChatCompletionContentPartUnionParam
	for _, b := range msg.Payload {
		switch b.Kind {
		case provider.BlockText:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: b.Text},
			})
		case provider.BlockImage:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
						URL: "data:" + b.MimeType + ";base64," + b.Data,
					},
				},
			})
		case provider.BlockAudio:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfInputAudio: &openai.ChatCompletionContentPartInputAudioParam{
					InputAudio: openai.ChatCompletionContentPartInputAudioInputAudioParam{
						Data:   b.Data,
						Format: audioFormat(b.MimeType),
					},
				},
			})
		}
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}
}

func assistantMessage(msg provider.ChatMessage) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
	text := msg.Text()
	for _, b := range msg.Payload {
		if b.Kind != provider.BlockToolCall {
			continue
		}
		argsJSON, _ := json.Marshal(b.ToolCall.Arguments)
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: b.ToolCall.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      b.ToolCall.Name,
					Arguments: string(argsJSON),
				},
				Type: constant.ValueOf[constant.Function](),
			},
		})
	}
	msgParam := openai.ChatCompletionAssistantMessageParam{}
	if text != "" {
		msgParam.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	if len(toolCalls) > 0 {
		msgParam.ToolCalls = toolCalls
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msgParam}
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

func audioFormat(mimeType string) string {
	switch mimeType {
	case "audio/mp3", "audio/mpeg":
		return "mp3"
	default:
		return "wav"
	}
}

// toOpenAITools converts canonical tool definitions to OpenAI's
// function-tool shape; OpenAI accepts raw JSON Schema so no
// sanitisation is needed beyond what CoerceArgsToSchema does on the
// dispatch side.
func toOpenAITools(tools []provider.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		function := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: t.Parameters,
		}
		if t.Description != "" {
			function.Description = openai.String(t.Description)
		}
		result = append(result, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: function,
				Type:     constant.ValueOf[constant.Function](),
			},
		})
	}
	return result
}
