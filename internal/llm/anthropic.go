package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/arc/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicService adapts the Anthropic Messages API to the Service contract.
type AnthropicService struct {
	client  anthropic.Client
	model   string
	counter *TokenCounter
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropicService creates the adapter. The API key is required.
func NewAnthropicService(config AnthropicConfig) (*AnthropicService, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.Model == "" {
		config.Model = defaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicService{
		client:  anthropic.NewClient(options...),
		model:   config.Model,
		counter: NewTokenCounter(config.Model),
	}, nil
}

// Name returns "anthropic".
func (s *AnthropicService) Name() string { return "anthropic" }

// CountTokens estimates tokens for a text.
func (s *AnthropicService) CountTokens(text string) int { return s.counter.Count(text) }

// CreateMessageStream issues a streaming Messages request and translates SDK
// events to the provider-agnostic chunk vocabulary.
func (s *AnthropicService) CreateMessageStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk, 16)

	go func() {
		defer close(chunks)

		blockTypes := map[int]models.BlockType{}
		var usage models.Usage
		stopReason := StopEndTurn

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)
				chunks <- Chunk{Kind: ChunkMessageStart}

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				idx := int(blockStart.Index)
				switch blockStart.ContentBlock.Type {
				case "thinking":
					blockTypes[idx] = models.BlockThinking
					chunks <- Chunk{Kind: ChunkBlockStart, Index: idx, BlockType: models.BlockThinking}
				case "tool_use":
					toolUse := blockStart.ContentBlock.AsToolUse()
					blockTypes[idx] = models.BlockToolUse
					chunks <- Chunk{
						Kind:      ChunkBlockStart,
						Index:     idx,
						BlockType: models.BlockToolUse,
						ToolID:    toolUse.ID,
						ToolName:  toolUse.Name,
					}
				default:
					blockTypes[idx] = models.BlockText
					chunks <- Chunk{Kind: ChunkBlockStart, Index: idx, BlockType: models.BlockText}
				}

			case "content_block_delta":
				blockDelta := event.AsContentBlockDelta()
				idx := int(blockDelta.Index)
				delta := blockDelta.Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- Chunk{Kind: ChunkTextDelta, Index: idx, Text: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						chunks <- Chunk{Kind: ChunkThinkingDelta, Index: idx, Text: delta.Thinking}
					}
				case "signature_delta":
					chunks <- Chunk{Kind: ChunkBlockStop, Index: idx, Signature: delta.Signature}
					delete(blockTypes, idx)
				case "input_json_delta":
					if delta.PartialJSON != "" {
						chunks <- Chunk{Kind: ChunkInputDelta, Index: idx, Text: delta.PartialJSON}
					}
				}

			case "content_block_stop":
				blockStop := event.AsContentBlockStop()
				idx := int(blockStop.Index)
				if _, open := blockTypes[idx]; open {
					chunks <- Chunk{Kind: ChunkBlockStop, Index: idx}
					delete(blockTypes, idx)
				}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
				switch messageDelta.Delta.StopReason {
				case "tool_use":
					stopReason = StopToolUse
				case "max_tokens":
					stopReason = StopMaxTokens
				}

			case "message_stop":
				chunks <- Chunk{Kind: ChunkMessageStop, StopReason: stopReason, Usage: &usage}
				return

			case "error":
				chunks <- Chunk{Kind: ChunkError, Err: errors.New("anthropic: stream error event")}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic: %w", err)}
		}
	}()

	return chunks, nil
}

// CreateMessage is the non-streaming fallback.
func (s *AnthropicService) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	resp := &Response{
		Model: string(msg.Model),
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	switch msg.StopReason {
	case "tool_use":
		resp.StopReason = StopToolUse
	case "max_tokens":
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, models.TextBlock(block.Text))
		case "tool_use":
			toolUse := block.AsToolUse()
			var input map[string]any
			if err := json.Unmarshal(toolUse.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool input parse failed: %w", err)
			}
			resp.Content = append(resp.Content, models.ToolUseBlock(toolUse.ID, toolUse.Name, input))
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Input: input})
		}
	}
	return resp, nil
}

func (s *AnthropicService) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = s.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}
	return params, nil
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case models.BlockThinking:
				// Thinking blocks are not replayed; providers reject unsigned ones.
				continue
			case models.BlockToolUse:
				content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolUseID,
					block.Content.String(),
					block.IsError,
				))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	if len(result) == 0 {
		return nil, errors.New("anthropic: no sendable messages")
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
