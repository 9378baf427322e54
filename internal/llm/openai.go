package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/arc/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIService adapts the OpenAI Chat Completions API to the Service contract.
//
// OpenAI streams tool calls incrementally: the ID and function name arrive in
// the first fragment, arguments are streamed as JSON fragments afterwards.
// Each tool call index maps to its own content block so the downstream
// accumulator sees the same block shape either provider produces.
type OpenAIService struct {
	client  *openai.Client
	model   string
	counter *TokenCounter
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIService creates the adapter. The API key is required.
func NewOpenAIService(config OpenAIConfig) (*OpenAIService, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIService{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   config.Model,
		counter: NewTokenCounter(config.Model),
	}, nil
}

// Name returns "openai".
func (s *OpenAIService) Name() string { return "openai" }

// CountTokens estimates tokens for a text.
func (s *OpenAIService) CountTokens(text string) int { return s.counter.Count(text) }

// CreateMessageStream issues a streaming chat completion and translates deltas
// to the provider-agnostic chunk vocabulary.
func (s *OpenAIService) CreateMessageStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq, err := s.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := s.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan Chunk, 16)
	go s.processStream(stream, chunks)
	return chunks, nil
}

func (s *OpenAIService) processStream(stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	chunks <- Chunk{Kind: ChunkMessageStart}

	var (
		usage      models.Usage
		stopReason = StopEndTurn
		textOpen   = false
		nextIndex  = 0
		textIndex  = -1
		// OpenAI tool call index -> our block index.
		toolBlocks = map[int]int{}
	)

	closeText := func() {
		if textOpen {
			chunks <- Chunk{Kind: ChunkBlockStop, Index: textIndex}
			textOpen = false
		}
	}
	closeTools := func() {
		for _, idx := range toolBlocks {
			chunks <- Chunk{Kind: ChunkBlockStop, Index: idx}
		}
		toolBlocks = map[int]int{}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeText()
				closeTools()
				chunks <- Chunk{Kind: ChunkMessageStop, StopReason: stopReason, Usage: &usage}
				return
			}
			chunks <- Chunk{Kind: ChunkError, Err: fmt.Errorf("openai: %w", err)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textOpen {
				textIndex = nextIndex
				nextIndex++
				textOpen = true
				chunks <- Chunk{Kind: ChunkBlockStart, Index: textIndex, BlockType: models.BlockText}
			}
			chunks <- Chunk{Kind: ChunkTextDelta, Index: textIndex, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			position := 0
			if tc.Index != nil {
				position = *tc.Index
			}
			idx, started := toolBlocks[position]
			if !started {
				closeText()
				idx = nextIndex
				nextIndex++
				toolBlocks[position] = idx
				chunks <- Chunk{
					Kind:      ChunkBlockStart,
					Index:     idx,
					BlockType: models.BlockToolUse,
					ToolID:    tc.ID,
					ToolName:  tc.Function.Name,
				}
			}
			if tc.Function.Arguments != "" {
				chunks <- Chunk{Kind: ChunkInputDelta, Index: idx, Text: tc.Function.Arguments}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = StopToolUse
		case openai.FinishReasonLength:
			stopReason = StopMaxTokens
		}
	}
}

// CreateMessage is the non-streaming fallback.
func (s *OpenAIService) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	chatReq, err := s.buildRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: empty completion")
	}

	choice := completion.Choices[0]
	resp := &Response{
		Model: completion.Model,
		Usage: models.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		resp.StopReason = StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, models.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			return nil, fmt.Errorf("openai: tool arguments parse failed: %w", err)
		}
		resp.Content = append(resp.Content, models.ToolUseBlock(tc.ID, tc.Function.Name, input))
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return resp, nil
}

func (s *OpenAIService) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = s.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools, err := convertOpenAITools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		chatReq.Tools = tools
	}
	return chatReq, nil
}

// convertOpenAIMessages flattens block-structured messages to the chat
// completion shape. Tool results each become a separate "tool" role message,
// assistant tool uses become tool_calls on the assistant message.
func convertOpenAIMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.Text(); text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: text,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, block := range msg.ToolUses() {
				args, err := json.Marshal(block.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: tool input marshal failed: %w", err)
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, oaiMsg)

		default:
			for _, block := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content.String(),
					ToolCallID: block.ToolUseID,
				})
			}
			if text := msg.Text(); text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}
	if len(result) == 0 {
		return nil, errors.New("openai: no sendable messages")
	}
	return result, nil
}

func convertOpenAITools(tools []ToolDefinition) ([]openai.Tool, error) {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return result, nil
}
