package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/internal/sessions"
	"github.com/haasonsaas/arc/pkg/models"
)

// StopReasonStreamError marks a message that ended because the LLM stream
// dropped mid-response.
const StopReasonStreamError = "stream_error"

// BlockInit carries the initial fields of a content_start event.
type BlockInit struct {
	ToolID   string
	ToolName string
}

// Broadcaster assigns session-local sequence numbers to executor events,
// accumulates streamed blocks into assistant messages, persists them at
// message end, and fans events out to subscribers.
//
// All writes for a session pass through the session's mutex, which is what
// makes seq strictly monotonic and gap-free.
type Broadcaster struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionStream
	store      sessions.Store
	logger     *observability.Logger
	bufferSize int
}

// sessionStream is the per-session broadcast state.
type sessionStream struct {
	mu sync.Mutex

	sessionID      string
	conversationID string
	messageID      string

	seq       uint64
	nextIndex int
	openIndex int // -1 when no block is open

	acc   *ContentAccumulator
	usage models.Usage

	replay     []models.Event
	subscriber map[int]chan models.Event
	nextSubID  int
}

// NewBroadcaster creates a broadcaster. store may be nil to disable
// persistence (tests, dry runs). bufferSize bounds the per-session replay
// buffer and each subscriber channel.
func NewBroadcaster(store sessions.Store, logger *observability.Logger, bufferSize int) *Broadcaster {
	if logger == nil {
		logger = observability.Nop()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broadcaster{
		sessions:   map[string]*sessionStream{},
		store:      store,
		logger:     logger,
		bufferSize: bufferSize,
	}
}

func (b *Broadcaster) session(sessionID string) *sessionStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.sessions[sessionID]
	if !ok {
		stream = &sessionStream{
			sessionID:  sessionID,
			openIndex:  -1,
			acc:        NewContentAccumulator(),
			subscriber: map[int]chan models.Event{},
		}
		b.sessions[sessionID] = stream
	}
	return stream
}

// publish stamps and dispatches one event. Caller holds stream.mu.
func (b *Broadcaster) publish(stream *sessionStream, eventType models.EventType, data map[string]any) models.Event {
	stream.seq++
	event := models.Event{
		Type:           eventType,
		Data:           data,
		Seq:            stream.seq,
		MessageID:      stream.messageID,
		SessionID:      stream.sessionID,
		ConversationID: stream.conversationID,
		Time:           time.Now(),
	}

	stream.replay = append(stream.replay, event)
	if len(stream.replay) > b.bufferSize {
		stream.replay = stream.replay[len(stream.replay)-b.bufferSize:]
	}

	for id, ch := range stream.subscriber {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop it rather than stall the session. It can
			// re-subscribe from its last seq and catch up via replay.
			close(ch)
			delete(stream.subscriber, id)
		}
	}
	return event
}

// StartMessage begins a new assistant message, resetting block state.
func (b *Broadcaster) StartMessage(ctx context.Context, sessionID, conversationID, messageID string) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if messageID == "" {
		messageID = uuid.NewString()
	}
	stream.conversationID = conversationID
	stream.messageID = messageID
	stream.nextIndex = 0
	stream.openIndex = -1
	stream.usage = models.Usage{}
	stream.acc.Reset()

	b.publish(stream, models.EventMessageStart, map[string]any{"message_id": messageID})
}

// StartBlock closes any open block and opens a new one, returning its index.
func (b *Broadcaster) StartBlock(ctx context.Context, sessionID string, blockType models.BlockType, init BlockInit) (int, error) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.openIndex >= 0 {
		if err := b.closeBlock(stream, stream.openIndex, ""); err != nil {
			var malformed *MalformedToolInputError
			if !errors.As(err, &malformed) {
				return 0, err
			}
			b.logger.Warn(ctx, "dropped malformed tool_use block", "error", err)
		}
	}

	index := stream.nextIndex
	stream.nextIndex++
	stream.openIndex = index
	if err := stream.acc.Open(index, blockType, init.ToolID, init.ToolName); err != nil {
		return 0, err
	}

	data := map[string]any{"index": index, "block_type": string(blockType)}
	if init.ToolID != "" {
		data["tool_id"] = init.ToolID
		data["tool_name"] = init.ToolName
	}
	b.publish(stream, models.EventContentStart, data)
	if blockType == models.BlockToolUse {
		b.publish(stream, models.EventToolUseStart, map[string]any{
			"index": index, "tool_id": init.ToolID, "tool_name": init.ToolName,
		})
	}
	return index, nil
}

// Delta appends a fragment to the block at index. Tool input fragments feed
// the incremental JSON parse; thinking and input deltas also emit their
// transport-friendly duplicate event types.
func (b *Broadcaster) Delta(ctx context.Context, sessionID string, index int, blockType models.BlockType, fragment string) error {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	switch blockType {
	case models.BlockToolUse:
		if err := stream.acc.AppendInput(index, fragment); err != nil {
			return err
		}
		b.publish(stream, models.EventInputDelta, map[string]any{"index": index, "partial_json": fragment})
	case models.BlockThinking:
		if err := stream.acc.AppendText(index, fragment); err != nil {
			return err
		}
		b.publish(stream, models.EventThinkingDelta, map[string]any{"index": index, "text": fragment})
	default:
		if err := stream.acc.AppendText(index, fragment); err != nil {
			return err
		}
		b.publish(stream, models.EventContentDelta, map[string]any{"index": index, "text": fragment})
	}
	return nil
}

// StopBlock finalizes the block at index. A malformed tool_use input buffer
// surfaces here as a protocol error.
func (b *Broadcaster) StopBlock(ctx context.Context, sessionID string, index int, signature string) error {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return b.closeBlock(stream, index, signature)
}

func (b *Broadcaster) closeBlock(stream *sessionStream, index int, signature string) error {
	err := stream.acc.Close(index, signature)
	if stream.openIndex == index {
		stream.openIndex = -1
	}
	var malformed *MalformedToolInputError
	if errors.As(err, &malformed) {
		// The block was dropped, but its content_start still needs a
		// matching content_stop before the error travels up.
		b.publish(stream, models.EventContentStop, map[string]any{"index": index})
		return err
	}
	if err != nil {
		return err
	}
	b.publish(stream, models.EventContentStop, map[string]any{"index": index})
	return nil
}

// EmitBlock appends a complete block atomically, used for tool results.
func (b *Broadcaster) EmitBlock(ctx context.Context, sessionID string, block models.ContentBlock) error {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	index := stream.nextIndex
	stream.nextIndex++

	data := map[string]any{"index": index, "block_type": string(block.Type)}
	b.publish(stream, models.EventContentStart, data)
	if block.Type == models.BlockToolResult {
		payload := map[string]any{
			"index":       index,
			"tool_use_id": block.ToolUseID,
			"is_error":    block.IsError,
		}
		if block.Content != nil {
			payload["content"] = block.Content.String()
		}
		b.publish(stream, models.EventToolResult, payload)
	}
	b.publish(stream, models.EventContentStop, map[string]any{"index": index})
	return nil
}

// AccumulateUsage adds token usage to the in-flight message.
func (b *Broadcaster) AccumulateUsage(ctx context.Context, sessionID string, usage models.Usage) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.usage.Add(usage)
}

// EmitMessageDelta publishes a message-level delta such as a stop_reason.
func (b *Broadcaster) EmitMessageDelta(ctx context.Context, sessionID string, data map[string]any) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	b.publish(stream, models.EventMessageDelta, data)
}

// EmitMessageStop ends the in-flight message and persists the accumulated
// content as one assistant message. On stream_error the still-open partial
// block is discarded and an error event emitted; completed blocks persist.
// Thinking blocks never persist since providers reject replaying them.
func (b *Broadcaster) EmitMessageStop(ctx context.Context, sessionID, stopReason string) (models.Message, error) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stopReason == StopReasonStreamError {
		if discarded := stream.acc.DiscardOpen(); discarded > 0 {
			b.publish(stream, models.EventError, map[string]any{
				"error":            "connection interrupted, please retry",
				"discarded_blocks": discarded,
			})
		}
		stream.openIndex = -1
	} else if stream.openIndex >= 0 {
		if err := b.closeBlock(stream, stream.openIndex, ""); err != nil {
			var malformed *MalformedToolInputError
			if !errors.As(err, &malformed) {
				return models.Message{}, err
			}
			// Block already dropped; the rest of the message persists.
		}
	}

	var content []models.ContentBlock
	for _, block := range stream.acc.Blocks() {
		if block.Type == models.BlockThinking {
			continue
		}
		content = append(content, block)
	}

	message := models.Message{
		ID:             stream.messageID,
		SessionID:      stream.sessionID,
		ConversationID: stream.conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		Status:         models.StatusCompleted,
		Metadata: map[string]any{
			"stop_reason":   stopReason,
			"input_tokens":  stream.usage.InputTokens,
			"output_tokens": stream.usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
	if stopReason == StopReasonStreamError {
		message.Status = models.StatusFailed
	}

	if b.store != nil && len(content) > 0 {
		if err := b.store.AppendMessage(ctx, sessionID, &message); err != nil {
			b.logger.Error(ctx, "persist assistant message failed",
				"error", err, "session_id", sessionID, "message_id", message.ID)
		}
	}

	b.publish(stream, models.EventMessageStop, map[string]any{
		"stop_reason":   stopReason,
		"input_tokens":  stream.usage.InputTokens,
		"output_tokens": stream.usage.OutputTokens,
	})
	return message, nil
}

// Emit publishes a session-level event outside the message block protocol
// (warnings, backtrack notices, confirmation prompts).
func (b *Broadcaster) Emit(ctx context.Context, sessionID string, eventType models.EventType, data map[string]any) models.Event {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return b.publish(stream, eventType, data)
}

// Accumulator exposes the session's accumulator to its single-writer
// executor, for reading back folded blocks at turn end.
func (b *Broadcaster) Accumulator(sessionID string) *ContentAccumulator {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.acc
}

// LastSeq returns the session's current sequence number.
func (b *Broadcaster) LastSeq(sessionID string) uint64 {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.seq
}

// Subscribe returns a channel of the session's events starting after
// afterSeq. Buffered events still in the replay window are delivered first.
// The returned cancel function must be called to release the subscription;
// the channel also closes if the subscriber falls too far behind.
func (b *Broadcaster) Subscribe(sessionID string, afterSeq uint64) (<-chan models.Event, func()) {
	stream := b.session(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	ch := make(chan models.Event, b.bufferSize)
	for _, event := range stream.replay {
		if event.Seq > afterSeq {
			ch <- event
		}
	}

	id := stream.nextSubID
	stream.nextSubID++
	stream.subscriber[id] = ch

	cancel := func() {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		if ch, ok := stream.subscriber[id]; ok {
			close(ch)
			delete(stream.subscriber, id)
		}
	}
	return ch, cancel
}

// Release drops all broadcast state for a finished session.
func (b *Broadcaster) Release(sessionID string) {
	b.mu.Lock()
	stream, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	for id, ch := range stream.subscriber {
		close(ch)
		delete(stream.subscriber, id)
	}
}
