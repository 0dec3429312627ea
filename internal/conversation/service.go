// ABOUTME: Conversation service layered over the store for callers feeding an LLM
// ABOUTME: Exports chat history, extracts branches of the message tree and publishes changes

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/convstore/internal/store"
)

// ChatMessage is one entry of the history handed to a language model.
type ChatMessage struct {
	Role       store.Role      `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// HistoryOptions selects which messages History returns.
type HistoryOptions struct {
	// Limit keeps only the most recent messages; zero keeps all of them.
	// It is applied before system messages are dropped.
	Limit         int
	IncludeSystem bool
}

// Service wraps a ConversationStore. Every successful mutation made through
// it is published to the broadcaster after it has been stored.
type Service struct {
	store       store.ConversationStore
	broadcaster *EventBroadcaster
	logger      *slog.Logger
}

// New creates a Service. broadcaster may be nil.
func New(s store.ConversationStore, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       s,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// Append stores a message and then announces it.
func (s *Service) Append(ctx context.Context, msg store.NewMessage) (*store.Message, error) {
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("message appended",
		"conversation_id", stored.ConversationID,
		"message_id", stored.ID,
		"role", stored.Role)

	s.publish(&Event{Type: EventMessageAppended, ConversationID: stored.ConversationID, Message: stored})
	return stored, nil
}

// DeleteMessage removes a message and its replies and announces the removal.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (int, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	removed, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	s.publish(&Event{
		Type:           EventMessagesRemoved,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		Removed:        removed,
	})
	return removed, nil
}

// Clear removes every message of a conversation and announces the removal.
func (s *Service) Clear(ctx context.Context, conversationID string) (int, error) {
	removed, err := s.store.ClearMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	s.publish(&Event{Type: EventMessagesRemoved, ConversationID: conversationID, Removed: removed})
	return removed, nil
}

// Rename changes a conversation's title.
func (s *Service) Rename(ctx context.Context, conversationID, title string) (*store.Conversation, error) {
	conv, err := s.store.UpdateConversation(ctx, conversationID, store.ConversationUpdate{Title: &title})
	if err != nil {
		return nil, fmt.Errorf("renaming conversation: %w", err)
	}
	s.publish(&Event{Type: EventConversationUpdated, ConversationID: conv.ID, Conversation: conv})
	return conv, nil
}

// History returns the conversation in chronological order in the shape an
// LLM chat API expects.
func (s *Service) History(ctx context.Context, conversationID string, opts HistoryOptions) ([]ChatMessage, error) {
	var messages []*store.Message
	if opts.Limit > 0 {
		recent, err := s.store.RecentMessages(ctx, conversationID, opts.Limit)
		if err != nil {
			return nil, err
		}
		messages = recent
	} else {
		for msg, err := range s.store.ListMessages(ctx, conversationID) {
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
	}

	history := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == store.RoleSystem && !opts.IncludeSystem {
			continue
		}
		history = append(history, toChatMessage(msg))
	}
	return history, nil
}

func toChatMessage(msg *store.Message) ChatMessage {
	cm := ChatMessage{
		Role:      msg.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	}
	if msg.ToolCallID != nil {
		cm.ToolCallID = *msg.ToolCallID
	}
	return cm
}

// Branch returns the path from the root of the message's tree down to the
// message itself, which is the context a reply to that message sees.
func (s *Service) Branch(ctx context.Context, messageID string) ([]*store.Message, error) {
	var path []*store.Message
	seen := make(map[string]bool)

	id := messageID
	for {
		if seen[id] {
			return nil, fmt.Errorf("message %q: parent chain loops at %q", messageID, id)
		}
		seen[id] = true

		msg, err := s.store.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append(path, msg)
		if msg.ParentID == nil {
			break
		}
		id = *msg.ParentID
	}

	slices.Reverse(path)
	return path, nil
}

func (s *Service) publish(event *Event) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(event.ConversationID, event, "")
	}
}
