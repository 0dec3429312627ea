// ABOUTME: Input validation shared by every Store implementation
// ABOUTME: All checks run before a transaction starts so failures never leave partial state

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxTitleLength bounds Conversation.Title in runes.
const DefaultMaxTitleLength = 500

func validateTitle(title string, maxLen int) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title", "must not be empty")
	}
	if n := utf8.RuneCountInString(title); n > maxLen {
		return invalid("title", fmt.Sprintf("length %d exceeds %d", n, maxLen))
	}
	return nil
}

func validateSettings(s ConversationSettings) error {
	if s.Temperature < 0 || s.Temperature > 2 {
		return invalid("settings.temperature", "must be between 0 and 2")
	}
	if s.MaxTokens <= 0 {
		return invalid("settings.max_tokens", "must be positive")
	}
	if s.RAGTopK < 1 {
		return invalid("settings.rag_top_k", "must be at least 1")
	}
	return nil
}

// validatePayload accepts nil (absent) or syntactically valid JSON.
func validatePayload(field string, raw json.RawMessage) error {
	if raw == nil {
		return nil
	}
	if !json.Valid(raw) {
		return invalid(field, "must be valid JSON")
	}
	return nil
}

// isJSONNull reports whether raw is the literal null.
func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// absentIfNull stores a JSON null payload as absent.
func absentIfNull(raw json.RawMessage) json.RawMessage {
	if isJSONNull(raw) {
		return nil
	}
	return raw
}

func validateNewConversation(p NewConversation, maxTitle int) error {
	if err := validateTitle(p.Title, maxTitle); err != nil {
		return err
	}
	if p.KBName != nil && strings.TrimSpace(*p.KBName) == "" {
		return invalid("kb_name", "must not be blank when set")
	}
	if p.Settings != nil {
		return validateSettings(*p.Settings)
	}
	return nil
}

func validateConversationUpdate(u ConversationUpdate, maxTitle int) error {
	if u.Title != nil {
		if err := validateTitle(*u.Title, maxTitle); err != nil {
			return err
		}
	}
	if u.Model != nil && strings.TrimSpace(*u.Model) == "" {
		return invalid("model", "must not be empty")
	}
	if u.KBName != nil && u.ClearKBName {
		return invalid("kb_name", "cannot set and clear in one update")
	}
	if u.KBName != nil && strings.TrimSpace(*u.KBName) == "" {
		return invalid("kb_name", "must not be blank when set")
	}
	if u.Settings != nil {
		return validateSettings(*u.Settings)
	}
	return nil
}

func validateNewMessage(m NewMessage) error {
	if m.ConversationID == "" {
		return invalid("conversation_id", "is required")
	}
	if !m.Role.Valid() {
		return invalid("role", fmt.Sprintf("%q is not one of user, assistant, system, tool", m.Role))
	}
	if m.Content == "" {
		return invalid("content", "must not be empty")
	}
	if m.ParentID != nil && *m.ParentID == "" {
		return invalid("parent_id", "must not be empty when set")
	}
	if m.RequestID != nil && *m.RequestID == "" {
		return invalid("request_id", "must not be empty when set")
	}
	if err := validatePayload("tool_calls", m.ToolCalls); err != nil {
		return err
	}
	return validatePayload("source_documents", m.SourceDocuments)
}

func validateNewExecution(e NewAgentExecution) error {
	if e.ConversationID == "" {
		return invalid("conversation_id", "is required")
	}
	if e.MessageID != nil && *e.MessageID == "" {
		return invalid("message_id", "must not be empty when set")
	}
	if e.Iterations < 0 {
		return invalid("iterations", "must not be negative")
	}
	if e.ExecutionTime < 0 {
		return invalid("execution_time", "must not be negative")
	}
	for i, step := range e.Steps {
		if err := validatePayload(fmt.Sprintf("steps[%d]", i), step); err != nil {
			return err
		}
		if step == nil {
			return invalid(fmt.Sprintf("steps[%d]", i), "must not be null")
		}
	}
	for i, name := range e.ToolsUsed {
		if name == "" {
			return invalid(fmt.Sprintf("tools_used[%d]", i), "must not be empty")
		}
	}
	return nil
}

func validateNewToolExecution(t NewToolExecution, needParent bool) error {
	if needParent && t.AgentExecutionID == "" {
		return invalid("agent_execution_id", "is required")
	}
	if strings.TrimSpace(t.ToolName) == "" {
		return invalid("tool_name", "must not be empty")
	}
	if len(t.Input) == 0 || isJSONNull(t.Input) {
		return invalid("input", "is required")
	}
	if err := validatePayload("input", t.Input); err != nil {
		return err
	}
	if t.ExecutionTime < 0 {
		return invalid("execution_time", "must not be negative")
	}
	return validatePayload("output", t.Output)
}

func validateKnowledgeBase(kb KnowledgeBaseUpsert) error {
	if strings.TrimSpace(kb.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if strings.TrimSpace(kb.CollectionName) == "" {
		return invalid("collection_name", "must not be empty")
	}
	return nil
}

func (p ListConversationsParams) normalized() (ListConversationsParams, error) {
	if p.Offset < 0 {
		return p, invalid("offset", "must not be negative")
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	switch p.OrderBy {
	case "":
		p.OrderBy = OrderByUpdatedAt
	case OrderByUpdatedAt, OrderByCreatedAt:
	default:
		return p, invalid("order_by", fmt.Sprintf("unknown column %q", p.OrderBy))
	}
	return p, nil
}
