// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory twin of SQLStore with the same invariants, errors and ordering

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/ids"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex stands in for the database's transactions.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation   // keyed by conversation ID
	messages      map[string]*Message        // keyed by message ID
	executions    map[string]*AgentExecution // keyed by execution ID
	tools         map[string]*ToolExecution  // keyed by tool execution ID
	kbs           map[string]*KnowledgeBase  // keyed by name

	clock        clock.Clock
	ids          ids.Generator
	defaultModel string
	maxTitle     int
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore with default options.
func NewMockStore() *MockStore {
	return NewMockStoreWithOptions(Options{})
}

// NewMockStoreWithOptions creates a MockStore using the clock, ID generator
// and limits from opts. Connection settings are ignored.
func NewMockStoreWithOptions(opts Options) *MockStore {
	opts = opts.withDefaults()
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		executions:    make(map[string]*AgentExecution),
		tools:         make(map[string]*ToolExecution),
		kbs:           make(map[string]*KnowledgeBase),
		clock:         opts.Clock,
		ids:           opts.IDs,
		defaultModel:  opts.DefaultModel,
		maxTitle:      opts.MaxTitleLength,
	}
}

func (m *MockStore) now() time.Time {
	return m.clock.Now().UTC()
}

// checkCtx mirrors a cancelled transaction in SQLStore.
func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// storedMetadata validates m the way SQLStore encodes it and returns a deep
// copy shaped like a database read: numbers become float64, nested values
// become map[string]any and []any.
func storedMetadata(m Metadata) (Metadata, error) {
	raw, err := encodeMetadata(m)
	if err != nil || raw == nil {
		return nil, err
	}
	var out Metadata
	if err := json.Unmarshal([]byte(raw.(string)), &out); err != nil {
		return nil, invalid("metadata", err.Error())
	}
	return out, nil
}

// cloneMetadata deep-copies metadata that went through storedMetadata.
func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return map[string]any(cloneMetadata(v))
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneJSONValue(e)
		}
		return out
	default:
		return v
	}
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.KBName = copyString(c.KBName)
	out.Metadata = cloneMetadata(c.Metadata)
	return &out
}

func copyMessage(msg *Message) *Message {
	out := *msg
	out.ParentID = copyString(msg.ParentID)
	out.ToolCalls = bytes.Clone(msg.ToolCalls)
	out.ToolCallID = copyString(msg.ToolCallID)
	out.SourceDocuments = bytes.Clone(msg.SourceDocuments)
	out.Metadata = cloneMetadata(msg.Metadata)
	out.RequestID = copyString(msg.RequestID)
	return &out
}

func copyExecution(e *AgentExecution) *AgentExecution {
	out := *e
	out.MessageID = copyString(e.MessageID)
	out.Result = copyString(e.Result)
	out.Error = copyString(e.Error)
	out.ToolsUsed = slices.Clone(e.ToolsUsed)
	out.Steps = make([]json.RawMessage, len(e.Steps))
	for i, step := range e.Steps {
		out.Steps[i] = bytes.Clone(step)
	}
	out.Metadata = cloneMetadata(e.Metadata)
	return &out
}

func copyToolExecution(t *ToolExecution) *ToolExecution {
	out := *t
	out.Input = bytes.Clone(t.Input)
	out.Output = bytes.Clone(t.Output)
	out.Error = copyString(t.Error)
	return &out
}

func copyKnowledgeBase(kb *KnowledgeBase) *KnowledgeBase {
	out := *kb
	out.Metadata = cloneMetadata(kb.Metadata)
	return &out
}

// byCreation orders by (created_at, id), the same key SQLStore sorts on.
func byCreation(aAt time.Time, aID string, bAt time.Time, bID string) int {
	if c := aAt.Compare(bAt); c != 0 {
		return c
	}
	return strings.Compare(aID, bID)
}

// sortedMessages returns the messages of a conversation in creation order.
// Caller must hold the lock.
func (m *MockStore) sortedMessages(conversationID string) []*Message {
	var out []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b *Message) int {
		return byCreation(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return out
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, params NewConversation) (*Conversation, error) {
	if err := validateNewConversation(params, m.maxTitle); err != nil {
		return nil, err
	}
	var err error
	if params.Metadata, err = storedMetadata(params.Metadata); err != nil {
		return nil, err
	}
	if err := checkCtx(ctx, "creating conversation"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	settings := DefaultSettings()
	if params.Settings != nil {
		settings = *params.Settings
	}
	model := params.Model
	if model == "" {
		model = m.defaultModel
	}

	now := m.now()
	conv := &Conversation{
		ID:        m.ids.NewID(),
		Title:     params.Title,
		Model:     model,
		KBName:    copyString(params.KBName),
		Metadata:  params.Metadata,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	return copyConversation(conv), nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	return copyConversation(conv), nil
}

// ListConversations returns conversations newest first.
func (m *MockStore) ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error) {
	params, err := params.normalized()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, conv := range m.conversations {
		if conv.Archived && !params.IncludeArchived {
			continue
		}
		convs = append(convs, conv)
	}

	key := func(c *Conversation) time.Time {
		if params.OrderBy == OrderByCreatedAt {
			return c.CreatedAt
		}
		return c.UpdatedAt
	}
	sort.Slice(convs, func(i, j int) bool {
		return byCreation(key(convs[i]), convs[i].ID, key(convs[j]), convs[j].ID) > 0
	})

	if params.Offset >= len(convs) {
		return nil, nil
	}
	convs = convs[params.Offset:]
	if len(convs) > params.Limit {
		convs = convs[:params.Limit]
	}

	result := make([]*Conversation, len(convs))
	for i, conv := range convs {
		result[i] = copyConversation(conv)
	}
	return result, nil
}

// UpdateConversation applies a partial update.
func (m *MockStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	if err := validateConversationUpdate(update, m.maxTitle); err != nil {
		return nil, err
	}
	if update.Metadata != nil {
		var err error
		if update.Metadata, err = storedMetadata(update.Metadata); err != nil {
			return nil, err
		}
	}
	if err := checkCtx(ctx, "updating conversation"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}

	conv := copyConversation(stored)
	applyUpdate(conv, update)
	conv.KBName = copyString(conv.KBName)
	conv.UpdatedAt = later(conv.UpdatedAt, m.now())
	m.conversations[id] = conv
	return copyConversation(conv), nil
}

// DeleteConversation removes a conversation and everything it owns.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	if err := checkCtx(ctx, "deleting conversation"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return notFound("conversation", id)
	}

	for execID, exec := range m.executions {
		if exec.ConversationID != id {
			continue
		}
		for toolID, tool := range m.tools {
			if tool.AgentExecutionID == execID {
				delete(m.tools, toolID)
			}
		}
		delete(m.executions, execID)
	}
	for msgID, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, msgID)
		}
	}
	delete(m.conversations, id)
	return nil
}

// AppendMessage stores a message and bumps the conversation counter.
func (m *MockStore) AppendMessage(ctx context.Context, params NewMessage) (*Message, error) {
	if err := validateNewMessage(params); err != nil {
		return nil, err
	}
	var err error
	if params.Metadata, err = storedMetadata(params.Metadata); err != nil {
		return nil, err
	}
	if err := checkCtx(ctx, "appending message"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[params.ConversationID]
	if !ok {
		return nil, notFound("conversation", params.ConversationID)
	}

	if params.RequestID != nil {
		for _, existing := range m.messages {
			if existing.ConversationID != conv.ID || existing.RequestID == nil || *existing.RequestID != *params.RequestID {
				continue
			}
			if !sameMessage(existing, params) {
				return nil, &ConflictError{Reason: fmt.Sprintf("request id %q was used for a different message", *params.RequestID)}
			}
			return copyMessage(existing), nil
		}
	}

	if params.ParentID != nil {
		parent, ok := m.messages[*params.ParentID]
		if !ok {
			return nil, notFound("message", *params.ParentID)
		}
		if parent.ConversationID != conv.ID {
			return nil, invalid("parent_id", fmt.Sprintf("message %q belongs to a different conversation", *params.ParentID))
		}
	}

	now := m.now()
	msg := copyMessage(&Message{
		ID:              m.ids.NewID(),
		ConversationID:  conv.ID,
		Role:            params.Role,
		Content:         params.Content,
		ParentID:        params.ParentID,
		ToolCalls:       params.ToolCalls,
		ToolCallID:      params.ToolCallID,
		SourceDocuments: params.SourceDocuments,
		Metadata:        params.Metadata,
		RequestID:       params.RequestID,
		CreatedAt:       now,
	})
	m.messages[msg.ID] = msg
	conv.MessageCount++
	conv.UpdatedAt = later(conv.UpdatedAt, now)
	return copyMessage(msg), nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return copyMessage(msg), nil
}

// DeleteMessage removes a message and its descendants.
func (m *MockStore) DeleteMessage(ctx context.Context, id string) (int, error) {
	if err := checkCtx(ctx, "deleting message"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	root, ok := m.messages[id]
	if !ok {
		return 0, notFound("message", id)
	}
	conv := m.conversations[root.ConversationID]

	children := make(map[string][]string)
	for _, msg := range m.messages {
		if msg.ConversationID == root.ConversationID && msg.ParentID != nil {
			children[*msg.ParentID] = append(children[*msg.ParentID], msg.ID)
		}
	}

	subtree := map[string]bool{}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		subtree[next] = true
		frontier = append(frontier, children[next]...)
	}

	for _, exec := range m.executions {
		if exec.MessageID != nil && subtree[*exec.MessageID] {
			exec.MessageID = nil
		}
	}
	for msgID := range subtree {
		delete(m.messages, msgID)
	}

	conv.MessageCount -= len(subtree)
	conv.UpdatedAt = later(conv.UpdatedAt, m.now())
	return len(subtree), nil
}

// ClearMessages removes every message of a conversation.
func (m *MockStore) ClearMessages(ctx context.Context, conversationID string) (int, error) {
	if err := checkCtx(ctx, "clearing messages"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return 0, notFound("conversation", conversationID)
	}

	removed := 0
	for msgID, msg := range m.messages {
		if msg.ConversationID == conversationID {
			delete(m.messages, msgID)
			removed++
		}
	}
	for _, exec := range m.executions {
		if exec.ConversationID == conversationID {
			exec.MessageID = nil
		}
	}

	conv.MessageCount = 0
	conv.UpdatedAt = later(conv.UpdatedAt, m.now())
	return removed, nil
}

// ListMessages returns the messages of a conversation in creation order.
// Each range takes a fresh snapshot; the lock is not held while yielding.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		m.mu.RLock()
		if _, ok := m.conversations[conversationID]; !ok {
			m.mu.RUnlock()
			yield(nil, notFound("conversation", conversationID))
			return
		}
		snapshot := m.sortedMessages(conversationID)
		for i, msg := range snapshot {
			snapshot[i] = copyMessage(msg)
		}
		m.mu.RUnlock()

		for _, msg := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, storageErr("querying messages", err))
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// RecentMessages returns the last limit messages in chronological order.
func (m *MockStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, notFound("conversation", conversationID)
	}

	msgs := m.sortedMessages(conversationID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		result[i] = copyMessage(msg)
	}
	return result, nil
}

// ChildMessages returns the direct children of a message in creation order.
func (m *MockStore) ChildMessages(ctx context.Context, messageID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parent, ok := m.messages[messageID]
	if !ok {
		return nil, notFound("message", messageID)
	}

	var result []*Message
	for _, msg := range m.sortedMessages(parent.ConversationID) {
		if msg.ParentID != nil && *msg.ParentID == messageID {
			result = append(result, copyMessage(msg))
		}
	}
	return result, nil
}

// RecordExecution stores an agent run.
func (m *MockStore) RecordExecution(ctx context.Context, params NewAgentExecution) (*AgentExecution, error) {
	exec, _, err := m.RecordExecutionWithTools(ctx, params, nil)
	return exec, err
}

// RecordExecutionWithTools stores an agent run and its tool executions.
func (m *MockStore) RecordExecutionWithTools(ctx context.Context, params NewAgentExecution, tools []NewToolExecution) (*AgentExecution, []*ToolExecution, error) {
	if err := validateNewExecution(params); err != nil {
		return nil, nil, err
	}
	for i, t := range tools {
		if err := validateNewToolExecution(t, false); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				return nil, nil, invalid(fmt.Sprintf("tools[%d].%s", i, ve.Field), ve.Reason)
			}
			return nil, nil, err
		}
	}
	var err error
	if params.Metadata, err = storedMetadata(params.Metadata); err != nil {
		return nil, nil, err
	}
	if err := checkCtx(ctx, "recording agent execution"); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[params.ConversationID]; !ok {
		return nil, nil, notFound("conversation", params.ConversationID)
	}
	if params.MessageID != nil {
		msg, ok := m.messages[*params.MessageID]
		if !ok {
			return nil, nil, notFound("message", *params.MessageID)
		}
		if msg.ConversationID != params.ConversationID {
			return nil, nil, invalid("message_id", fmt.Sprintf("message %q belongs to a different conversation", *params.MessageID))
		}
	}

	exec := copyExecution(&AgentExecution{
		ID:             m.ids.NewID(),
		ConversationID: params.ConversationID,
		MessageID:      params.MessageID,
		Query:          params.Query,
		Result:         params.Result,
		Iterations:     params.Iterations,
		ExecutionTime:  params.ExecutionTime,
		Success:        params.Success,
		Error:          params.Error,
		ToolsUsed:      params.ToolsUsed,
		Steps:          params.Steps,
		Metadata:       params.Metadata,
		CreatedAt:      m.now(),
	})
	if exec.ToolsUsed == nil {
		exec.ToolsUsed = []string{}
	}
	m.executions[exec.ID] = exec

	recorded := make([]*ToolExecution, 0, len(tools))
	for _, t := range tools {
		t.AgentExecutionID = exec.ID
		tool := m.insertToolExecution(t)
		recorded = append(recorded, copyToolExecution(tool))
	}
	return copyExecution(exec), recorded, nil
}

// insertToolExecution stores a tool execution. Caller must hold the lock.
func (m *MockStore) insertToolExecution(params NewToolExecution) *ToolExecution {
	tool := copyToolExecution(&ToolExecution{
		ID:               m.ids.NewID(),
		AgentExecutionID: params.AgentExecutionID,
		ToolName:         params.ToolName,
		Input:            params.Input,
		Output:           absentIfNull(params.Output),
		Success:          params.Success,
		Error:            params.Error,
		ExecutionTime:    params.ExecutionTime,
		CreatedAt:        m.now(),
	})
	m.tools[tool.ID] = tool
	return tool
}

// GetExecution retrieves an agent execution by ID.
func (m *MockStore) GetExecution(ctx context.Context, id string) (*AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, notFound("agent execution", id)
	}
	return copyExecution(exec), nil
}

// ListExecutions returns the executions of a conversation, oldest first.
func (m *MockStore) ListExecutions(ctx context.Context, conversationID string) ([]*AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, notFound("conversation", conversationID)
	}

	var result []*AgentExecution
	for _, exec := range m.executions {
		if exec.ConversationID == conversationID {
			result = append(result, copyExecution(exec))
		}
	}
	slices.SortFunc(result, func(a, b *AgentExecution) int {
		return byCreation(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return result, nil
}

// DeleteExecution removes an agent execution and its tool executions.
func (m *MockStore) DeleteExecution(ctx context.Context, id string) error {
	if err := checkCtx(ctx, "deleting agent execution"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[id]; !ok {
		return notFound("agent execution", id)
	}
	for toolID, tool := range m.tools {
		if tool.AgentExecutionID == id {
			delete(m.tools, toolID)
		}
	}
	delete(m.executions, id)
	return nil
}

// RecordToolExecution appends a tool execution to an agent execution.
func (m *MockStore) RecordToolExecution(ctx context.Context, params NewToolExecution) (*ToolExecution, error) {
	if err := validateNewToolExecution(params, true); err != nil {
		return nil, err
	}
	if err := checkCtx(ctx, "recording tool execution"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[params.AgentExecutionID]; !ok {
		return nil, notFound("agent execution", params.AgentExecutionID)
	}
	return copyToolExecution(m.insertToolExecution(params)), nil
}

// GetToolExecution retrieves a tool execution by ID.
func (m *MockStore) GetToolExecution(ctx context.Context, id string) (*ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, ok := m.tools[id]
	if !ok {
		return nil, notFound("tool execution", id)
	}
	return copyToolExecution(tool), nil
}

// ListToolExecutions returns the tool executions of an agent execution in recording order.
func (m *MockStore) ListToolExecutions(ctx context.Context, executionID string) ([]*ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.executions[executionID]; !ok {
		return nil, notFound("agent execution", executionID)
	}

	var result []*ToolExecution
	for _, tool := range m.tools {
		if tool.AgentExecutionID == executionID {
			result = append(result, copyToolExecution(tool))
		}
	}
	slices.SortFunc(result, func(a, b *ToolExecution) int {
		return byCreation(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return result, nil
}

// ConversationStats reads the maintained counter and aggregates the rest.
func (m *MockStore) ConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats(conversationID, false)
}

// RecomputeConversationStats derives every field from the stored rows.
func (m *MockStore) RecomputeConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats(conversationID, true)
}

// stats builds a ConversationStats. Caller must hold the lock.
func (m *MockStore) stats(conversationID string, recount bool) (*ConversationStats, error) {
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, notFound("conversation", conversationID)
	}

	st := &ConversationStats{ConversationID: conversationID, MessageCount: conv.MessageCount}
	counted := 0
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		counted++
		if st.LastMessageAt == nil || msg.CreatedAt.After(*st.LastMessageAt) {
			t := msg.CreatedAt
			st.LastMessageAt = &t
		}
	}
	if recount {
		st.MessageCount = counted
	}

	for execID, exec := range m.executions {
		if exec.ConversationID != conversationID {
			continue
		}
		st.AgentExecutionsCount++
		if !exec.Success {
			st.FailedExecutionsCount++
		}
		for _, tool := range m.tools {
			if tool.AgentExecutionID == execID {
				st.ToolExecutionsCount++
			}
		}
	}
	return st, nil
}

// RepairMessageCount recounts messages and fixes the counter if it drifted.
func (m *MockStore) RepairMessageCount(ctx context.Context, conversationID string) (before, after int, err error) {
	if err := checkCtx(ctx, "repairing message count"); err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return 0, 0, notFound("conversation", conversationID)
	}
	before = conv.MessageCount
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			after++
		}
	}
	conv.MessageCount = after
	return before, after, nil
}

// ListConversationIDs pages through conversation IDs in ascending order.
func (m *MockStore) ListConversationIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id := range m.conversations {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// UpsertKnowledgeBase creates or updates a knowledge base by name.
func (m *MockStore) UpsertKnowledgeBase(ctx context.Context, params KnowledgeBaseUpsert) (*KnowledgeBase, error) {
	if err := validateKnowledgeBase(params); err != nil {
		return nil, err
	}
	var err error
	if params.Metadata, err = storedMetadata(params.Metadata); err != nil {
		return nil, err
	}
	if err := checkCtx(ctx, "upserting knowledge base"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kb, ok := m.kbs[params.Name]
	if !ok {
		return copyKnowledgeBase(m.insertKnowledgeBase(params)), nil
	}
	if kb.CollectionName != params.CollectionName {
		return nil, &ConflictError{Reason: fmt.Sprintf(
			"knowledge base %q is bound to collection %q, not %q",
			kb.Name, kb.CollectionName, params.CollectionName)}
	}

	kb.Description = params.Description
	kb.EmbeddingModel = params.EmbeddingModel
	kb.Metadata = params.Metadata
	kb.UpdatedAt = later(kb.UpdatedAt, m.now())
	return copyKnowledgeBase(kb), nil
}

// insertKnowledgeBase stores a new knowledge base. Caller must hold the lock.
func (m *MockStore) insertKnowledgeBase(params KnowledgeBaseUpsert) *KnowledgeBase {
	now := m.now()
	kb := &KnowledgeBase{
		ID:             m.ids.NewID(),
		Name:           params.Name,
		Description:    params.Description,
		CollectionName: params.CollectionName,
		EmbeddingModel: params.EmbeddingModel,
		Metadata:       params.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.kbs[kb.Name] = kb
	return kb
}

// CreateKnowledgeBase inserts a knowledge base; a taken name is a conflict.
func (m *MockStore) CreateKnowledgeBase(ctx context.Context, params KnowledgeBaseUpsert) (*KnowledgeBase, error) {
	if err := validateKnowledgeBase(params); err != nil {
		return nil, err
	}
	var err error
	if params.Metadata, err = storedMetadata(params.Metadata); err != nil {
		return nil, err
	}
	if err := checkCtx(ctx, "creating knowledge base"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kbs[params.Name]; ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("knowledge base %q already exists", params.Name)}
	}
	return copyKnowledgeBase(m.insertKnowledgeBase(params)), nil
}

// GetKnowledgeBase retrieves a knowledge base by name.
func (m *MockStore) GetKnowledgeBase(ctx context.Context, name string) (*KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kb, ok := m.kbs[name]
	if !ok {
		return nil, notFound("knowledge base", name)
	}
	return copyKnowledgeBase(kb), nil
}

// ListKnowledgeBases returns all knowledge bases ordered by name.
func (m *MockStore) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KnowledgeBase
	for _, kb := range m.kbs {
		result = append(result, copyKnowledgeBase(kb))
	}
	slices.SortFunc(result, func(a, b *KnowledgeBase) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

// SetDocumentCount stores the externally reported document count.
func (m *MockStore) SetDocumentCount(ctx context.Context, name string, count int) error {
	if count < 0 {
		return invalid("document_count", "must not be negative")
	}
	if err := checkCtx(ctx, "setting document count"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kb, ok := m.kbs[name]
	if !ok {
		return notFound("knowledge base", name)
	}
	kb.DocumentCount = count
	kb.UpdatedAt = later(kb.UpdatedAt, m.now())
	return nil
}

// DeleteKnowledgeBase removes a knowledge base by name.
func (m *MockStore) DeleteKnowledgeBase(ctx context.Context, name string) error {
	if err := checkCtx(ctx, "deleting knowledge base"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kbs[name]; !ok {
		return notFound("knowledge base", name)
	}
	delete(m.kbs, name)
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Drift corrupts the maintained message counter by delta. It exists so
// consistency tooling can be tested against a store with real drift.
func (m *MockStore) Drift(conversationID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[conversationID]; ok {
		conv.MessageCount += delta
	}
}
