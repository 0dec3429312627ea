// ABOUTME: Store interfaces and entity types for conversation persistence
// ABOUTME: Defines Conversation, Message, KnowledgeBase, AgentExecution, ToolExecution

package store

import (
	"context"
	"encoding/json"
	"iter"
	"time"
)

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Metadata is a free-form key/value payload. The store transports it as JSON
// and never interprets it.
type Metadata map[string]any

// ConversationSettings holds per-conversation generation settings.
type ConversationSettings struct {
	Temperature float64
	MaxTokens   int
	EnableRAG   bool
	RAGTopK     int
}

// DefaultSettings returns the settings applied when a caller passes none.
func DefaultSettings() ConversationSettings {
	return ConversationSettings{
		Temperature: 0.7,
		MaxTokens:   2000,
		EnableRAG:   false,
		RAGTopK:     3,
	}
}

// Conversation is a titled container of a message tree plus associated agent runs.
type Conversation struct {
	ID           string
	Title        string
	Model        string
	KBName       *string // soft reference to KnowledgeBase.Name
	Metadata     Metadata
	Settings     ConversationSettings
	Archived     bool
	MessageCount int // derived; maintained by the store
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one turn in a conversation. Messages with a ParentID form a forest.
type Message struct {
	ID              string
	ConversationID  string
	Role            Role
	Content         string
	ParentID        *string
	ToolCalls       json.RawMessage // nil when absent
	ToolCallID      *string
	SourceDocuments json.RawMessage // nil when absent
	Metadata        Metadata
	RequestID       *string // caller-supplied idempotency key
	CreatedAt       time.Time
}

// KnowledgeBase describes an externally managed document collection.
type KnowledgeBase struct {
	ID             string
	Name           string
	Description    string
	CollectionName string
	EmbeddingModel string
	DocumentCount  int
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentExecution records one autonomous agent run answering a query.
type AgentExecution struct {
	ID             string
	ConversationID string
	MessageID      *string
	Query          string
	Result         *string
	Iterations     int
	ExecutionTime  float64 // seconds
	Success        bool
	Error          *string
	ToolsUsed      []string
	Steps          []json.RawMessage
	Metadata       Metadata
	CreatedAt      time.Time
}

// ToolExecution records one tool invocation made by an agent run. Append-only.
type ToolExecution struct {
	ID               string
	AgentExecutionID string
	ToolName         string
	Input            json.RawMessage
	Output           json.RawMessage // nil when absent
	Success          bool
	Error            *string
	ExecutionTime    float64 // seconds
	CreatedAt        time.Time
}

// ConversationStats is a derived, read-only view over one conversation.
type ConversationStats struct {
	ConversationID        string
	MessageCount          int
	AgentExecutionsCount  int
	FailedExecutionsCount int
	ToolExecutionsCount   int
	LastMessageAt         *time.Time
}

// NewConversation holds the caller-supplied fields of CreateConversation.
type NewConversation struct {
	Title    string
	Model    string // empty uses the store's default model
	KBName   *string
	Metadata Metadata
	Settings *ConversationSettings // nil uses DefaultSettings
}

// ConversationUpdate is a partial update; nil fields are left unchanged.
type ConversationUpdate struct {
	Title       *string
	Model       *string
	KBName      *string
	ClearKBName bool
	Metadata    Metadata // replaces when non-nil
	Archived    *bool
	Settings    *ConversationSettings
}

// ConversationOrder selects the sort key of ListConversations.
type ConversationOrder string

const (
	OrderByUpdatedAt ConversationOrder = "updated_at"
	OrderByCreatedAt ConversationOrder = "created_at"
)

// ListConversationsParams filters and pages ListConversations. Results are newest first.
type ListConversationsParams struct {
	Offset          int
	Limit           int // 1-1000, defaults to 50
	OrderBy         ConversationOrder
	IncludeArchived bool
}

// NewMessage holds the caller-supplied fields of AppendMessage.
type NewMessage struct {
	ConversationID  string
	Role            Role
	Content         string
	ParentID        *string
	ToolCalls       json.RawMessage
	ToolCallID      *string
	SourceDocuments json.RawMessage
	Metadata        Metadata
	RequestID       *string
}

// NewAgentExecution holds the caller-supplied fields of RecordExecution.
type NewAgentExecution struct {
	ConversationID string
	MessageID      *string
	Query          string
	Result         *string
	Steps          []json.RawMessage
	Iterations     int
	ExecutionTime  float64
	Success        bool
	Error          *string
	ToolsUsed      []string
	Metadata       Metadata
}

// NewToolExecution holds the caller-supplied fields of RecordToolExecution.
// AgentExecutionID is ignored by RecordExecutionWithTools.
type NewToolExecution struct {
	AgentExecutionID string
	ToolName         string
	Input            json.RawMessage
	Output           json.RawMessage
	Success          bool
	Error            *string
	ExecutionTime    float64
}

// KnowledgeBaseUpsert holds the fields of UpsertKnowledgeBase and CreateKnowledgeBase.
type KnowledgeBaseUpsert struct {
	Name           string
	Description    string
	CollectionName string
	EmbeddingModel string
	Metadata       Metadata
}

// ConversationStore covers conversations and their message trees.
type ConversationStore interface {
	CreateConversation(ctx context.Context, params NewConversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) (int, error)
	ClearMessages(ctx context.Context, conversationID string) (int, error)
	ListMessages(ctx context.Context, conversationID string) iter.Seq2[*Message, error]
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ChildMessages(ctx context.Context, messageID string) ([]*Message, error)
}

// ExecutionStore covers agent executions and their tool executions.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, exec NewAgentExecution) (*AgentExecution, error)
	RecordExecutionWithTools(ctx context.Context, exec NewAgentExecution, tools []NewToolExecution) (*AgentExecution, []*ToolExecution, error)
	GetExecution(ctx context.Context, id string) (*AgentExecution, error)
	ListExecutions(ctx context.Context, conversationID string) ([]*AgentExecution, error)
	DeleteExecution(ctx context.Context, id string) error

	RecordToolExecution(ctx context.Context, tool NewToolExecution) (*ToolExecution, error)
	GetToolExecution(ctx context.Context, id string) (*ToolExecution, error)
	ListToolExecutions(ctx context.Context, executionID string) ([]*ToolExecution, error)
}

// StatsStore answers derived read queries and repairs counter drift.
type StatsStore interface {
	ConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error)
	RecomputeConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error)
	RepairMessageCount(ctx context.Context, conversationID string) (before, after int, err error)
	ListConversationIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// KnowledgeBaseStore covers knowledge base metadata rows.
type KnowledgeBaseStore interface {
	UpsertKnowledgeBase(ctx context.Context, kb KnowledgeBaseUpsert) (*KnowledgeBase, error)
	CreateKnowledgeBase(ctx context.Context, kb KnowledgeBaseUpsert) (*KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, name string) (*KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error)
	SetDocumentCount(ctx context.Context, name string, count int) error
	DeleteKnowledgeBase(ctx context.Context, name string) error
}

// Store is the full persistence core.
type Store interface {
	ConversationStore
	ExecutionStore
	StatsStore
	KnowledgeBaseStore

	// Close releases any resources held by the store
	Close() error
}
