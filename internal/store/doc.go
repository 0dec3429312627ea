// Package store provides persistent storage for conversations, their message
// trees, agent executions and knowledge base metadata.
//
// # Architecture
//
// The store package uses an interface-driven architecture with multiple specialized
// interfaces:
//
//   - ConversationStore: Conversations and their message trees
//   - ExecutionStore: Agent executions and their tool executions
//   - StatsStore: Derived per-conversation statistics and counter repair
//   - KnowledgeBaseStore: Metadata rows for externally indexed document collections
//
// SQLStore implements all interfaces in a single struct over database/sql.
// MockStore is an in-memory twin with the same behaviour for unit tests.
//
// # Invariants
//
// Every mutating operation runs in one transaction and leaves these true:
//
//   - Conversation.MessageCount equals the number of message rows of the conversation
//   - A message's parent belongs to the same conversation
//   - Deleting a conversation removes its messages, agent executions and tool executions
//   - Deleting a message removes its whole descendant subtree
//   - Deleting an agent execution removes its tool executions
//   - Conversation.UpdatedAt never decreases
//
// Foreign keys carry no ON DELETE actions. Cascades and counters are
// maintained by the store itself.
//
// # Databases
//
// Three dialects are supported:
//
//   - sqlite: modernc.org/sqlite (pure Go, the default)
//   - sqlite3: github.com/mattn/go-sqlite3 (cgo)
//   - postgres: github.com/jackc/pgx/v5
//
// SQLite runs in WAL mode with foreign keys on and immediate transactions, so
// writers serialize on the database lock. PostgreSQL locks the conversation
// row with SELECT ... FOR UPDATE, so writers serialize per conversation.
// Lock contention is retried with backoff and surfaces as ErrConflict when
// retries run out.
//
// # Error Handling
//
// Errors match one of four sentinels with errors.Is:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrValidation: Malformed input, detected before any write
//   - ErrConflict: Unique key collision or exhausted lock retries
//   - ErrStorage: The database failed; the transaction was rolled back
//
// Retryable and HTTPStatus map these for callers.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	// s implements all Store interfaces
//
// Use NewSQLiteStore with a path under t.TempDir() for integration tests.
package store
