// ABOUTME: Tests for the SQL store implementation
// ABOUTME: Covers dialect setup, migrations, paging, drift repair and busy retries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/ids"
)

// newTestStore opens a SQLite store in a temp directory.
func newTestStore(t *testing.T, opts Options) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "contract.db"), opts)
		require.NoError(t, err)
		return s
	})
}

func TestSQLStore_Contract_SQLite3(t *testing.T) {
	probe, err := Open(DialectSQLite3, filepath.Join(t.TempDir(), "probe.db"), Options{})
	if err != nil && strings.Contains(err.Error(), "cgo") {
		t.Skip("mattn/go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	_ = probe.Close()

	runStoreContract(t, func(t *testing.T, opts Options) Store {
		s, err := Open(DialectSQLite3, filepath.Join(t.TempDir(), "contract.db"), opts)
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := postgresDSN(t)

	runStoreContract(t, func(t *testing.T, opts Options) Store {
		// Start every case from empty tables
		s, err := Open(DialectPostgres, dsn, Options{})
		require.NoError(t, err)
		_, err = s.DB().Exec(`DROP TABLE IF EXISTS tool_executions, agent_executions, messages, knowledge_bases, conversations`)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(DialectPostgres, dsn, opts)
		require.NoError(t, err)
		return s
	})
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", Options{})
	require.NoError(t, err)
	defer s.Close()

	conv, err := s.CreateConversation(context.Background(), NewConversation{Title: "in memory"})
	require.NoError(t, err)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "in memory", got.Title)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open("oracle", "whatever", Options{})
	assert.ErrorContains(t, err, "unknown database dialect")

	_, err = Open(DialectPostgres, "", Options{})
	assert.ErrorContains(t, err, "dsn is required")

	_, err = Open(DialectSQLite, "", Options{})
	assert.ErrorContains(t, err, "path is required")
}

func TestDataSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.db")

	driver, dsn, err := dataSource(DialectSQLite, path, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", driver)
	assert.Contains(t, dsn, "_pragma=busy_timeout(2000)")
	assert.Contains(t, dsn, "_pragma=foreign_keys(1)")
	assert.Contains(t, dsn, "_txlock=immediate")

	driver, dsn, err = dataSource(DialectSQLite3, path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", driver)
	assert.Contains(t, dsn, "_busy_timeout=1000")
	assert.Contains(t, dsn, "_txlock=immediate")

	driver, dsn, err = dataSource(DialectPostgres, "postgres://localhost/convstore", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres://localhost/convstore", dsn)
}

func TestSQLStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, NewConversation{Title: "persisted"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Schema creation and migrations run again on an existing database
	s, err = NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
}

func TestSQLStore_MigratesOlderSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			model TEXT NOT NULL,
			kb_name TEXT,
			metadata TEXT,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parent_id TEXT REFERENCES messages(id),
			tool_calls TEXT,
			tool_call_id TEXT,
			source_documents TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		);
		INSERT INTO conversations (id, title, model, message_count, created_at, updated_at)
		VALUES ('legacy', 'Legacy', 'gpt-4', 0, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath, Options{})
	require.NoError(t, err)
	defer s.Close()

	for _, col := range []struct{ table, column string }{
		{"conversations", "temperature"},
		{"conversations", "rag_top_k"},
		{"messages", "request_id"},
	} {
		exists, err := s.columnExists(col.table, col.column)
		require.NoError(t, err)
		assert.True(t, exists, "%s.%s", col.table, col.column)
	}

	legacy, err := s.GetConversation(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), legacy.Settings)
	assert.Equal(t, 2024, legacy.CreatedAt.Year())

	msg, err := s.AppendMessage(ctx, NewMessage{ConversationID: "legacy", Role: RoleUser, Content: "hi", RequestID: ptr("r1")})
	require.NoError(t, err)
	replay, err := s.AppendMessage(ctx, NewMessage{ConversationID: "legacy", Role: RoleUser, Content: "hi", RequestID: ptr("r1")})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, replay.ID)

	// updated_at moves forward from the RFC3339 value written by the old schema
	got, err := s.GetConversation(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(legacy.UpdatedAt))
}

func TestSQLStore_ListMessagesPaging(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, Options{Clock: fake, IDs: ids.NewSequence("m")})
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, NewConversation{Title: "many"})
	require.NoError(t, err)

	total := messagePageSize + 5
	for i := range total {
		// Pairs share a timestamp so paging has to resume on the id tie-breaker
		if i%2 == 0 {
			fake.Advance(time.Millisecond)
		}
		_, err := s.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	msgs := collect(t, s.ListMessages(ctx, conv.ID))
	require.Len(t, msgs, total)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
	}
}

func TestSQLStore_DeleteDeepChain(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, NewConversation{Title: "chain"})
	require.NoError(t, err)

	var root, parent *Message
	for i := range 30 {
		params := NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: fmt.Sprintf("n%d", i)}
		if parent != nil {
			params.ParentID = &parent.ID
		}
		parent, err = s.AppendMessage(ctx, params)
		require.NoError(t, err)
		if root == nil {
			root = parent
		}
	}

	removed, err := s.DeleteMessage(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, removed)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount)
}

func TestSQLStore_RepairsDrift(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, NewConversation{Title: "drift"})
	require.NoError(t, err)
	for i := range 3 {
		_, err := s.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	_, err = s.DB().Exec(`UPDATE conversations SET message_count = 7 WHERE id = ?`, conv.ID)
	require.NoError(t, err)

	fast, err := s.ConversationStats(ctx, conv.ID)
	require.NoError(t, err)
	slow, err := s.RecomputeConversationStats(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, fast.MessageCount)
	assert.Equal(t, 3, slow.MessageCount)

	before, after, err := s.RepairMessageCount(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, before)
	assert.Equal(t, 3, after)

	fast, err = s.ConversationStats(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, fast.MessageCount)
}

func TestSQLStore_CounterCannotGoNegative(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, NewConversation{Title: "negative"})
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, NewMessage{ConversationID: conv.ID, Role: RoleUser, Content: "x"})
	require.NoError(t, err)

	// Corrupt the counter below the real row count
	_, err = s.DB().Exec(`UPDATE conversations SET message_count = 0 WHERE id = ?`, conv.ID)
	require.NoError(t, err)

	// The CHECK constraint aborts the delete, so the message survives
	_, err = s.DeleteMessage(ctx, msg.ID)
	require.ErrorIs(t, err, ErrStorage)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.NoError(t, err)
}

func newRetryTestStore(maxRetries int) *SQLStore {
	return &SQLStore{logger: slog.Default(), maxRetries: maxRetries}
}

func TestRetryOnBusy_ExhaustedIsConflict(t *testing.T) {
	s := newRetryTestStore(2)

	var attempts atomic.Int32
	err := s.retryOnBusy(context.Background(), "writing", func() error {
		attempts.Add(1)
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})

	assert.Equal(t, int32(3), attempts.Load())
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, Retryable(err))
}

func TestRetryOnBusy_SucceedsAfterContention(t *testing.T) {
	s := newRetryTestStore(5)

	var attempts atomic.Int32
	err := s.retryOnBusy(context.Background(), "writing", func() error {
		if attempts.Add(1) < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryOnBusy_OtherErrorsReturnImmediately(t *testing.T) {
	s := newRetryTestStore(5)
	boom := errors.New("disk I/O error")

	var attempts atomic.Int32
	err := s.retryOnBusy(context.Background(), "writing", func() error {
		attempts.Add(1)
		return boom
	})

	assert.Equal(t, int32(1), attempts.Load())
	assert.ErrorIs(t, err, boom)
}

func TestRetryOnBusy_ContextCancelledWhileWaiting(t *testing.T) {
	s := newRetryTestStore(5)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.retryOnBusy(ctx, "writing", func() error {
		cancel()
		return errors.New("database is locked")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestOptions_MaxRetries(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, Options{}.withDefaults().MaxRetries)
	assert.Equal(t, 2, Options{MaxRetries: 2}.withDefaults().MaxRetries)
	assert.Equal(t, 0, Options{MaxRetries: NoRetries}.withDefaults().MaxRetries)
}

func TestRetryOnBusy_NoRetries(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "noretry.db"), Options{MaxRetries: NoRetries})
	require.NoError(t, err)
	defer s.Close()

	var attempts atomic.Int32
	err = s.retryOnBusy(context.Background(), "writing", func() error {
		attempts.Add(1)
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})

	assert.Equal(t, int32(1), attempts.Load())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestErrorClassification(t *testing.T) {
	s := newRetryTestStore(0)

	assert.True(t, s.isBusy(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, s.isBusy(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, s.isBusy(&pgconn.PgError{Code: "23505"}))
	assert.True(t, s.isBusy(fmt.Errorf("begin: %w", errors.New("database table is locked"))))
	assert.False(t, s.isBusy(nil))

	assert.True(t, isConstraintViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isConstraintViolation(errors.New("UNIQUE constraint failed: messages.conversation_id, messages.request_id")))
	assert.False(t, isConstraintViolation(errors.New("no such table")))
}

func TestTimeFormat_SortsChronologically(t *testing.T) {
	base := time.Date(2025, 6, 1, 9, 59, 59, 999_999_999, time.UTC)
	earlier := formatTime(base)
	later := formatTime(base.Add(time.Nanosecond))
	assert.Less(t, earlier, later)

	parsed, err := parseTime(earlier)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base))

	legacy, err := parseTime("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, legacy.Year())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestPlaceholdersAndChunk(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))

	values := make([]string, 1201)
	for i := range values {
		values[i] = fmt.Sprintf("id-%d", i)
	}
	batches := chunk(values, idBatchSize)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 500)
	assert.Len(t, batches[1], 500)
	assert.Len(t, batches[2], 201)
	assert.Nil(t, chunk(nil, idBatchSize))
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
	assert.Equal(t, "", lite.forUpdate())
}
