// ABOUTME: SQL implementation of the Store interface over database/sql
// ABOUTME: Opens SQLite (modernc or mattn) or PostgreSQL (pgx), creates schema, runs transactions

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/ids"
)

// Dialect selects the database engine and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"   // modernc.org/sqlite, pure Go
	DialectSQLite3  Dialect = "sqlite3"  // github.com/mattn/go-sqlite3, cgo
	DialectPostgres Dialect = "postgres" // github.com/jackc/pgx/v5/stdlib
)

// DefaultModel is assigned to conversations created without a model.
const DefaultModel = "deepseek-chat"

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultMaxRetries is the number of busy retries when Options.MaxRetries is 0.
const DefaultMaxRetries = 5

// NoRetries as Options.MaxRetries makes a busy transaction fail on the first attempt.
const NoRetries = -1

// Options configures a SQLStore. Zero values select defaults.
type Options struct {
	Clock          clock.Clock
	IDs            ids.Generator
	Logger         *slog.Logger
	DefaultModel   string
	MaxTitleLength int
	BusyTimeout    time.Duration
	MaxRetries     int // 0 selects DefaultMaxRetries; negative (NoRetries) disables retries
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.System()
	}
	if _, ok := o.Clock.(*clock.Monotonic); !ok {
		o.Clock = clock.NewMonotonic(o.Clock)
	}
	if o.IDs == nil {
		o.IDs = ids.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DefaultModel == "" {
		o.DefaultModel = DefaultModel
	}
	if o.MaxTitleLength <= 0 {
		o.MaxTitleLength = DefaultMaxTitleLength
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	logger       *slog.Logger
	clock        clock.Clock
	ids          ids.Generator
	defaultModel string
	maxTitle     int
	maxRetries   int
}

// Ensure SQLStore implements Store interface
var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts Options) (*SQLStore, error) {
	return Open(DialectSQLite, path, opts)
}

// Open connects to the database described by dialect and dsn. For the SQLite
// dialects dsn is a file path (or ":memory:"); for PostgreSQL it is a
// connection string understood by pgx.
func Open(dialect Dialect, dsn string, opts Options) (*SQLStore, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "store", "dialect", string(dialect))

	driver, source, err := dataSource(dialect, dsn, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:           db,
		dialect:      dialect,
		logger:       logger,
		clock:        opts.Clock,
		ids:          opts.IDs,
		defaultModel: opts.DefaultModel,
		maxTitle:     opts.MaxTitleLength,
		maxRetries:   opts.MaxRetries,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized")
	return s, nil
}

// dataSource returns the driver name and DSN for a dialect.
func dataSource(dialect Dialect, dsn string, busy time.Duration) (string, string, error) {
	busyMS := busy.Milliseconds()

	switch dialect {
	case DialectSQLite, DialectSQLite3:
		if dsn == "" {
			return "", "", fmt.Errorf("sqlite path is required")
		}
		if dsn != ":memory:" {
			// Ensure parent directory exists
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return "", "", fmt.Errorf("creating database directory: %w", err)
			}
		}
		// Immediate transactions take the write lock at BEGIN, which serializes
		// read-modify-write of counters instead of failing on lock upgrade.
		if dialect == DialectSQLite {
			return "sqlite", fmt.Sprintf(
				"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
				dsn, busyMS), nil
		}
		return "sqlite3", fmt.Sprintf(
			"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
			dsn, busyMS), nil
	case DialectPostgres:
		if dsn == "" {
			return "", "", fmt.Errorf("postgres dsn is required")
		}
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("unknown database dialect %q", dialect)
	}
}

// createSchema creates the database tables if they don't exist.
// Column types are chosen so the same DDL is valid for SQLite and PostgreSQL.
// Foreign keys carry no ON DELETE actions: cascades are explicit in the store.
func (s *SQLStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			model         TEXT NOT NULL,
			kb_name       TEXT,
			metadata      TEXT,
			temperature   DOUBLE PRECISION NOT NULL DEFAULT 0.7,
			max_tokens    INTEGER NOT NULL DEFAULT 2000,
			enable_rag    BOOLEAN NOT NULL DEFAULT FALSE,
			rag_top_k     INTEGER NOT NULL DEFAULT 3,
			is_archived   BOOLEAN NOT NULL DEFAULT FALSE,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (message_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_kb ON conversations(kb_name);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id),
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			parent_id        TEXT REFERENCES messages(id),
			tool_calls       TEXT,
			tool_call_id     TEXT,
			source_documents TEXT,
			metadata         TEXT,
			request_id       TEXT,
			created_at       TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system', 'tool'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_parent
			ON messages(conversation_id, parent_id);

		CREATE TABLE IF NOT EXISTS knowledge_bases (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL UNIQUE,
			description     TEXT NOT NULL DEFAULT '',
			collection_name TEXT NOT NULL,
			embedding_model TEXT NOT NULL DEFAULT '',
			document_count  INTEGER NOT NULL DEFAULT 0,
			metadata        TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (document_count >= 0)
		);

		CREATE TABLE IF NOT EXISTS agent_executions (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			message_id      TEXT REFERENCES messages(id),
			query           TEXT NOT NULL,
			result          TEXT,
			steps           TEXT NOT NULL,
			iterations      INTEGER NOT NULL DEFAULT 0,
			execution_time  DOUBLE PRECISION NOT NULL DEFAULT 0,
			success         BOOLEAN NOT NULL,
			error           TEXT,
			tools_used      TEXT NOT NULL,
			metadata        TEXT,
			created_at      TEXT NOT NULL,

			CHECK (iterations >= 0),
			CHECK (execution_time >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_agent_executions_conversation
			ON agent_executions(conversation_id, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_agent_executions_message
			ON agent_executions(message_id);

		CREATE TABLE IF NOT EXISTS tool_executions (
			id                 TEXT PRIMARY KEY,
			agent_execution_id TEXT NOT NULL REFERENCES agent_executions(id),
			tool_name          TEXT NOT NULL,
			input              TEXT NOT NULL,
			output             TEXT,
			success            BOOLEAN NOT NULL,
			error              TEXT,
			execution_time     DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,

			CHECK (execution_time >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_tool_executions_execution
			ON tool_executions(agent_execution_id, created_at, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLStore) runMigrations() error {
	// Columns added after the first release; new databases already have them.
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"conversations", "temperature", `ALTER TABLE conversations ADD COLUMN temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7`},
		{"conversations", "max_tokens", `ALTER TABLE conversations ADD COLUMN max_tokens INTEGER NOT NULL DEFAULT 2000`},
		{"conversations", "enable_rag", `ALTER TABLE conversations ADD COLUMN enable_rag BOOLEAN NOT NULL DEFAULT FALSE`},
		{"conversations", "rag_top_k", `ALTER TABLE conversations ADD COLUMN rag_top_k INTEGER NOT NULL DEFAULT 3`},
		{"messages", "request_id", `ALTER TABLE messages ADD COLUMN request_id TEXT`},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	// NULL request ids never collide, so only keyed retries are deduplicated.
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_request
		ON messages(conversation_id, request_id)`); err != nil {
		return fmt.Errorf("creating request id index: %w", err)
	}

	return nil
}

func (s *SQLStore) columnExists(table, column string) (bool, error) {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`
	default:
		query = `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`
	}

	var exists int
	err := s.db.QueryRow(s.rebind(query), table, column).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect == DialectPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// forUpdate is appended to a SELECT that must lock the conversation row.
// SQLite needs nothing: immediate transactions already hold the write lock.
func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rebinds placeholders for the active dialect.
type conn struct {
	q querier
	s *SQLStore
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.s.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.s.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.s.rebind(query), args...)
}

// reader runs outside a transaction.
func (s *SQLStore) reader() conn {
	return conn{q: s.db, s: s}
}

// withTx runs fn in a transaction and commits if it returns nil. Any error,
// panic, or context cancellation rolls the transaction back. Lock contention
// is retried; once retries are exhausted a ConflictError is returned.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(c conn) error) error {
	return s.retryOnBusy(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr(op+": begin", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(conn{q: tx, s: s}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return storageErr(op+": commit", err)
		}
		return nil
	})
}

// retryOnBusy retries f on lock contention using exponential backoff with
// bounded jitter: 50ms, 100ms, 200ms, 400ms, then 500ms.
func (s *SQLStore) retryOnBusy(ctx context.Context, op string, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = f()
		if err == nil || !s.isBusy(err) {
			return err
		}
		if attempt == s.maxRetries {
			break
		}

		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		s.logger.Debug("retrying busy transaction", "op", op, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return storageErr(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return &ConflictError{Reason: op + ": database busy", Err: err}
}

// isBusy reports lock contention that a retry may resolve.
func (s *SQLStore) isBusy(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed")
}

func (s *SQLStore) now() time.Time {
	return s.clock.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written with RFC3339 by earlier versions.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// later returns the larger of two instants, keeping updated_at non-decreasing.
func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// nullString returns nil for nil pointers, otherwise the string
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func rawOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func fromNullRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func encodeMetadata(m Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, invalid("metadata", err.Error())
	}
	return string(data), nil
}

func decodeMetadata(ns sql.NullString) (Metadata, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// chunk splits ids into batches that stay under driver parameter limits.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
