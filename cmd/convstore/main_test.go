// ABOUTME: End-to-end tests for the convstore CLI against a temporary SQLite file
// ABOUTME: Drives the cobra tree with SetArgs and inspects its output

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convstore/internal/config"
	"github.com/2389/convstore/internal/store"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type cliEnv struct {
	configPath string
	dbPath     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		configPath: filepath.Join(dir, "convstore.yaml"),
		dbPath:     filepath.Join(dir, "convstore.db"),
	}
	cfg := "database:\n  driver: sqlite\n  path: " + env.dbPath + "\nlogging:\n  level: error\n  format: text\n"
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0644))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))

	err := root.Execute()
	require.NoError(t, a.teardown())
	return out.String(), err
}

// seed opens the database directly and adds a conversation with two messages.
func (e *cliEnv) seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(e.dbPath, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	conv, err := s.CreateConversation(ctx, store.NewConversation{Title: "Support chat"})
	require.NoError(t, err)
	for _, m := range []struct {
		role    store.Role
		content string
	}{
		{store.RoleSystem, "be helpful"},
		{store.RoleUser, "hello"},
	} {
		_, err := s.AppendMessage(ctx, store.NewMessage{ConversationID: conv.ID, Role: m.role, Content: m.content})
		require.NoError(t, err)
	}
	return conv.ID
}

func (e *cliEnv) corruptCounter(t *testing.T, id string, count int) {
	t.Helper()
	s, err := store.NewSQLiteStore(e.dbPath, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().Exec("UPDATE conversations SET message_count = ? WHERE id = ?", count, id)
	require.NoError(t, err)
}

func TestCLI_Migrate(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date (sqlite)")
	assert.FileExists(t, env.dbPath)
}

func TestCLI_Conversations(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations")

	id := env.seed(t)

	out, err = env.run(t, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Support chat")
	assert.Contains(t, out, "deepseek-chat")

	out, err = env.run(t, "conv", "history", id)
	require.NoError(t, err)
	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0]["role"])

	out, err = env.run(t, "conv", "history", id, "--include-system")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Len(t, history, 2)

	_, err = env.run(t, "conversations", "list", "--order", "title")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCLI_Stats(t *testing.T) {
	env := newCLIEnv(t)
	id := env.seed(t)

	out, err := env.run(t, "stats", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Messages:          2")
	assert.Contains(t, out, "Agent executions:  0 (0 failed)")

	_, err = env.run(t, "stats", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCLI_VerifyAndRepair(t *testing.T) {
	env := newCLIEnv(t)
	id := env.seed(t)

	out, err := env.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 1 conversations: 0 drifted, 0 repaired, 0 errors")

	env.corruptCounter(t, id, 7)

	out, err = env.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, id+": counter 7, rows 2")
	assert.Contains(t, out, "1 drifted, 0 repaired")

	out, err = env.run(t, "stats", id, "--recount")
	require.NoError(t, err)
	assert.Contains(t, out, "Messages:          2")

	out, err = env.run(t, "verify", "--repair")
	require.NoError(t, err)
	assert.Contains(t, out, "1 drifted, 1 repaired")

	out, err = env.run(t, "stats", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Messages:          2")
}

func TestCLI_KnowledgeBases(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "kb", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No knowledge bases")

	out, err = env.run(t, "kb", "upsert", "faq",
		"--collection", "col_faq",
		"--embedding-model", "bge-m3",
		"--metadata", `{"owner":"support"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Knowledge base faq -> col_faq")

	out, err = env.run(t, "kb", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "faq")
	assert.Contains(t, out, "bge-m3")

	_, err = env.run(t, "kb", "upsert", "faq", "--collection", "other")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = env.run(t, "kb", "upsert", "faq")
	assert.Error(t, err, "--collection is required")

	_, err = env.run(t, "kb", "upsert", "bad", "--collection", "c", "--metadata", "{")
	assert.Error(t, err)
}

func TestCLI_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0644))

	root, a := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", path, "migrate"})

	err := root.Execute()
	require.NoError(t, a.teardown())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestStoreOptions_MaxRetries(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, cfg.Database.MaxRetries, storeOptions(cfg, nil).MaxRetries)

	cfg.Database.MaxRetries = 0
	assert.Equal(t, store.NoRetries, storeOptions(cfg, nil).MaxRetries)

	cfg.Database.MaxRetries = 2
	opts := storeOptions(cfg, nil)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.Equal(t, cfg.Conversations.DefaultModel, opts.DefaultModel)
}
