// ABOUTME: Conversation CRUD for SQLStore
// ABOUTME: Conversation delete cascades explicitly to tool executions, executions and messages

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationColumns = `id, title, model, kb_name, metadata,
	temperature, max_tokens, enable_rag, rag_top_k,
	is_archived, message_count, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var kbName, metadata sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Model,
		&kbName,
		&metadata,
		&c.Settings.Temperature,
		&c.Settings.MaxTokens,
		&c.Settings.EnableRAG,
		&c.Settings.RAGTopK,
		&c.Archived,
		&c.MessageCount,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	c.KBName = fromNullString(kbName)

	var err error
	if c.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConversation creates a conversation with message_count 0.
func (s *SQLStore) CreateConversation(ctx context.Context, params NewConversation) (*Conversation, error) {
	if err := validateNewConversation(params, s.maxTitle); err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if params.Settings != nil {
		settings = *params.Settings
	}
	model := params.Model
	if model == "" {
		model = s.defaultModel
	}
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.now()
	conv := &Conversation{
		ID:        s.ids.NewID(),
		Title:     params.Title,
		Model:     model,
		KBName:    params.KBName,
		Metadata:  params.Metadata,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.withTx(ctx, "creating conversation", func(c conn) error {
		_, err := c.exec(ctx, `
			INSERT INTO conversations (
				id, title, model, kb_name, metadata,
				temperature, max_tokens, enable_rag, rag_top_k,
				is_archived, message_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			conv.ID, conv.Title, conv.Model, nullString(conv.KBName), metadata,
			settings.Temperature, settings.MaxTokens, settings.EnableRAG, settings.RAGTopK,
			false, 0, formatTime(now), formatTime(now),
		)
		if err != nil {
			return storageErr("inserting conversation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created conversation", "id", conv.ID, "model", conv.Model)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.reader(), id, false)
}

// getConversation loads a conversation, optionally locking its row for the
// rest of the enclosing transaction.
func (s *SQLStore) getConversation(ctx context.Context, c conn, id string, lock bool) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	if lock {
		query += s.forUpdate()
	}

	conv, err := scanConversation(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, storageErr("querying conversation", err)
	}
	return conv, nil
}

// ListConversations returns conversations newest first by the chosen column.
func (s *SQLStore) ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error) {
	params, err := params.normalized()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if !params.IncludeArchived {
		query += ` WHERE is_archived = ?`
		args = append(args, false)
	}
	// OrderBy is validated against a closed set, so it is safe to splice.
	query += fmt.Sprintf(` ORDER BY %s DESC, id DESC LIMIT ? OFFSET ?`, params.OrderBy)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.reader().query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr("scanning conversation row", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating conversation rows", err)
	}
	return convs, nil
}

// UpdateConversation applies a partial update and advances updated_at.
func (s *SQLStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	if err := validateConversationUpdate(update, s.maxTitle); err != nil {
		return nil, err
	}

	var result *Conversation
	err := s.withTx(ctx, "updating conversation", func(c conn) error {
		conv, err := s.getConversation(ctx, c, id, true)
		if err != nil {
			return err
		}

		applyUpdate(conv, update)
		conv.UpdatedAt = later(conv.UpdatedAt, s.now())

		metadata, err := encodeMetadata(conv.Metadata)
		if err != nil {
			return err
		}

		_, err = c.exec(ctx, `
			UPDATE conversations
			SET title = ?, model = ?, kb_name = ?, metadata = ?,
				temperature = ?, max_tokens = ?, enable_rag = ?, rag_top_k = ?,
				is_archived = ?, updated_at = ?
			WHERE id = ?
		`,
			conv.Title, conv.Model, nullString(conv.KBName), metadata,
			conv.Settings.Temperature, conv.Settings.MaxTokens, conv.Settings.EnableRAG, conv.Settings.RAGTopK,
			conv.Archived, formatTime(conv.UpdatedAt),
			id,
		)
		if err != nil {
			return storageErr("updating conversation", err)
		}
		result = conv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("updated conversation", "id", id)
	return result, nil
}

// applyUpdate copies the non-nil fields of u onto conv.
func applyUpdate(conv *Conversation, u ConversationUpdate) {
	if u.Title != nil {
		conv.Title = *u.Title
	}
	if u.Model != nil {
		conv.Model = *u.Model
	}
	if u.KBName != nil {
		name := *u.KBName
		conv.KBName = &name
	}
	if u.ClearKBName {
		conv.KBName = nil
	}
	if u.Metadata != nil {
		conv.Metadata = u.Metadata
	}
	if u.Archived != nil {
		conv.Archived = *u.Archived
	}
	if u.Settings != nil {
		conv.Settings = *u.Settings
	}
}

// lockExecutions takes row locks on a conversation's agent executions so a
// concurrent RecordToolExecution waits for the delete and then finds nothing.
// SQLite's immediate transactions already exclude other writers.
func (s *SQLStore) lockExecutions(ctx context.Context, c conn, conversationID string) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	rows, err := c.query(ctx,
		`SELECT id FROM agent_executions WHERE conversation_id = ?`+s.forUpdate(), conversationID)
	if err != nil {
		return storageErr("locking agent executions", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return storageErr("locking agent executions", err)
	}
	return nil
}

// DeleteConversation removes a conversation with all of its messages, agent
// executions and their tool executions in one transaction.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	var removed struct{ tools, execs, messages int64 }

	err := s.withTx(ctx, "deleting conversation", func(c conn) error {
		if _, err := s.getConversation(ctx, c, id, true); err != nil {
			return err
		}
		if err := s.lockExecutions(ctx, c, id); err != nil {
			return err
		}

		steps := []struct {
			query string
			count *int64
			op    string
		}{
			{`DELETE FROM tool_executions WHERE agent_execution_id IN
				(SELECT id FROM agent_executions WHERE conversation_id = ?)`, &removed.tools, "deleting tool executions"},
			{`DELETE FROM agent_executions WHERE conversation_id = ?`, &removed.execs, "deleting agent executions"},
			{`DELETE FROM messages WHERE conversation_id = ?`, &removed.messages, "deleting messages"},
		}
		for _, step := range steps {
			res, err := c.exec(ctx, step.query, id)
			if err != nil {
				return storageErr(step.op, err)
			}
			if *step.count, err = res.RowsAffected(); err != nil {
				return storageErr(step.op, err)
			}
		}

		res, err := c.exec(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return storageErr("deleting conversation", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("deleting conversation", err)
		} else if n != 1 {
			return notFound("conversation", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted conversation",
		"id", id,
		"messages", removed.messages,
		"agent_executions", removed.execs,
		"tool_executions", removed.tools,
	)
	return nil
}
