// ABOUTME: Message tree persistence for SQLStore
// ABOUTME: Appends and subtree deletes keep conversations.message_count exact in the same transaction

package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"
)

const messageColumns = `id, conversation_id, role, content, parent_id,
	tool_calls, tool_call_id, source_documents, metadata, request_id, created_at`

// messagePageSize bounds each query issued by ListMessages.
const messagePageSize = 200

// idBatchSize keeps IN (...) lists under driver parameter limits.
const idBatchSize = 500

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var role, createdAtStr string
	var parentID, toolCalls, toolCallID, sourceDocs, metadata, requestID sql.NullString

	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&role,
		&m.Content,
		&parentID,
		&toolCalls,
		&toolCallID,
		&sourceDocs,
		&metadata,
		&requestID,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	m.Role = Role(role)
	m.ParentID = fromNullString(parentID)
	m.ToolCalls = fromNullRaw(toolCalls)
	m.ToolCallID = fromNullString(toolCallID)
	m.SourceDocuments = fromNullRaw(sourceDocs)
	m.RequestID = fromNullString(requestID)

	var err error
	if m.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scanning message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating message rows", err)
	}
	return messages, nil
}

// AppendMessage inserts a message and increments the conversation's
// message_count and updated_at in the same transaction. The conversation row
// is locked first, so concurrent appends to one conversation serialize.
//
// When RequestID is set and a message with that key already exists in the
// conversation, the stored message is returned and nothing is written.
func (s *SQLStore) AppendMessage(ctx context.Context, params NewMessage) (*Message, error) {
	if err := validateNewMessage(params); err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}

	var result *Message
	var replayed bool
	err = s.withTx(ctx, "appending message", func(c conn) error {
		conv, err := s.getConversation(ctx, c, params.ConversationID, true)
		if err != nil {
			return err
		}

		if params.RequestID != nil {
			existing, err := scanMessage(c.queryRow(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND request_id = ?`,
				conv.ID, *params.RequestID))
			switch {
			case err == nil:
				if !sameMessage(existing, params) {
					return &ConflictError{Reason: fmt.Sprintf("request id %q was used for a different message", *params.RequestID)}
				}
				result, replayed = existing, true
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return storageErr("querying message by request id", err)
			}
		}

		if params.ParentID != nil {
			if err := s.checkParent(ctx, c, conv.ID, *params.ParentID); err != nil {
				return err
			}
		}

		now := s.now()
		msg := &Message{
			ID:              s.ids.NewID(),
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
		}

		_, err = c.exec(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content, nullString(msg.ParentID),
			rawOrNil(msg.ToolCalls), nullString(msg.ToolCallID), rawOrNil(msg.SourceDocuments),
			metadata, nullString(msg.RequestID), formatTime(msg.CreatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return &ConflictError{Reason: "message already exists", Err: err}
			}
			return storageErr("inserting message", err)
		}

		if err := s.adjustMessageCount(ctx, c, conv, 1, now); err != nil {
			return err
		}
		result = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		s.logger.Debug("replayed message", "id", result.ID, "request_id", *params.RequestID)
	} else {
		s.logger.Debug("appended message", "id", result.ID, "conversation_id", result.ConversationID, "role", result.Role)
	}
	return result, nil
}

// sameMessage reports whether a retried append matches the stored message.
func sameMessage(m *Message, p NewMessage) bool {
	if m.Role != p.Role || m.Content != p.Content {
		return false
	}
	if (m.ParentID == nil) != (p.ParentID == nil) {
		return false
	}
	if m.ParentID != nil && *m.ParentID != *p.ParentID {
		return false
	}
	return bytes.Equal(m.ToolCalls, p.ToolCalls)
}

// checkParent enforces that a parent exists and lives in the same conversation.
func (s *SQLStore) checkParent(ctx context.Context, c conn, conversationID, parentID string) error {
	var parentConv string
	err := c.queryRow(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, parentID).Scan(&parentConv)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("message", parentID)
	}
	if err != nil {
		return storageErr("querying parent message", err)
	}
	if parentConv != conversationID {
		return invalid("parent_id", fmt.Sprintf("message %q belongs to a different conversation", parentID))
	}
	return nil
}

// adjustMessageCount applies delta to a locked conversation and advances updated_at.
func (s *SQLStore) adjustMessageCount(ctx context.Context, c conn, conv *Conversation, delta int, now time.Time) error {
	updatedAt := later(conv.UpdatedAt, now)
	res, err := c.exec(ctx, `
		UPDATE conversations
		SET message_count = message_count + ?, updated_at = ?
		WHERE id = ?
	`, delta, formatTime(updatedAt), conv.ID)
	if err != nil {
		return storageErr("updating message count", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("updating message count", err)
	}
	if n != 1 {
		return notFound("conversation", conv.ID)
	}
	conv.MessageCount += delta
	conv.UpdatedAt = updatedAt
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.reader().queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", id)
	}
	if err != nil {
		return nil, storageErr("querying message", err)
	}
	return msg, nil
}

// DeleteMessage removes a message and its whole descendant subtree and
// decrements message_count by the number of rows removed. Agent executions
// that pointed at a removed message keep their row with message_id cleared.
func (s *SQLStore) DeleteMessage(ctx context.Context, id string) (int, error) {
	var removed int
	var conversationID string

	err := s.withTx(ctx, "deleting message", func(c conn) error {
		err := c.queryRow(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("message", id)
		}
		if err != nil {
			return storageErr("querying message", err)
		}

		conv, err := s.getConversation(ctx, c, conversationID, true)
		if err != nil {
			return err
		}

		// Re-check under the conversation lock; a concurrent delete may have won.
		var exists int
		err = c.queryRow(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("message", id)
		}
		if err != nil {
			return storageErr("querying message", err)
		}

		levels, err := s.subtreeLevels(ctx, c, conversationID, id)
		if err != nil {
			return err
		}
		var all []string
		for _, level := range levels {
			all = append(all, level...)
		}

		for _, batch := range chunk(all, idBatchSize) {
			if _, err := c.exec(ctx,
				`UPDATE agent_executions SET message_id = NULL WHERE message_id IN (`+placeholders(len(batch))+`)`,
				stringArgs(batch)...); err != nil {
				return storageErr("detaching agent executions", err)
			}
		}

		// Deepest level first so no row is deleted while a child still references it.
		for i := len(levels) - 1; i >= 0; i-- {
			for _, batch := range chunk(levels[i], idBatchSize) {
				res, err := c.exec(ctx,
					`DELETE FROM messages WHERE id IN (`+placeholders(len(batch))+`)`,
					stringArgs(batch)...)
				if err != nil {
					return storageErr("deleting messages", err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return storageErr("deleting messages", err)
				}
				removed += int(n)
			}
		}
		if removed != len(all) {
			return storageErr("deleting messages", fmt.Errorf("removed %d rows, expected %d", removed, len(all)))
		}

		return s.adjustMessageCount(ctx, c, conv, -removed, s.now())
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("deleted message subtree", "id", id, "conversation_id", conversationID, "removed", removed)
	return removed, nil
}

// subtreeLevels walks the (conversation_id, parent_id) adjacency breadth first.
// levels[0] is the root; levels[i] are the descendants at depth i.
func (s *SQLStore) subtreeLevels(ctx context.Context, c conn, conversationID, rootID string) ([][]string, error) {
	levels := [][]string{{rootID}}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		var next []string
		for _, batch := range chunk(frontier, idBatchSize) {
			args := append([]any{conversationID}, stringArgs(batch)...)
			rows, err := c.query(ctx,
				`SELECT id FROM messages WHERE conversation_id = ? AND parent_id IN (`+placeholders(len(batch))+`)`,
				args...)
			if err != nil {
				return nil, storageErr("querying child messages", err)
			}
			for rows.Next() {
				var childID string
				if err := rows.Scan(&childID); err != nil {
					rows.Close()
					return nil, storageErr("scanning child message", err)
				}
				next = append(next, childID)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, storageErr("iterating child messages", err)
			}
			rows.Close()
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}
	return levels, nil
}

// ClearMessages removes every message of a conversation and resets its counter.
func (s *SQLStore) ClearMessages(ctx context.Context, conversationID string) (int, error) {
	var removed int

	err := s.withTx(ctx, "clearing messages", func(c conn) error {
		conv, err := s.getConversation(ctx, c, conversationID, true)
		if err != nil {
			return err
		}

		if _, err := c.exec(ctx,
			`UPDATE agent_executions SET message_id = NULL WHERE conversation_id = ? AND message_id IS NOT NULL`,
			conversationID); err != nil {
			return storageErr("detaching agent executions", err)
		}

		res, err := c.exec(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
		if err != nil {
			return storageErr("deleting messages", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("deleting messages", err)
		}
		removed = int(n)

		updatedAt := later(conv.UpdatedAt, s.now())
		if _, err := c.exec(ctx,
			`UPDATE conversations SET message_count = 0, updated_at = ? WHERE id = ?`,
			formatTime(updatedAt), conversationID); err != nil {
			return storageErr("resetting message count", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("cleared messages", "conversation_id", conversationID, "removed", removed)
	return removed, nil
}

// ListMessages returns the messages of a conversation in creation order.
// The sequence is lazy: rows are fetched in pages as the caller ranges over
// it, and each new range starts again from the first message. A missing
// conversation yields a single NotFound error.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			yield(nil, err)
			return
		}

		var afterCreated, afterID string
		for first := true; ; first = false {
			page, err := s.messagePage(ctx, conversationID, first, afterCreated, afterID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}
			if len(page) < messagePageSize {
				return
			}
			last := page[len(page)-1]
			afterCreated, afterID = formatTime(last.CreatedAt), last.ID
		}
	}
}

func (s *SQLStore) messagePage(ctx context.Context, conversationID string, first bool, afterCreated, afterID string) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if first {
		rows, err = s.reader().query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`, conversationID, messagePageSize)
	} else {
		rows, err = s.reader().query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`, conversationID, afterCreated, afterCreated, afterID, messagePageSize)
	}
	if err != nil {
		return nil, storageErr("querying messages", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in chronological order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	if limit > 0 {
		// Take the N most recent, then return them oldest first
		rows, err = s.reader().query(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) recent
			ORDER BY created_at ASC, id ASC
		`, conversationID, limit)
	} else {
		rows, err = s.reader().query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC
		`, conversationID)
	}
	if err != nil {
		return nil, storageErr("querying messages", err)
	}
	return scanMessages(rows)
}

// ChildMessages returns the direct children of a message in creation order.
func (s *SQLStore) ChildMessages(ctx context.Context, messageID string) ([]*Message, error) {
	parent, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	rows, err := s.reader().query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND parent_id = ?
		ORDER BY created_at ASC, id ASC
	`, parent.ConversationID, messageID)
	if err != nil {
		return nil, storageErr("querying child messages", err)
	}
	return scanMessages(rows)
}
