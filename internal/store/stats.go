// ABOUTME: Derived per-conversation statistics and counter repair for SQLStore
// ABOUTME: Each stats read is a single statement so it observes one committed snapshot

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// statsQuery reads every aggregate in one statement. %s is the message count
// expression: the maintained counter or a COUNT over the rows.
const statsQuery = `
	SELECT
		c.id,
		%s,
		(SELECT COUNT(*) FROM agent_executions e WHERE e.conversation_id = c.id),
		(SELECT COUNT(*) FROM agent_executions e WHERE e.conversation_id = c.id AND e.success = ?),
		(SELECT COUNT(*) FROM tool_executions t
			JOIN agent_executions e ON t.agent_execution_id = e.id
			WHERE e.conversation_id = c.id),
		(SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = c.id)
	FROM conversations c
	WHERE c.id = ?`

const (
	maintainedCount = `c.message_count`
	recountedCount  = `(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`
)

// ConversationStats reads the maintained message counter and aggregates the rest.
func (s *SQLStore) ConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	return s.conversationStats(ctx, conversationID, maintainedCount)
}

// RecomputeConversationStats derives every field from the rows themselves.
// Comparing it with ConversationStats detects counter drift.
func (s *SQLStore) RecomputeConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	return s.conversationStats(ctx, conversationID, recountedCount)
}

func (s *SQLStore) conversationStats(ctx context.Context, conversationID, countExpr string) (*ConversationStats, error) {
	var st ConversationStats
	var lastMessage sql.NullString

	err := s.reader().queryRow(ctx, fmt.Sprintf(statsQuery, countExpr), false, conversationID).Scan(
		&st.ConversationID,
		&st.MessageCount,
		&st.AgentExecutionsCount,
		&st.FailedExecutionsCount,
		&st.ToolExecutionsCount,
		&lastMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", conversationID)
	}
	if err != nil {
		return nil, storageErr("querying conversation stats", err)
	}

	if lastMessage.Valid {
		t, err := parseTime(lastMessage.String)
		if err != nil {
			return nil, storageErr("parsing last message time", err)
		}
		st.LastMessageAt = &t
	}
	return &st, nil
}

// RepairMessageCount recounts the messages of a conversation and overwrites
// the maintained counter when it has drifted. updated_at is left alone; a
// repair is not a change to the conversation.
func (s *SQLStore) RepairMessageCount(ctx context.Context, conversationID string) (before, after int, err error) {
	err = s.withTx(ctx, "repairing message count", func(c conn) error {
		conv, err := s.getConversation(ctx, c, conversationID, true)
		if err != nil {
			return err
		}
		before = conv.MessageCount

		if err := c.queryRow(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
		).Scan(&after); err != nil {
			return storageErr("counting messages", err)
		}
		if before == after {
			return nil
		}

		if _, err := c.exec(ctx,
			`UPDATE conversations SET message_count = ? WHERE id = ?`, after, conversationID,
		); err != nil {
			return storageErr("repairing message count", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if before != after {
		s.logger.Warn("repaired message count", "conversation_id", conversationID, "before", before, "after", after)
	}
	return before, after, nil
}

// ListConversationIDs pages through every conversation ID in ascending order,
// archived ones included. Pass the last ID of the previous page as afterID.
func (s *SQLStore) ListConversationIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.reader().query(ctx,
		`SELECT id FROM conversations WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, storageErr("querying conversation ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scanning conversation id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating conversation ids", err)
	}
	return ids, nil
}
