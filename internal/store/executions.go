// ABOUTME: Agent execution and tool execution persistence for SQLStore
// ABOUTME: Executions belong to a conversation; tool executions are append-only children of an execution

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const executionColumns = `id, conversation_id, message_id, query, result, steps,
	iterations, execution_time, success, error, tools_used, metadata, created_at`

const toolExecutionColumns = `id, agent_execution_id, tool_name, input, output,
	success, error, execution_time, created_at`

func scanExecution(row rowScanner) (*AgentExecution, error) {
	var e AgentExecution
	var messageID, result, errText, metadata sql.NullString
	var steps, toolsUsed, createdAtStr string

	if err := row.Scan(
		&e.ID,
		&e.ConversationID,
		&messageID,
		&e.Query,
		&result,
		&steps,
		&e.Iterations,
		&e.ExecutionTime,
		&e.Success,
		&errText,
		&toolsUsed,
		&metadata,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	e.MessageID = fromNullString(messageID)
	e.Result = fromNullString(result)
	e.Error = fromNullString(errText)

	if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsUsed), &e.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decoding tools_used: %w", err)
	}

	var err error
	if e.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing execution created_at: %w", err)
	}
	return &e, nil
}

func scanToolExecution(row rowScanner) (*ToolExecution, error) {
	var t ToolExecution
	var input, createdAtStr string
	var output, errText sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.AgentExecutionID,
		&t.ToolName,
		&input,
		&output,
		&t.Success,
		&errText,
		&t.ExecutionTime,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	t.Input = json.RawMessage(input)
	t.Output = fromNullRaw(output)
	t.Error = fromNullString(errText)

	var err error
	if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing tool execution created_at: %w", err)
	}
	return &t, nil
}

// encodeExecution serializes the list columns of an execution. Absent lists
// are stored as empty arrays.
func encodeExecution(e NewAgentExecution) (steps, toolsUsed string, metadata any, err error) {
	stepList := e.Steps
	if stepList == nil {
		stepList = []json.RawMessage{}
	}
	tools := e.ToolsUsed
	if tools == nil {
		tools = []string{}
	}

	data, err := json.Marshal(stepList)
	if err != nil {
		return "", "", nil, invalid("steps", err.Error())
	}
	steps = string(data)

	if data, err = json.Marshal(tools); err != nil {
		return "", "", nil, invalid("tools_used", err.Error())
	}
	toolsUsed = string(data)

	metadata, err = encodeMetadata(e.Metadata)
	return steps, toolsUsed, metadata, err
}

// RecordExecution stores an agent run. A failed run is stored like any other;
// Success=false is data, not an error.
func (s *SQLStore) RecordExecution(ctx context.Context, params NewAgentExecution) (*AgentExecution, error) {
	exec, _, err := s.RecordExecutionWithTools(ctx, params, nil)
	return exec, err
}

// RecordExecutionWithTools stores an agent run together with its tool
// executions in one transaction. Tool executions are stored in slice order,
// which becomes their retrieval order.
func (s *SQLStore) RecordExecutionWithTools(ctx context.Context, params NewAgentExecution, tools []NewToolExecution) (*AgentExecution, []*ToolExecution, error) {
	if err := validateNewExecution(params); err != nil {
		return nil, nil, err
	}
	for i, t := range tools {
		if err := validateNewToolExecution(t, false); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return nil, nil, invalid(fmt.Sprintf("tools[%d].%s", i, ve.Field), ve.Reason)
			}
			return nil, nil, err
		}
	}
	steps, toolsUsed, metadata, err := encodeExecution(params)
	if err != nil {
		return nil, nil, err
	}

	var exec *AgentExecution
	var recorded []*ToolExecution
	err = s.withTx(ctx, "recording agent execution", func(c conn) error {
		// Locking the conversation orders this insert against a concurrent delete.
		if _, err := s.getConversation(ctx, c, params.ConversationID, true); err != nil {
			return err
		}
		if params.MessageID != nil {
			if err := s.checkExecutionMessage(ctx, c, params.ConversationID, *params.MessageID); err != nil {
				return err
			}
		}

		exec = &AgentExecution{
			ID:             s.ids.NewID(),
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
			CreatedAt:      s.now(),
		}
		if exec.ToolsUsed == nil {
			exec.ToolsUsed = []string{}
		}
		if exec.Steps == nil {
			exec.Steps = []json.RawMessage{}
		}

		_, err := c.exec(ctx, `
			INSERT INTO agent_executions (`+executionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			exec.ID, exec.ConversationID, nullString(exec.MessageID), exec.Query, nullString(exec.Result), steps,
			exec.Iterations, exec.ExecutionTime, exec.Success, nullString(exec.Error), toolsUsed, metadata,
			formatTime(exec.CreatedAt),
		)
		if err != nil {
			return storageErr("inserting agent execution", err)
		}

		recorded = make([]*ToolExecution, 0, len(tools))
		for _, t := range tools {
			t.AgentExecutionID = exec.ID
			tool, err := s.insertToolExecution(ctx, c, t)
			if err != nil {
				return err
			}
			recorded = append(recorded, tool)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("recorded agent execution",
		"id", exec.ID,
		"conversation_id", exec.ConversationID,
		"success", exec.Success,
		"tools", len(recorded),
	)
	return exec, recorded, nil
}

// checkExecutionMessage enforces that a linked message exists in the execution's conversation.
func (s *SQLStore) checkExecutionMessage(ctx context.Context, c conn, conversationID, messageID string) error {
	var msgConv string
	err := c.queryRow(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&msgConv)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("message", messageID)
	}
	if err != nil {
		return storageErr("querying message", err)
	}
	if msgConv != conversationID {
		return invalid("message_id", fmt.Sprintf("message %q belongs to a different conversation", messageID))
	}
	return nil
}

func (s *SQLStore) insertToolExecution(ctx context.Context, c conn, params NewToolExecution) (*ToolExecution, error) {
	tool := &ToolExecution{
		ID:               s.ids.NewID(),
		AgentExecutionID: params.AgentExecutionID,
		ToolName:         params.ToolName,
		Input:            params.Input,
		Output:           absentIfNull(params.Output),
		Success:          params.Success,
		Error:            params.Error,
		ExecutionTime:    params.ExecutionTime,
		CreatedAt:        s.now(),
	}

	_, err := c.exec(ctx, `
		INSERT INTO tool_executions (`+toolExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tool.ID, tool.AgentExecutionID, tool.ToolName, string(tool.Input), rawOrNil(tool.Output),
		tool.Success, nullString(tool.Error), tool.ExecutionTime, formatTime(tool.CreatedAt),
	)
	if err != nil {
		return nil, storageErr("inserting tool execution", err)
	}
	return tool, nil
}

// GetExecution retrieves an agent execution by ID.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*AgentExecution, error) {
	exec, err := scanExecution(s.reader().queryRow(ctx,
		`SELECT `+executionColumns+` FROM agent_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent execution", id)
	}
	if err != nil {
		return nil, storageErr("querying agent execution", err)
	}
	return exec, nil
}

// ListExecutions returns the agent executions of a conversation, oldest first.
func (s *SQLStore) ListExecutions(ctx context.Context, conversationID string) ([]*AgentExecution, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.reader().query(ctx, `
		SELECT `+executionColumns+` FROM agent_executions
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, storageErr("querying agent executions", err)
	}
	defer rows.Close()

	var execs []*AgentExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storageErr("scanning agent execution row", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating agent execution rows", err)
	}
	return execs, nil
}

// DeleteExecution removes an agent execution and its tool executions.
func (s *SQLStore) DeleteExecution(ctx context.Context, id string) error {
	var tools int64

	err := s.withTx(ctx, "deleting agent execution", func(c conn) error {
		var exists int
		err := c.queryRow(ctx, `SELECT 1 FROM agent_executions WHERE id = ?`+s.forUpdate(), id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("agent execution", id)
		}
		if err != nil {
			return storageErr("querying agent execution", err)
		}

		res, err := c.exec(ctx, `DELETE FROM tool_executions WHERE agent_execution_id = ?`, id)
		if err != nil {
			return storageErr("deleting tool executions", err)
		}
		if tools, err = res.RowsAffected(); err != nil {
			return storageErr("deleting tool executions", err)
		}

		if _, err := c.exec(ctx, `DELETE FROM agent_executions WHERE id = ?`, id); err != nil {
			return storageErr("deleting agent execution", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted agent execution", "id", id, "tool_executions", tools)
	return nil
}

// RecordToolExecution appends a tool execution to an existing agent execution.
func (s *SQLStore) RecordToolExecution(ctx context.Context, params NewToolExecution) (*ToolExecution, error) {
	if err := validateNewToolExecution(params, true); err != nil {
		return nil, err
	}

	var tool *ToolExecution
	err := s.withTx(ctx, "recording tool execution", func(c conn) error {
		var exists int
		err := c.queryRow(ctx, `SELECT 1 FROM agent_executions WHERE id = ?`+s.forUpdate(),
			params.AgentExecutionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("agent execution", params.AgentExecutionID)
		}
		if err != nil {
			return storageErr("querying agent execution", err)
		}

		tool, err = s.insertToolExecution(ctx, c, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("recorded tool execution", "id", tool.ID, "agent_execution_id", tool.AgentExecutionID, "tool", tool.ToolName)
	return tool, nil
}

// GetToolExecution retrieves a tool execution by ID.
func (s *SQLStore) GetToolExecution(ctx context.Context, id string) (*ToolExecution, error) {
	tool, err := scanToolExecution(s.reader().queryRow(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tool execution", id)
	}
	if err != nil {
		return nil, storageErr("querying tool execution", err)
	}
	return tool, nil
}

// ListToolExecutions returns the tool executions of an agent execution in
// the order they were recorded.
func (s *SQLStore) ListToolExecutions(ctx context.Context, executionID string) ([]*ToolExecution, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.reader().query(ctx, `
		SELECT `+toolExecutionColumns+` FROM tool_executions
		WHERE agent_execution_id = ?
		ORDER BY created_at ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, storageErr("querying tool executions", err)
	}
	defer rows.Close()

	var tools []*ToolExecution
	for rows.Next() {
		tool, err := scanToolExecution(rows)
		if err != nil {
			return nil, storageErr("scanning tool execution row", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating tool execution rows", err)
	}
	return tools, nil
}
