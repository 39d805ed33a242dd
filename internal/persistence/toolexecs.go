package persistence

import (
	"context"
	"fmt"
	"time"
)

// ToolExecution records one completed (or failed) tool dispatch. Rows are
// written after the call settles, never while it is in flight.
type ToolExecution struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	CallID         string    `json:"call_id"`
	ToolName       string    `json:"tool_name"`
	Input          string    `json:"input"`
	Output         string    `json:"output,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AddToolExecution inserts a tool execution and bumps the parent
// conversation's tool_count in the same transaction.
func (s *Store) AddToolExecution(ctx context.Context, exec ToolExecution) (int64, error) {
	if exec.CallID == "" {
		return 0, fmt.Errorf("tool execution requires call_id")
	}
	if exec.Input == "" {
		exec.Input = "{}"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add tool execution tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_executions (conversation_id, message_id, call_id,
				tool_name, input, output, duration_ms, success, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, exec.ConversationID, exec.MessageID, exec.CallID, exec.ToolName,
			exec.Input, exec.Output, exec.DurationMs, boolToInt(exec.Success), exec.Error)
		if err != nil {
			return fmt.Errorf("insert tool execution: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("tool execution insert id: %w", err)
		}

		upd, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET tool_count = tool_count + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, exec.ConversationID)
		if err != nil {
			return fmt.Errorf("bump tool count: %w", err)
		}
		affected, err := upd.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ToolExecutionsForMessage returns executions recorded against one
// assistant message, in insertion order. Context reconstruction pairs
// them with the message's tool-call blocks by call_id.
func (s *Store) ToolExecutionsForMessage(ctx context.Context, messageID int64) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, call_id, tool_name, input,
			output, duration_ms, success, error, created_at
		FROM tool_executions
		WHERE message_id = ?
		ORDER BY id ASC;
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query tool executions: %w", err)
	}
	defer rows.Close()

	var out []ToolExecution
	for rows.Next() {
		var e ToolExecution
		var success int
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageID, &e.CallID,
			&e.ToolName, &e.Input, &e.Output, &e.DurationMs, &success, &e.Error,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		e.Success = success != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool execution rows: %w", err)
	}
	return out, nil
}

// ToolExecutionsForConversation returns all executions of a conversation.
func (s *Store) ToolExecutionsForConversation(ctx context.Context, conversationID string) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, call_id, tool_name, input,
			output, duration_ms, success, error, created_at
		FROM tool_executions
		WHERE conversation_id = ?
		ORDER BY id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query tool executions: %w", err)
	}
	defer rows.Close()

	var out []ToolExecution
	for rows.Next() {
		var e ToolExecution
		var success int
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageID, &e.CallID,
			&e.ToolName, &e.Input, &e.Output, &e.DurationMs, &success, &e.Error,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		e.Success = success != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool execution rows: %w", err)
	}
	return out, nil
}
