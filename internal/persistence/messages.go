package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Message is one row in the messages table. Summary rows are markers:
// each records the id of the newest message it condensed, and the working
// context is the newest marker followed by every non-summary message above
// that boundary. Older rows stay in place for audit and re-summarization.
type Message struct {
	ID                int64     `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	Tokens            int       `json:"tokens"`
	StreamID          string    `json:"stream_id"`
	Stopped           bool      `json:"stopped"`
	StopReason        string    `json:"stop_reason,omitempty"`
	IsSummary         bool      `json:"is_summary"`
	SummarizedCount   int       `json:"summarized_count"`
	SummaryBoundaryID int64     `json:"summary_boundary_id,omitempty"`
	Metadata          string    `json:"metadata"`
	CreatedAt         time.Time `json:"created_at"`
}

// AddMessageParams carries the optional fields of an insert.
type AddMessageParams struct {
	StreamID          string
	Stopped           bool
	StopReason        string
	IsSummary         bool
	SummarizedCount   int
	SummaryBoundaryID int64
}

// AddMessage inserts a message and bumps the parent conversation's
// message_count (and summary_count for summaries) in the same transaction.
// Assistant content is trimmed of trailing whitespace before insert.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string, tokens int, params AddMessageParams) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant":
	default:
		return 0, fmt.Errorf("invalid role %q", role)
	}
	if role == "assistant" {
		content = strings.TrimRight(content, " \t\r\n")
	}

	var messageID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, tokens, stream_id,
				stopped, stop_reason, is_summary, summarized_count, summary_boundary_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, conversationID, role, content, tokens, params.StreamID,
			boolToInt(params.Stopped), params.StopReason,
			boolToInt(params.IsSummary), params.SummarizedCount, params.SummaryBoundaryID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		messageID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}

		summaryBump := 0
		if params.IsSummary {
			summaryBump = 1
		}
		upd, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1,
				summary_count = summary_count + ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, summaryBump, conversationID)
		if err != nil {
			return fmt.Errorf("bump message count: %w", err)
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
	return messageID, nil
}

// AppendStopReason records why a finalized message was stopped. This is the
// only mutation allowed on a message after insert.
func (s *Store) AppendStopReason(ctx context.Context, messageID int64, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET stopped = 1, stop_reason = ? WHERE id = ?;
		`, reason, messageID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("message %d not found", messageID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append stop reason: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a conversation in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, stream_id,
			stopped, stop_reason, is_summary, summarized_count, summary_boundary_id,
			metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSinceSummary returns the working context: the newest summary
// marker (if any) followed by every non-summary message above the marker's
// recorded boundary. The messages the compaction kept out of the summary
// window stay in the context. With no summary it returns the whole log.
func (s *Store) MessagesSinceSummary(ctx context.Context, conversationID string) ([]Message, error) {
	markerRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, stream_id,
			stopped, stop_reason, is_summary, summarized_count, summary_boundary_id,
			metadata, created_at
		FROM messages
		WHERE conversation_id = ? AND is_summary = 1
		ORDER BY id DESC LIMIT 1;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("find summary marker: %w", err)
	}
	markers, err := scanMessages(markerRows)
	markerRows.Close()
	if err != nil {
		return nil, err
	}
	if len(markers) == 0 {
		return s.ListMessages(ctx, conversationID, 0)
	}
	marker := markers[0]

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, stream_id,
			stopped, stop_reason, is_summary, summarized_count, summary_boundary_id,
			metadata, created_at
		FROM messages
		WHERE conversation_id = ? AND is_summary = 0 AND id > ?
		ORDER BY id ASC;
	`, conversationID, marker.SummaryBoundaryID)
	if err != nil {
		return nil, fmt.Errorf("query messages since summary: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return append([]Message{marker}, msgs...), nil
}

// NonSummaryMessages returns all regular messages, oldest first. Used by
// the compactor to pick the condensation window.
func (s *Store) NonSummaryMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, stream_id,
			stopped, stop_reason, is_summary, summarized_count, summary_boundary_id,
			metadata, created_at
		FROM messages
		WHERE conversation_id = ? AND is_summary = 0
		ORDER BY id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query non-summary messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var stopped, isSummary int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens,
			&m.StreamID, &stopped, &m.StopReason, &isSummary, &m.SummarizedCount,
			&m.SummaryBoundaryID, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Stopped = stopped != 0
		m.IsSummary = isSummary != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
