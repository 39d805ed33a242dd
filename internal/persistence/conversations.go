package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

const maxTitleLen = 80

// Conversation is one row in the conversations table. The counter fields
// are derived from child rows and maintained transactionally on insert.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	MessageCount int       `json:"message_count"`
	ToolCount    int       `json:"tool_count"`
	SummaryCount int       `json:"summary_count"`
	Metadata     string    `json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Age returns how long ago the conversation was created.
func (c Conversation) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// CreateConversation inserts a new conversation and returns its id.
// The title is derived from the first user message, truncated.
func (s *Store) CreateConversation(ctx context.Context, firstUserText string) (string, error) {
	id := uuid.NewString()
	title := deriveTitle(firstUserText)
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, title, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, title)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > maxTitleLen {
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := maxTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	return title
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, input_tokens, output_tokens, message_count,
			tool_count, summary_count, metadata, created_at, updated_at
		FROM conversations WHERE id = ?;
	`, id).Scan(&c.ID, &c.Title, &c.InputTokens, &c.OutputTokens, &c.MessageCount,
		&c.ToolCount, &c.SummaryCount, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, input_tokens, output_tokens, message_count,
			tool_count, summary_count, metadata, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.InputTokens, &c.OutputTokens, &c.MessageCount,
			&c.ToolCount, &c.SummaryCount, &c.Metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}

// AddUsage adds provider-reported token usage to the conversation totals.
func (s *Store) AddUsage(ctx context.Context, conversationID string, inputTokens, outputTokens int) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET input_tokens = input_tokens + ?,
				output_tokens = output_tokens + ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, inputTokens, outputTokens, conversationID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("add usage: %w", err)
	}
	return err
}

// DeleteConversation removes a conversation and all its messages and tool
// executions. The only deletion path in the store.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return err
}
