package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/provider"
	"github.com/basket/gridmind/internal/tokenutil"
)

// ErrNothingToCompact is returned when the conversation is too short for
// the requested keep window.
var ErrNothingToCompact = errors.New("nothing to compact")

const summaryPrefix = "Summary of earlier conversation:\n\n"

const condenseSystem = `You condense conversation transcripts. Produce a compact summary that preserves facts, decisions, open questions and tool outcomes. Respond with the summary only.`

// Compactor condenses the older part of a conversation into a summary
// marker message. Nothing is deleted: the marker records the id of the
// newest message it condensed, the originals stay below that boundary,
// and the kept recent window remains in the working context.
type Compactor struct {
	store    *persistence.Store
	provider provider.Provider
	model    string
	keep     int
	logger   *slog.Logger
}

func NewCompactor(store *persistence.Store, prov provider.Provider, model string, keepRecent int, logger *slog.Logger) *Compactor {
	if keepRecent <= 0 {
		keepRecent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: store, provider: prov, model: model, keep: keepRecent, logger: logger}
}

// Compact summarizes all non-summary messages except the most recent
// keep, persists the summary as a marker and returns the number of
// messages condensed. A provider failure leaves the store untouched.
func (c *Compactor) Compact(ctx context.Context, conversationID string, keep int) (int, error) {
	if keep <= 0 {
		keep = c.keep
	}
	msgs, err := c.store.NonSummaryMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if len(msgs) <= keep {
		return 0, ErrNothingToCompact
	}
	window := msgs[:len(msgs)-keep]

	toolNames, err := c.toolNamesByMessage(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	prompt := buildCondensePrompt(window, toolNames)
	summary, err := c.provider.Complete(ctx, provider.Request{
		Model:  c.model,
		System: condenseSystem,
		Messages: []provider.Message{
			provider.TextMessage(provider.RoleUser, prompt),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("condense: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return 0, fmt.Errorf("condense: empty summary")
	}

	content := summaryPrefix + summary
	_, err = c.store.AddMessage(ctx, conversationID, "user", content,
		tokenutil.EstimateTokens(content), persistence.AddMessageParams{
			IsSummary:         true,
			SummarizedCount:   len(window),
			SummaryBoundaryID: window[len(window)-1].ID,
		})
	if err != nil {
		return 0, err
	}

	c.logger.Info("conversation compacted",
		"conversation_id", conversationID,
		"summarized", len(window),
		"kept", keep,
	)
	return len(window), nil
}

// toolNamesByMessage maps assistant message ids to the tool names they
// invoked, so the condensation prompt can mention tools without
// replaying their payloads.
func (c *Compactor) toolNamesByMessage(ctx context.Context, conversationID string) (map[int64][]string, error) {
	execs, err := c.store.ToolExecutionsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]string)
	for _, exec := range execs {
		out[exec.MessageID] = append(out[exec.MessageID], exec.ToolName)
	}
	return out, nil
}

func buildCondensePrompt(window []persistence.Message, toolNames map[int64][]string) string {
	var sb strings.Builder
	sb.WriteString("Condense the following conversation:\n\n")
	for _, msg := range window {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		if names := toolNames[msg.ID]; len(names) > 0 {
			sb.WriteString(" [tools used: ")
			sb.WriteString(strings.Join(names, ", "))
			sb.WriteString("]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
