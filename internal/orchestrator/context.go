package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/provider"
)

// buildContext reconstructs the provider message sequence from the
// durable log, starting at the newest summary marker. Assistant messages
// regain their tool-call blocks from the recorded executions, each
// followed by a synthetic user message carrying the matching tool
// results, so the provider sees every call paired with its outcome.
func buildContext(ctx context.Context, store *persistence.Store, conversationID string) ([]provider.Message, error) {
	msgs, err := store.MessagesSinceSummary(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load working context: %w", err)
	}

	var out []provider.Message
	for _, msg := range msgs {
		switch msg.Role {
		case "user", "system":
			out = append(out, provider.TextMessage(provider.RoleUser, msg.Content))
		case "assistant":
			execs, err := store.ToolExecutionsForMessage(ctx, msg.ID)
			if err != nil {
				return nil, fmt.Errorf("load tool executions: %w", err)
			}
			assistant := provider.Message{Role: provider.RoleAssistant}
			if msg.Content != "" {
				assistant.Parts = append(assistant.Parts, provider.Part{Type: provider.PartText, Text: msg.Content})
			}
			for i := range execs {
				exec := execs[i]
				assistant.Parts = append(assistant.Parts, provider.Part{
					Type: provider.PartToolCall,
					ToolCall: &provider.ToolCall{
						ID:        exec.CallID,
						Name:      exec.ToolName,
						Arguments: json.RawMessage(exec.Input),
					},
				})
			}
			if len(assistant.Parts) > 0 {
				out = append(out, assistant)
			}
			if len(execs) > 0 {
				results := provider.Message{Role: provider.RoleUser}
				for i := range execs {
					exec := execs[i]
					content := exec.Output
					if !exec.Success {
						content = exec.Error
					}
					results.Parts = append(results.Parts, provider.Part{
						Type: provider.PartToolResult,
						ToolResult: &provider.ToolResult{
							ID:      exec.CallID,
							Content: content,
							IsError: !exec.Success,
						},
					})
				}
				out = append(out, results)
			}
		}
	}
	return out, nil
}
