package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/provider"
)

func newCompactorStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "compact.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedConversation(t *testing.T, store *persistence.Store, turns int) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateConversation(ctx, "first question")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < turns; i++ {
		if _, err := store.AddMessage(ctx, id, "user", "question", 2, persistence.AddMessageParams{}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		if _, err := store.AddMessage(ctx, id, "assistant", "answer", 2, persistence.AddMessageParams{}); err != nil {
			t.Fatalf("seed assistant: %v", err)
		}
	}
	return id
}

func TestCompactKeepsRecentWindow(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 4) // 8 messages

	var prompt string
	prov := &scriptedProvider{complete: func(req provider.Request) (string, error) {
		prompt = req.Messages[0].Parts[0].Text
		return "They discussed four questions.", nil
	}}
	c := NewCompactor(store, prov, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := c.Compact(context.Background(), convID, 2)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 6 {
		t.Errorf("summarized = %d, want 6", n)
	}
	if !strings.Contains(prompt, "user: question") || !strings.Contains(prompt, "assistant: answer") {
		t.Errorf("condensation prompt missing transcript: %q", prompt)
	}

	// Nothing deleted: all originals plus the marker.
	msgs, err := store.ListMessages(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 9 {
		t.Fatalf("messages = %d, want 8 originals + marker", len(msgs))
	}
	marker := msgs[8]
	if !marker.IsSummary || marker.Role != "user" {
		t.Errorf("marker row: %+v", marker)
	}
	if !strings.HasPrefix(marker.Content, summaryPrefix) {
		t.Errorf("marker content = %q", marker.Content)
	}
	if marker.SummarizedCount != 6 {
		t.Errorf("summarized_count = %d", marker.SummarizedCount)
	}
	if marker.SummaryBoundaryID != msgs[5].ID {
		t.Errorf("boundary = %d, want id of the last summarized message %d",
			marker.SummaryBoundaryID, msgs[5].ID)
	}

	// The read path is the marker followed by the kept window.
	working, err := store.MessagesSinceSummary(context.Background(), convID)
	if err != nil {
		t.Fatalf("since summary: %v", err)
	}
	if len(working) != 3 {
		t.Fatalf("working context after compact: %d messages, want marker + 2 kept", len(working))
	}
	if !working[0].IsSummary {
		t.Errorf("working context does not lead with the marker: %+v", working[0])
	}
	if working[1].ID != msgs[6].ID || working[2].ID != msgs[7].ID {
		t.Errorf("kept window missing from working context: %+v", working[1:])
	}
}

func TestCompactedContextKeepsRecentWindow(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 5) // 10 messages

	c := NewCompactor(store, &scriptedProvider{}, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Compact(context.Background(), convID, 5); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// The next turn's provider context is the summary plus the 5 kept
	// messages, in order.
	msgs, err := buildContext(context.Background(), store, convID)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("reconstructed context = %d messages, want 6 (summary + 5 kept)", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Parts[0].Text, summaryPrefix) {
		t.Errorf("context does not open with the summary: %q", msgs[0].Parts[0].Text)
	}
	wantRoles := []provider.Role{
		provider.RoleAssistant, provider.RoleUser, provider.RoleAssistant,
		provider.RoleUser, provider.RoleAssistant,
	}
	for i, want := range wantRoles {
		if msgs[i+1].Role != want {
			t.Errorf("kept message %d role = %q, want %q", i, msgs[i+1].Role, want)
		}
	}
}

func TestCompactDefaultKeep(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 4) // 8 messages

	prov := &scriptedProvider{}
	c := NewCompactor(store, prov, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// keep<=0 falls back to the configured default of 5.
	n, err := c.Compact(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 3 {
		t.Errorf("summarized = %d, want 3", n)
	}
}

func TestCompactNothingToCompact(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 1) // 2 messages

	c := NewCompactor(store, &scriptedProvider{}, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Compact(context.Background(), convID, 5); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("want ErrNothingToCompact, got %v", err)
	}
}

func TestCompactProviderFailureLeavesStoreUntouched(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 4)

	prov := &scriptedProvider{complete: func(provider.Request) (string, error) {
		return "", errors.New("model unavailable")
	}}
	c := NewCompactor(store, prov, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := c.Compact(context.Background(), convID, 2); err == nil {
		t.Fatal("want error")
	}
	msgs, _ := store.ListMessages(context.Background(), convID, 0)
	for _, m := range msgs {
		if m.IsSummary {
			t.Fatal("marker written despite provider failure")
		}
	}
	if len(msgs) != 8 {
		t.Errorf("messages = %d, want 8", len(msgs))
	}
}

func TestCompactRepeatedSummaries(t *testing.T) {
	store := newCompactorStore(t)
	convID := seedConversation(t, store, 4)

	c := NewCompactor(store, &scriptedProvider{}, "test-model", 5, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Compact(context.Background(), convID, 2); err != nil {
		t.Fatalf("first compact: %v", err)
	}

	// More turns, then compact again. The window is non-summary messages
	// only, so the first marker is never re-summarized.
	seedMore := func() {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := store.AddMessage(ctx, convID, "user", "more", 1, persistence.AddMessageParams{}); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}
	seedMore()
	n, err := c.Compact(context.Background(), convID, 2)
	if err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if n != 9 {
		t.Errorf("second compact summarized = %d, want 9", n)
	}

	// Reads start at the newest marker, followed by its kept window.
	working, _ := store.MessagesSinceSummary(context.Background(), convID)
	if len(working) != 3 || !working[0].IsSummary || working[0].SummarizedCount != 9 {
		t.Fatalf("working context: %+v", working)
	}
	if working[1].Content != "more" || working[2].Content != "more" {
		t.Errorf("kept window after second compact: %+v", working[1:])
	}

	conv, _ := store.GetConversation(context.Background(), convID)
	if conv.SummaryCount != 2 {
		t.Errorf("summary_count = %d", conv.SummaryCount)
	}
}
