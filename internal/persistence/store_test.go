package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	ctx := context.Background()
	id, err := store.CreateConversation(ctx, "hello")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	if _, err := store2.GetConversation(ctx, id); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestCreateConversationTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateConversation(ctx, "  first line of the question\nsecond line ignored")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Title != "first line of the question" {
		t.Errorf("title = %q", conv.Title)
	}
	if conv.MessageCount != 0 || conv.ToolCount != 0 {
		t.Errorf("fresh conversation has nonzero counters: %+v", conv)
	}
}

func TestCreateConversationTitleRuneBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A multi-byte rune straddles the byte limit; the cut must not split it.
	id, err := store.CreateConversation(ctx, strings.Repeat("a", 79)+"日本語")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !utf8.ValidString(conv.Title) {
		t.Errorf("title is not valid UTF-8: %q", conv.Title)
	}
	if conv.Title != strings.Repeat("a", 79) {
		t.Errorf("title = %q", conv.Title)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetConversation(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAddMessageBumpsCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "counters")

	if _, err := store.AddMessage(ctx, id, "user", "hi", 2, AddMessageParams{}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if _, err := store.AddMessage(ctx, id, "assistant", "hello there", 3, AddMessageParams{}); err != nil {
		t.Fatalf("add assistant: %v", err)
	}
	if _, err := store.AddMessage(ctx, id, "user", "summary text", 3, AddMessageParams{IsSummary: true, SummarizedCount: 2}); err != nil {
		t.Fatalf("add summary: %v", err)
	}

	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", conv.MessageCount)
	}
	if conv.SummaryCount != 1 {
		t.Errorf("summary_count = %d, want 1", conv.SummaryCount)
	}
}

func TestAddMessageInvalidRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "roles")

	if _, err := store.AddMessage(ctx, id, "robot", "beep", 1, AddMessageParams{}); err == nil {
		t.Fatal("want error for invalid role")
	}
}

func TestAddMessageMissingConversation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddMessage(context.Background(), "ghost", "user", "hi", 1, AddMessageParams{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAddMessageTrimsAssistantWhitespace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "trim")

	if _, err := store.AddMessage(ctx, id, "assistant", "answer \n\t ", 2, AddMessageParams{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	msgs, err := store.ListMessages(ctx, id, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs[0].Content != "answer" {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestAppendStopReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "stop")
	msgID, _ := store.AddMessage(ctx, id, "assistant", "partial", 1, AddMessageParams{})

	if err := store.AppendStopReason(ctx, msgID, "user requested"); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, _ := store.ListMessages(ctx, id, 0)
	if !msgs[0].Stopped || msgs[0].StopReason != "user requested" {
		t.Errorf("stopped=%v reason=%q", msgs[0].Stopped, msgs[0].StopReason)
	}

	if err := store.AppendStopReason(ctx, 9999, "x"); err == nil {
		t.Error("want error for unknown message id")
	}
}

func TestMessagesSinceSummaryBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "boundary")

	store.AddMessage(ctx, id, "user", "old question", 2, AddMessageParams{})
	oldAnswerID, _ := store.AddMessage(ctx, id, "assistant", "old answer", 2, AddMessageParams{})
	store.AddMessage(ctx, id, "user", "kept question", 2, AddMessageParams{})
	summaryID, _ := store.AddMessage(ctx, id, "user", "Summary of earlier conversation", 4,
		AddMessageParams{IsSummary: true, SummarizedCount: 2, SummaryBoundaryID: oldAnswerID})
	store.AddMessage(ctx, id, "user", "new question", 2, AddMessageParams{})

	msgs, err := store.MessagesSinceSummary(ctx, id)
	if err != nil {
		t.Fatalf("since summary: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3 (marker + kept + newer)", len(msgs))
	}
	if msgs[0].ID != summaryID || !msgs[0].IsSummary {
		t.Errorf("first message is not the summary marker: %+v", msgs[0])
	}
	// The marker leads even though the kept message predates it.
	if msgs[1].Content != "kept question" {
		t.Errorf("second message = %q", msgs[1].Content)
	}
	if msgs[2].Content != "new question" {
		t.Errorf("third message = %q", msgs[2].Content)
	}

	// Full log stays intact below the boundary.
	all, _ := store.ListMessages(ctx, id, 0)
	if len(all) != 5 {
		t.Errorf("full log len = %d, want 5", len(all))
	}
}

func TestMessagesSinceSummaryNoSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "nosummary")
	store.AddMessage(ctx, id, "user", "one", 1, AddMessageParams{})
	store.AddMessage(ctx, id, "assistant", "two", 1, AddMessageParams{})

	msgs, err := store.MessagesSinceSummary(ctx, id)
	if err != nil {
		t.Fatalf("since summary: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("len = %d, want full log", len(msgs))
	}
}

func TestNonSummaryMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "window")
	store.AddMessage(ctx, id, "user", "q", 1, AddMessageParams{})
	store.AddMessage(ctx, id, "user", "marker", 1, AddMessageParams{IsSummary: true})
	store.AddMessage(ctx, id, "assistant", "a", 1, AddMessageParams{})

	msgs, err := store.NonSummaryMessages(ctx, id)
	if err != nil {
		t.Fatalf("non-summary: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.IsSummary {
			t.Errorf("summary row leaked into window: %+v", m)
		}
	}
}

func TestAddUsageAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "usage")

	if err := store.AddUsage(ctx, id, 100, 50); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if err := store.AddUsage(ctx, id, 10, 5); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	conv, _ := store.GetConversation(ctx, id)
	if conv.InputTokens != 110 || conv.OutputTokens != 55 {
		t.Errorf("usage = %d/%d, want 110/55", conv.InputTokens, conv.OutputTokens)
	}

	if err := store.AddUsage(ctx, "ghost", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound for unknown conversation, got %v", err)
	}
}

func TestAddToolExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "tools")
	msgID, _ := store.AddMessage(ctx, id, "assistant", "(using tools)", 2, AddMessageParams{})

	_, err := store.AddToolExecution(ctx, ToolExecution{
		ConversationID: id,
		MessageID:      msgID,
		CallID:         "toolu_01",
		ToolName:       "read_sensor",
		Input:          `{"sensor":"temp"}`,
		Output:         `{"value":21.5}`,
		DurationMs:     42,
		Success:        true,
	})
	if err != nil {
		t.Fatalf("add exec: %v", err)
	}
	_, err = store.AddToolExecution(ctx, ToolExecution{
		ConversationID: id,
		MessageID:      msgID,
		CallID:         "toolu_02",
		ToolName:       "write_actuator",
		Success:        false,
		Error:          "tool call timed out",
	})
	if err != nil {
		t.Fatalf("add failed exec: %v", err)
	}

	conv, _ := store.GetConversation(ctx, id)
	if conv.ToolCount != 2 {
		t.Errorf("tool_count = %d, want 2", conv.ToolCount)
	}

	execs, err := store.ToolExecutionsForMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("list execs: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("len = %d, want 2", len(execs))
	}
	if execs[0].CallID != "toolu_01" || !execs[0].Success {
		t.Errorf("first exec: %+v", execs[0])
	}
	if execs[1].Input != "{}" {
		t.Errorf("empty input not defaulted: %q", execs[1].Input)
	}
	if execs[1].Success || execs[1].Error == "" {
		t.Errorf("second exec should be a failure: %+v", execs[1])
	}
}

func TestAddToolExecutionRequiresCallID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "callid")
	if _, err := store.AddToolExecution(ctx, ToolExecution{ConversationID: id, ToolName: "x"}); err == nil {
		t.Fatal("want error for missing call_id")
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateConversation(ctx, "cascade")
	msgID, _ := store.AddMessage(ctx, id, "assistant", "x", 1, AddMessageParams{})
	store.AddToolExecution(ctx, ToolExecution{ConversationID: id, MessageID: msgID, CallID: "c1", ToolName: "t"})

	if err := store.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConversation(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("conversation survived delete: %v", err)
	}
	msgs, _ := store.ListMessages(ctx, id, 0)
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	execs, _ := store.ToolExecutionsForConversation(ctx, id)
	if len(execs) != 0 {
		t.Errorf("tool executions survived delete: %d", len(execs))
	}

	if err := store.DeleteConversation(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: want ErrNotFound, got %v", err)
	}
}

func TestListConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateConversation(ctx, "first")
	store.CreateConversation(ctx, "second")

	convs, err := store.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}

	limited, err := store.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited len = %d, want 1", len(limited))
	}
}
