package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, window int) (*Service, *gorm.DB) {
	db := openTestDB(t)
	return NewService(NewRepo(db), window), db
}

func TestCreateConversation_Defaults(t *testing.T) {
	svc, _ := newTestService(t, 20)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 1, "  hello  ", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(conv.ID) != 26 {
		t.Fatalf("expected ulid id, got %q", conv.ID)
	}
	if conv.Title != "hello" || conv.Provider != defaultProvider || conv.Model != defaultModel {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	owner, err := svc.ConversationOwner(ctx, conv.ID)
	if err != nil || owner != 1 {
		t.Fatalf("owner = %d, %v", owner, err)
	}
	if _, err := svc.ConversationOwner(ctx, "nope"); !errors.Is(err, streamjob.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := svc.Conversation(ctx, 2, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user should not see conversation, got %v", err)
	}
}

func TestInsertUserMessage_Idempotent(t *testing.T) {
	svc, db := newTestService(t, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "ollama", "llama3")

	first, created, err := svc.InsertUserMessage(ctx, 1, conv.ID, "Hello", "c-1")
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}
	again, created, err := svc.InsertUserMessage(ctx, 1, conv.ID, "Hello", "c-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created {
		t.Fatalf("retry reported a new row")
	}
	if again.ID != first.ID {
		t.Fatalf("retry created a new row: %d vs %d", again.ID, first.ID)
	}

	var n int64
	db.Model(&Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}

	if _, _, err := svc.InsertUserMessage(ctx, 2, conv.ID, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestHistory_UsesContextWindow(t *testing.T) {
	window := 3
	svc, _ := newTestService(t, window)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 2, "", "ollama", "llama3")

	for i := 0; i < 5; i++ {
		if _, _, err := svc.InsertUserMessage(ctx, 2, conv.ID, fmt.Sprintf("seed %d", i), ""); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}
	if _, _, err := svc.InsertUserMessage(ctx, 2, conv.ID, "new", ""); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hist, err := svc.History(ctx, 2, conv.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != window {
		t.Fatalf("expected %d messages, got %d", window, len(hist))
	}
	if hist[0].Content != "seed 3" || hist[len(hist)-1].Content != "new" {
		t.Fatalf("history out of order: %+v", hist)
	}
}

func TestStreamingMarker(t *testing.T) {
	svc, _ := newTestService(t, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "ollama", "llama3")

	if err := svc.SetStreaming(ctx, conv.ID, "job-a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.SetStreaming(ctx, "missing", "job-a"); !errors.Is(err, streamjob.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	// a finished older job must not clear a newer marker
	if err := svc.ClearStreaming(ctx, conv.ID, "job-old"); err != nil {
		t.Fatalf("clear other: %v", err)
	}
	got, _ := svc.Conversation(ctx, 1, conv.ID)
	if !got.Streaming() || *got.ActiveJobID != "job-a" {
		t.Fatalf("marker cleared by foreign job: %+v", got.ActiveJobID)
	}

	if err := svc.ClearStreaming(ctx, conv.ID, "job-a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = svc.Conversation(ctx, 1, conv.ID)
	if got.Streaming() || got.StreamingAt != nil {
		t.Fatalf("marker still set: %+v", got)
	}
}

func TestUpsertAssistantMessage_ReplacesOnRetry(t *testing.T) {
	svc, db := newTestService(t, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "openrouter", "m")

	reasoning := "thought"
	am := streamjob.AssistantMessage{
		UserID:          1,
		ConversationID:  conv.ID,
		ClientMessageID: "a-1",
		JobID:           "job-1",
		Provider:        "openrouter",
		Model:           "m",
		Content:         "partial",
		Parts:           streamjob.Parts{&streamjob.ReasoningPart{Index: 0, ID: "r", Text: reasoning, State: streamjob.ReasoningDone}},
		TotalTokens:     3,
	}
	if err := svc.UpsertAssistantMessage(ctx, am); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	am.Content = "final answer"
	am.Reasoning = &reasoning
	am.TotalTokens = 9
	if err := svc.UpsertAssistantMessage(ctx, am); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var msgs []Message
	if err := db.Where("conversation_id = ?", conv.ID).Find(&msgs).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Role != "assistant" || m.Content != "final answer" || m.TotalTokens != 9 {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Reasoning == nil || *m.Reasoning != "thought" || len(m.Parts) != 1 {
		t.Fatalf("reasoning not stored: %+v", m)
	}
}

func TestDeleteMessage_OnlyOwner(t *testing.T) {
	svc, db := newTestService(t, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "ollama", "llama3")

	m, _, err := svc.InsertUserMessage(ctx, 1, conv.ID, "withdrawn", "c-del")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := svc.DeleteMessage(ctx, 2, m.ID); err != nil {
		t.Fatalf("foreign delete: %v", err)
	}
	var n int64
	db.Model(&Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("foreign user deleted the message")
	}

	if err := svc.DeleteMessage(ctx, 1, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	db.Model(&Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}

	// the client id is free again for a retry
	if _, created, err := svc.InsertUserMessage(ctx, 1, conv.ID, "withdrawn", "c-del"); err != nil || !created {
		t.Fatalf("reinsert: created=%v err=%v", created, err)
	}
}
