package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
)

type Service struct {
	repo              *Repo
	contextWindowSize int
	now               func() time.Time
}

func NewService(repo *Repo, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{repo: repo, contextWindowSize: contextWindowSize, now: time.Now}
}

const (
	defaultProvider = "openrouter"
	defaultModel    = "openai/gpt-4o-mini"
	maxTitleRunes   = 80
)

func (s *Service) CreateConversation(ctx context.Context, userID uint64, title, provider, model string) (*Conversation, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:       id,
		UserID:   userID,
		Title:    clipTitle(title),
		Provider: strings.ToLower(provider),
		Model:    model,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Conversation returns the conversation if userID owns it.
func (s *Service) Conversation(ctx context.Context, userID uint64, convID string) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotFound
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListConversations(ctx, userID, limit)
}

func (s *Service) DeleteConversation(ctx context.Context, userID uint64, convID string) error {
	return s.repo.DeleteConversation(ctx, userID, convID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, convID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, convID, limit, beforeID)
}

// InsertUserMessage stores the user's turn. A retry carrying the same
// clientMessageID returns the original row with created false.
func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, convID, content, clientMessageID string) (*Message, bool, error) {
	if _, err := s.Conversation(ctx, userID, convID); err != nil {
		return nil, false, err
	}
	m := &Message{
		ConversationID: convID,
		UserID:         userID,
		Role:           "user",
		Content:        content,
	}
	if clientMessageID != "" {
		m.ClientMessageID = &clientMessageID
	}
	stored, created, err := s.repo.InsertMessageOrGetExisting(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if err := s.repo.TouchConversation(ctx, convID); err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// DeleteMessage removes one of the user's messages, used to withdraw a turn
// whose generation was refused.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID uint64) error {
	return s.repo.DeleteMessage(ctx, userID, messageID)
}

// History builds provider input from the most recent messages, oldest first.
func (s *Service) History(ctx context.Context, userID uint64, convID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListMessages(ctx, userID, convID, s.contextWindowSize, 0)
	if err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		if m.Content == "" {
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) ConversationOwner(ctx context.Context, convID string) (uint64, error) {
	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, streamjob.ErrConversationNotFound
		}
		return 0, err
	}
	return conv.UserID, nil
}

func (s *Service) SetStreaming(ctx context.Context, convID, jobID string) error {
	err := s.repo.SetActiveJob(ctx, convID, jobID, s.now())
	if errors.Is(err, ErrNotFound) {
		return streamjob.ErrConversationNotFound
	}
	return err
}

func (s *Service) ClearStreaming(ctx context.Context, convID, jobID string) error {
	return s.repo.ClearActiveJob(ctx, convID, jobID)
}

func (s *Service) UpsertAssistantMessage(ctx context.Context, am streamjob.AssistantMessage) error {
	clientID := am.ClientMessageID
	jobID := am.JobID
	m := &Message{
		ConversationID:     am.ConversationID,
		UserID:             am.UserID,
		Role:               "assistant",
		Content:            am.Content,
		Reasoning:          am.Reasoning,
		Parts:              am.Parts,
		ClientMessageID:    &clientID,
		JobID:              &jobID,
		Provider:           am.Provider,
		Model:              am.Model,
		ThinkingTimeMs:     am.ThinkingTimeMs,
		ReasoningChars:     am.ReasoningChars,
		PromptTokens:       am.PromptTokens,
		CompletionTokens:   am.CompletionTokens,
		TotalTokens:        am.TotalTokens,
		CostCents:          am.CostCents,
		TokensPerSecond:    am.TokensPerSecond,
		TimeToFirstTokenMs: am.TimeToFirstTokenMs,
		TotalDurationMs:    am.TotalDurationMs,
	}
	if err := s.repo.UpsertMessage(ctx, m); err != nil {
		return err
	}
	return s.repo.TouchConversation(ctx, am.ConversationID)
}

func clipTitle(t string) string {
	t = strings.TrimSpace(t)
	if utf8.RuneCountInString(t) <= maxTitleRunes {
		return t
	}
	return string([]rune(t)[:maxTitleRunes])
}
