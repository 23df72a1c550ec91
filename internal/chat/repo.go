package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (r *Repo) ListConversations(ctx context.Context, userID uint64, limit int) ([]Conversation, error) {
	var out []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteConversation(ctx context.Context, userID uint64, id string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) SetActiveJob(ctx context.Context, convID, jobID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", convID).
		Updates(map[string]any{"active_job_id": jobID, "streaming_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearActiveJob is a no-op when another job took the conversation since.
func (r *Repo) ClearActiveJob(ctx context.Context, convID, jobID string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND active_job_id = ?", convID, jobID).
		Updates(map[string]any{"active_job_id": nil, "streaming_at": nil}).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessageByClientID(ctx context.Context, userID uint64, clientID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND client_message_id = ?", userID, clientID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *Repo) DeleteMessage(ctx context.Context, userID, id uint64) error {
	return r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Message{}).Error
}

// InsertMessageOrGetExisting returns the stored row when (user_id,
// client_message_id) already exists.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.ClientMessageID == nil || *m.ClientMessageID == "" {
		m.ClientMessageID = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	existing, getErr := r.GetMessageByClientID(ctx, m.UserID, *m.ClientMessageID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, ErrNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

var assistantUpsertColumns = []string{
	"content", "reasoning", "parts", "job_id", "provider", "model",
	"thinking_time_ms", "reasoning_chars", "prompt_tokens", "completion_tokens", "total_tokens",
	"cost_cents", "tokens_per_second", "time_to_first_token_ms", "total_duration_ms", "updated_at",
}

// UpsertMessage writes m keyed by (user_id, client_message_id); a retried
// write replaces the body instead of adding a row.
func (r *Repo) UpsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "client_message_id"}},
		DoUpdates: clause.AssignmentColumns(assistantUpsertColumns),
	}).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, convID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, convID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) TouchConversation(ctx context.Context, convID string) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", convID).
		Update("updated_at", time.Now()).Error
}
