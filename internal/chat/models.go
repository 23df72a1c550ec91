package chat

import (
	"time"

	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"gorm.io/gorm"
)

type Conversation struct {
	ID          string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	UserID      uint64         `gorm:"index;not null" json:"-"`
	Title       string         `gorm:"type:varchar(255);not null;default:''" json:"title"`
	Provider    string         `gorm:"type:varchar(32);not null" json:"provider"`
	Model       string         `gorm:"type:varchar(128);not null" json:"model"`
	ActiveJobID *string        `gorm:"type:varchar(26)" json:"active_job_id"`
	StreamingAt *time.Time     `json:"streaming_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }

// Streaming reports whether a job currently holds the conversation.
func (c *Conversation) Streaming() bool { return c.ActiveJobID != nil && *c.ActiveJobID != "" }

type Message struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID  string          `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_conv,priority:2" json:"conversation_id"`
	UserID          uint64          `gorm:"not null;index:idx_chat_msg_user_conv,priority:1;index:uniq_chat_msg_client,unique,priority:1" json:"-"`
	Role            string          `gorm:"type:varchar(16);index;not null" json:"role"`
	Content         string          `gorm:"type:longtext;not null" json:"content"`
	Reasoning       *string         `gorm:"type:longtext" json:"reasoning,omitempty"`
	Parts           streamjob.Parts `gorm:"type:json" json:"parts,omitempty"`
	ClientMessageID *string         `gorm:"type:varchar(64);index:uniq_chat_msg_client,unique,priority:2" json:"client_message_id,omitempty"`
	JobID           *string         `gorm:"type:varchar(26);index" json:"job_id,omitempty"`
	Provider        string          `gorm:"type:varchar(32)" json:"provider,omitempty"`
	Model           string          `gorm:"type:varchar(128)" json:"model,omitempty"`

	ThinkingTimeMs     int64   `json:"thinking_time_ms,omitempty"`
	ReasoningChars     int     `json:"reasoning_chars,omitempty"`
	PromptTokens       int     `json:"prompt_tokens,omitempty"`
	CompletionTokens   int     `json:"completion_tokens,omitempty"`
	TotalTokens        int     `json:"total_tokens,omitempty"`
	CostCents          float64 `json:"cost_cents,omitempty"`
	TokensPerSecond    float64 `json:"tokens_per_second,omitempty"`
	TimeToFirstTokenMs int64   `json:"time_to_first_token_ms,omitempty"`
	TotalDurationMs    int64   `json:"total_duration_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }
