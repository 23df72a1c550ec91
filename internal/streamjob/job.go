package streamjob

import (
	"time"

	"github.com/tryosschat/openchat-sub000/internal/ai"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

var activeStatuses = []Status{StatusPending, StatusRunning}

// Options are the per-job generation settings chosen at submission.
type Options struct {
	ReasoningEnabled bool   `json:"reasoning_enabled"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
	WebSearchEnabled bool   `json:"web_search_enabled"`
	MaxSteps         int    `json:"max_steps,omitempty"`
}

// StreamJob is one generation attempt. content and reasoning only grow while
// the job runs; CheckpointSeq orders the snapshots that wrote them.
type StreamJob struct {
	ID             string `gorm:"primaryKey;size:26" json:"id"` // ULID
	ConversationID string `gorm:"size:26;not null;index:idx_stream_job_conv_status,priority:1" json:"conversation_id"`
	UserID         uint64 `gorm:"not null;index:idx_stream_job_user_status,priority:1" json:"-"`
	Status         Status `gorm:"type:varchar(16);not null;index:idx_stream_job_conv_status,priority:2;index:idx_stream_job_user_status,priority:2" json:"status"`

	Model      string `gorm:"type:varchar(128);not null" json:"model"`
	Provider   string `gorm:"type:varchar(32);not null" json:"provider"`
	Subsidized bool   `gorm:"not null;default:false" json:"subsidized"`

	InputMessages datatypes.JSONSlice[ai.Message] `json:"-"`
	Options       datatypes.JSONType[Options]     `json:"options"`

	Content   string  `gorm:"type:longtext" json:"content"`
	Reasoning *string `gorm:"type:longtext" json:"reasoning"`
	Parts     Parts   `gorm:"type:json" json:"parts"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostCents        float64 `json:"cost_cents"`
	ThinkingTimeMs   int64   `json:"thinking_time_ms"`
	ReasoningChars   int     `json:"reasoning_chars"`

	ClientMessageID string  `gorm:"type:varchar(64)" json:"client_message_id"`
	CancelRequested bool    `gorm:"not null;default:false" json:"cancel_requested"`
	ReservedCents   float64 `gorm:"not null;default:0" json:"-"`
	CheckpointSeq   int64   `gorm:"not null;default:0" json:"checkpoint_seq"`
	FanoutChannel   *string `gorm:"type:varchar(64)" json:"-"`
	Error           *string `gorm:"type:text" json:"error"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `gorm:"index" json:"updated_at"`
}

func (StreamJob) TableName() string { return "stream_jobs" }

// LastActivity is when the job was last written by anyone.
func (j *StreamJob) LastActivity() time.Time {
	if j.UpdatedAt.After(j.CreatedAt) {
		return j.UpdatedAt
	}
	return j.CreatedAt
}
