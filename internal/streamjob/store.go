package streamjob

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Checkpoint is a snapshot of a job's accumulated output. Seq must increase
// from one checkpoint to the next.
type Checkpoint struct {
	Seq            int64
	Content        string
	Reasoning      *string
	Parts          Parts
	ThinkingTimeMs int64
	ReasoningChars int
}

type UsageSnapshot struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostCents        float64
}

// Outcome describes a terminal transition.
type Outcome struct {
	Status Status
	Error  string
	Output *Checkpoint
	Usage  *UsageSnapshot
}

type Store interface {
	Create(ctx context.Context, job *StreamJob) error
	Get(ctx context.Context, id string) (*StreamJob, error)
	Patch(ctx context.Context, id string, fields map[string]any) error
	// RecordReservation stores the reserved amount while the job is still
	// pending. It returns ErrJobStateChanged once the job has left pending.
	RecordReservation(ctx context.Context, id string, cents float64) error
	MarkRunning(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	Checkpoint(ctx context.Context, id string, cp Checkpoint) error
	// Finish moves the job from one of the from states to out.Status. It
	// returns the updated row when this call made the transition and nil when
	// the job had already left those states.
	Finish(ctx context.Context, id string, from []Status, out Outcome) (*StreamJob, error)
	ActiveForConversation(ctx context.Context, conversationID string) (*StreamJob, error)
	ActiveForUser(ctx context.Context, userID uint64) ([]StreamJob, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]StreamJob, error)
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Create(ctx context.Context, job *StreamJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*StreamJob, error) {
	var j StreamJob
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *GormStore) Patch(ctx context.Context, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Model(&StreamJob{}).Where("id = ?", id).Updates(fields).Error
}

func (s *GormStore) RecordReservation(ctx context.Context, id string, cents float64) error {
	res := s.db.WithContext(ctx).Model(&StreamJob{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("reserved_cents", cents)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobStateChanged
	}
	return nil
}

func (s *GormStore) MarkRunning(ctx context.Context, id string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&StreamJob{}).
		Where("id = ? AND status = ? AND cancel_requested = ?", id, StatusPending, false).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobStateChanged
	}
	return nil
}

func (s *GormStore) Heartbeat(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&StreamJob{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Update("updated_at", s.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobStateChanged
	}
	return nil
}

// Checkpoint writes cp if the job is still running and cp is newer than what
// was stored. An out-of-order snapshot is dropped silently.
func (s *GormStore) Checkpoint(ctx context.Context, id string, cp Checkpoint) error {
	res := s.db.WithContext(ctx).Model(&StreamJob{}).
		Where("id = ? AND status = ? AND checkpoint_seq < ?", id, StatusRunning, cp.Seq).
		Updates(map[string]any{
			"content":          cp.Content,
			"reasoning":        cp.Reasoning,
			"parts":            cp.Parts,
			"thinking_time_ms": cp.ThinkingTimeMs,
			"reasoning_chars":  cp.ReasoningChars,
			"checkpoint_seq":   cp.Seq,
			"updated_at":       s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var cur StreamJob
	if err := s.db.WithContext(ctx).Select("status").First(&cur, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if cur.Status != StatusRunning {
		return ErrJobStateChanged
	}
	return nil
}

func (s *GormStore) Finish(ctx context.Context, id string, from []Status, out Outcome) (*StreamJob, error) {
	now := s.now()
	fields := map[string]any{
		"status":       out.Status,
		"completed_at": now,
		"updated_at":   now,
	}
	if out.Error != "" {
		fields["error"] = out.Error
	}
	if cp := out.Output; cp != nil {
		fields["content"] = cp.Content
		fields["reasoning"] = cp.Reasoning
		fields["parts"] = cp.Parts
		fields["thinking_time_ms"] = cp.ThinkingTimeMs
		fields["reasoning_chars"] = cp.ReasoningChars
		fields["checkpoint_seq"] = gorm.Expr("CASE WHEN checkpoint_seq > ? THEN checkpoint_seq ELSE ? END", cp.Seq, cp.Seq)
	}
	if u := out.Usage; u != nil {
		fields["prompt_tokens"] = u.PromptTokens
		fields["completion_tokens"] = u.CompletionTokens
		fields["total_tokens"] = u.TotalTokens
		fields["cost_cents"] = u.CostCents
	}

	var row *StreamJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&StreamJob{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var j StreamJob
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			return err
		}
		row = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *GormStore) ActiveForConversation(ctx context.Context, conversationID string) (*StreamJob, error) {
	var j StreamJob
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status IN ?", conversationID, activeStatuses).
		Order("created_at DESC").
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *GormStore) ActiveForUser(ctx context.Context, userID uint64) ([]StreamJob, error) {
	var jobs []StreamJob
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, activeStatuses).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ListStale returns active jobs with no activity since before.
func (s *GormStore) ListStale(ctx context.Context, before time.Time, limit int) ([]StreamJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []StreamJob
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", activeStatuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) RequestCancel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&StreamJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobStateChanged
	}
	return nil
}

func (s *GormStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var j StreamJob
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}
