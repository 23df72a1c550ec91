package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSettleRetries = 5
	fastCounterTTL       = 48 * time.Hour
)

var errVersionConflict = errors.New("daily usage version conflict")

// DailyUsage is the authoritative per-user spend for one UTC day.
type DailyUsage struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	UserID    uint64  `gorm:"not null;uniqueIndex:uniq_daily_usage_user_day,priority:1"`
	Day       string  `gorm:"type:varchar(10);not null;uniqueIndex:uniq_daily_usage_user_day,priority:2"`
	Cents     float64 `gorm:"not null;default:0"`
	Version   int64   `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DailyUsage) TableName() string { return "daily_usages" }

// FastCounter is the low-latency reservation counter (Redis in production).
type FastCounter interface {
	IncrFloatSeeded(ctx context.Context, key string, seed, delta float64, ttl time.Duration) (float64, error)
	IncrFloat(ctx context.Context, key string, delta float64) error
}

// Meter tracks daily spend with a fast reservation counter and a persisted,
// authoritative counter. Only the persisted value is a correctness gate.
type Meter struct {
	db         *gorm.DB
	fast       FastCounter
	log        *zap.SugaredLogger
	now        func() time.Time
	maxRetries int
}

func NewMeter(db *gorm.DB, fast FastCounter, log *zap.SugaredLogger) *Meter {
	return &Meter{
		db:         db,
		fast:       fast,
		log:        log,
		now:        time.Now,
		maxRetries: defaultSettleRetries,
	}
}

// Day is the UTC calendar date usage is bucketed by.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func fastKey(userID uint64, day string) string {
	return fmt.Sprintf("usage:daily:%d:%s", userID, day)
}

// Persisted returns today's settled spend in cents.
func (m *Meter) Persisted(ctx context.Context, userID uint64) (float64, error) {
	var row DailyUsage
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, Day(m.now())).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Cents, nil
}

// Reserve adds cents to today's fast counter and returns the new total.
// The counter is seeded from the persisted value on its first use of the day.
func (m *Meter) Reserve(ctx context.Context, userID uint64, cents float64) (float64, error) {
	persisted, err := m.Persisted(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read persisted usage: %w", err)
	}
	if m.fast == nil {
		return persisted + cents, nil
	}
	return m.fast.IncrFloatSeeded(ctx, fastKey(userID, Day(m.now())), persisted, cents, fastCounterTTL)
}

// Release refunds a reservation on the fast counter.
func (m *Meter) Release(ctx context.Context, userID uint64, cents float64) error {
	return m.Adjust(ctx, userID, -cents)
}

// Adjust moves the fast counter toward the settled amount, typically by
// (actual - reserved) once a generation finished.
func (m *Meter) Adjust(ctx context.Context, userID uint64, deltaCents float64) error {
	if m.fast == nil || deltaCents == 0 {
		return nil
	}
	return m.fast.IncrFloat(ctx, fastKey(userID, Day(m.now())), deltaCents)
}

// Settle adds cents to today's persisted counter using an optimistic
// read-modify-write. After maxRetries failed attempts the usage is logged as
// unrecorded and the error returned; callers must not block the response on it.
func (m *Meter) Settle(ctx context.Context, userID uint64, cents float64) error {
	if cents <= 0 {
		return nil
	}
	day := Day(m.now())

	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*10*time.Millisecond); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = m.trySettle(ctx, userID, day, cents)
		if lastErr == nil {
			return nil
		}
	}

	m.log.Errorw("unrecorded_usage",
		"user", userID,
		"day", day,
		"cents", cents,
		"err", lastErr,
	)
	return fmt.Errorf("settle usage: %w", lastErr)
}

func (m *Meter) trySettle(ctx context.Context, userID uint64, day string, cents float64) error {
	db := m.db.WithContext(ctx)

	var row DailyUsage
	err := db.Where("user_id = ? AND day = ?", userID, day).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// a concurrent insert wins the unique index; retry as an update
		if err := db.Create(&DailyUsage{UserID: userID, Day: day, Cents: cents}).Error; err != nil {
			return fmt.Errorf("%w: %v", errVersionConflict, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	res := db.Model(&DailyUsage{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(map[string]any{
			"cents":   row.Cents + cents,
			"version": row.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
