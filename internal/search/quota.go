package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrQuotaExceeded = errors.New("daily search limit reached")

// Quota gates search usage. Consume counts the search before it is made.
type Quota interface {
	Consume(ctx context.Context, userID uint64) error
}

type Counter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// DailyQuota counts searches per user per UTC day.
type DailyQuota struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

func NewDailyQuota(counter Counter, limit int) *DailyQuota {
	return &DailyQuota{counter: counter, limit: int64(limit), now: time.Now}
}

func (q *DailyQuota) Consume(ctx context.Context, userID uint64) error {
	if q.limit <= 0 {
		return ErrQuotaExceeded
	}
	key := fmt.Sprintf("search:daily:%d:%s", userID, q.now().UTC().Format("2006-01-02"))
	n, err := q.counter.IncrWithTTL(ctx, key, 48*time.Hour)
	if err != nil {
		return fmt.Errorf("count search: %w", err)
	}
	if n > q.limit {
		return ErrQuotaExceeded
	}
	return nil
}
