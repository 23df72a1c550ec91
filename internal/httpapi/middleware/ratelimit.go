package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"golang.org/x/time/rate"
)

// UserLimiter keeps one token bucket per user.
type UserLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	buckets map[uint64]*rate.Limiter
}

func NewUserLimiter(perMinute, burst int) *UserLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: make(map[uint64]*rate.Limiter),
	}
}

func (l *UserLimiter) Allow(userID uint64) bool {
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[userID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Limit must run after AuthRequired.
func (l *UserLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetUint64(UserIDKey)
		if !l.Allow(uid) {
			common.Abort(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
		c.Next()
	}
}
