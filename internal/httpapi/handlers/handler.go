package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/apikeys"
	"github.com/tryosschat/openchat-sub000/internal/chat"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"github.com/tryosschat/openchat-sub000/internal/fanout"
	"github.com/tryosschat/openchat-sub000/internal/httpapi/middleware"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"go.uber.org/zap"
)

// FanoutReader is the read side of the live token channel.
type FanoutReader interface {
	Lookup(ctx context.Context, restorationKey string) (string, error)
	Read(ctx context.Context, channel, after string, block time.Duration, count int64) ([]fanout.Entry, error)
}

type UsageReader interface {
	Persisted(ctx context.Context, userID uint64) (float64, error)
}

type Handler struct {
	Chat      *chat.Service
	Jobs      streamjob.Store
	Submitter *streamjob.Submitter
	Fanout    FanoutReader // nil disables live resume
	Usage     UsageReader
	Keys      *apikeys.Resolver

	DailyLimitCents    float64
	SubsidizedProvider string
	PollInterval       time.Duration
	// ResumeBlock bounds one blocking fanout read; 15s when zero.
	ResumeBlock        time.Duration
	Log                *zap.SugaredLogger
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// requireUser writes 401 and returns false when no user is attached.
func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func (h *Handler) internal(c *gin.Context, where string, err error) {
	h.Log.Errorw(where+" failed", "request_id", c.GetString(middleware.RequestIDKey), "err", err)
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}
