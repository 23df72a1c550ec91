package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/common"
)

func (h *Handler) GetUsage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	spent, err := h.Usage.Persisted(c.Request.Context(), uid)
	if err != nil {
		h.internal(c, "load usage", err)
		return
	}
	remaining := h.DailyLimitCents - spent
	if remaining < 0 {
		remaining = 0
	}
	common.OK(c, gin.H{
		"provider":        h.SubsidizedProvider,
		"spent_cents":     spent,
		"limit_cents":     h.DailyLimitCents,
		"remaining_cents": remaining,
	})
}

type saveKeyReq struct {
	APIKey string `json:"api_key" binding:"required"`
}

func (h *Handler) SaveAPIKey(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req saveKeyReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "api_key required")
		return
	}
	row, err := h.Keys.Save(c.Request.Context(), uid, c.Param("provider"), req.APIKey)
	if err != nil {
		h.internal(c, "save api key", err)
		return
	}
	common.OK(c, gin.H{"key": row})
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	rows, err := h.Keys.List(c.Request.Context(), uid)
	if err != nil {
		h.internal(c, "list api keys", err)
		return
	}
	common.OK(c, gin.H{"keys": rows})
}

func (h *Handler) DeleteAPIKey(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.Keys.Delete(c.Request.Context(), uid, c.Param("provider")); err != nil {
		h.internal(c, "delete api key", err)
		return
	}
	common.OK(c, nil)
}
