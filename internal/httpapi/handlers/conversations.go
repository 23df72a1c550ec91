package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/chat"
	"github.com/tryosschat/openchat-sub000/internal/common"
)

type createConversationReq struct {
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.Chat.CreateConversation(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if err != nil {
		h.internal(c, "create conversation", err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	convs, err := h.Chat.ListConversations(c.Request.Context(), uid, limit)
	if err != nil {
		h.internal(c, "list conversations", err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.Chat.DeleteConversation(c.Request.Context(), uid, c.Param("conversation_id")); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		h.internal(c, "delete conversation", err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, "invalid limit")
			return
		}
		limit = n
	}
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, "invalid before_id")
			return
		}
		beforeID = n
	}

	if _, err := h.Chat.Conversation(c.Request.Context(), uid, convID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		h.internal(c, "load conversation", err)
		return
	}

	msgs, err := h.Chat.ListMessages(c.Request.Context(), uid, convID, limit, beforeID)
	if err != nil {
		h.internal(c, "list messages", err)
		return
	}

	// next cursor = smallest id in this page
	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{"messages": msgs, "next_before_id": nextBeforeID})
}
