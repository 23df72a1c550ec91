package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/chat"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
)

type submitStreamReq struct {
	Content  string `json:"content" binding:"required"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	ReasoningEnabled bool   `json:"reasoning_enabled"`
	ReasoningEffort  string `json:"reasoning_effort"`
	WebSearch        bool   `json:"web_search"`
	MaxSteps         int    `json:"max_steps"`

	// client-generated ids make retries idempotent
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

func (h *Handler) SubmitStream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req submitStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.UserMessageID) > 64 || len(req.AssistantMessageID) > 64 {
		common.Fail(c, http.StatusBadRequest, 10003, "message id too long")
		return
	}
	if req.UserMessageID != "" && req.UserMessageID == req.AssistantMessageID {
		common.Fail(c, http.StatusBadRequest, 10003, "message ids must differ")
		return
	}

	ctx := c.Request.Context()
	convID := c.Param("conversation_id")
	conv, err := h.Chat.Conversation(ctx, uid, convID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		h.internal(c, "load conversation", err)
		return
	}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = conv.Provider
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = conv.Model
	}

	userMsg, created, err := h.Chat.InsertUserMessage(ctx, uid, convID, req.Content, req.UserMessageID)
	if err != nil {
		h.internal(c, "insert user message", err)
		return
	}
	history, err := h.Chat.History(ctx, uid, convID)
	if err != nil {
		h.internal(c, "load history", err)
		return
	}

	job, err := h.Submitter.Submit(ctx, streamjob.SubmitRequest{
		UserID:         uid,
		ConversationID: convID,
		Provider:       provider,
		Model:          model,
		Messages:       history,
		Options: streamjob.Options{
			ReasoningEnabled: req.ReasoningEnabled,
			ReasoningEffort:  req.ReasoningEffort,
			WebSearchEnabled: req.WebSearch,
			MaxSteps:         req.MaxSteps,
		},
		ClientMessageID: req.AssistantMessageID,
	})
	if err != nil {
		if created {
			// no generation will answer this turn
			if derr := h.Chat.DeleteMessage(context.WithoutCancel(ctx), uid, userMsg.ID); derr != nil {
				h.Log.Warnw("withdraw user message failed", "conversation", convID, "message", userMsg.ID, "err", derr)
			}
		}
		h.submitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, common.Response{Code: 0, Message: "ok", Data: gin.H{
		"job_id":               job.ID,
		"status":               job.Status,
		"conversation_id":      job.ConversationID,
		"assistant_message_id": job.ClientMessageID,
		"subsidized":           job.Subsidized,
	}})
}

func (h *Handler) submitError(c *gin.Context, err error) {
	var adm *streamjob.AdmissionError
	switch {
	case errors.Is(err, streamjob.ErrConversationNotFound), errors.Is(err, streamjob.ErrNotOwner):
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
	case errors.Is(err, streamjob.ErrQuotaExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42902, err.Error())
	case errors.Is(err, streamjob.ErrAlreadyStreaming), errors.Is(err, streamjob.ErrSubsidizedBusy):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.As(err, &adm):
		common.Fail(c, http.StatusBadRequest, 10004, adm.Message)
	default:
		h.internal(c, "submit stream", err)
	}
}

// ownedJob loads a job and hides it from anyone but its owner.
func (h *Handler) ownedJob(c *gin.Context, uid uint64) (*streamjob.StreamJob, bool) {
	job, err := h.Jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, streamjob.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return nil, false
		}
		h.internal(c, "load job", err)
		return nil, false
	}
	if job.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return nil, false
	}
	return job, true
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	job, ok := h.ownedJob(c, uid)
	if !ok {
		return
	}
	common.OK(c, gin.H{"job": job})
}

func (h *Handler) CancelJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	job, err := h.Submitter.Cancel(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		if errors.Is(err, streamjob.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.internal(c, "cancel job", err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status, "cancel_requested": job.CancelRequested})
}

// ActiveJob returns the conversation's in-flight job, if any, so a client
// that reloads can reattach.
func (h *Handler) ActiveJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")
	if _, err := h.Chat.Conversation(c.Request.Context(), uid, convID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		h.internal(c, "load conversation", err)
		return
	}
	job, err := h.Jobs.ActiveForConversation(c.Request.Context(), convID)
	if err != nil {
		h.internal(c, "active job", err)
		return
	}
	common.OK(c, gin.H{"job": job})
}
