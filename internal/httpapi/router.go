package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"github.com/tryosschat/openchat-sub000/internal/httpapi/handlers"
	"github.com/tryosschat/openchat-sub000/internal/httpapi/middleware"
)

type RouterConfig struct {
	JWTSecret       string
	SubmitPerMinute int
}

func NewRouter(h *handlers.Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// conversations
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.DELETE("/conversations/:conversation_id", h.DeleteConversation)
	authGroup.GET("/conversations/:conversation_id/messages", h.ListMessages)
	authGroup.GET("/conversations/:conversation_id/active-job", h.ActiveJob)

	// stream jobs
	limiter := middleware.NewUserLimiter(cfg.SubmitPerMinute, 3)
	authGroup.POST("/conversations/:conversation_id/stream", limiter.Limit(), h.SubmitStream)
	authGroup.GET("/jobs/:job_id", h.GetJob)
	authGroup.POST("/jobs/:job_id/cancel", h.CancelJob)
	authGroup.GET("/jobs/:job_id/events", h.ResumeSSE)
	authGroup.GET("/jobs/:job_id/ws", h.ResumeWS)

	authGroup.GET("/usage", h.GetUsage)

	// bring-your-own keys
	authGroup.GET("/keys", h.ListAPIKeys)
	authGroup.PUT("/keys/:provider", h.SaveAPIKey)
	authGroup.DELETE("/keys/:provider", h.DeleteAPIKey)
	return r
}
