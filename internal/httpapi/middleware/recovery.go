package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"go.uber.org/zap"
)

func Recovery(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				log.Errorw("panic recovered", "path", c.Request.URL.Path, "request_id", c.GetString(RequestIDKey), "panic", p)
				common.Abort(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}
