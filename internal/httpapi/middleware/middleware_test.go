package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryosschat/openchat-sub000/internal/auth"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(Recovery(zap.NewNop().Sugar()), RequestID())
	g := r.Group("/", AuthRequired("secret"), NewUserLimiter(60, 2).Limit())
	g.GET("/me", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"uid": c.GetUint64(UserIDKey)}) })
	g.GET("/boom", func(c *gin.Context) { panic("boom") })
	return r
}

func TestAuthRequired(t *testing.T) {
	r := newEngine()
	tok, err := auth.SignToken("secret", 7, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":7}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?access_token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecoveryAndLimit(t *testing.T) {
	r := newEngine()
	tok, _ := auth.SignToken("secret", 8, time.Hour)

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set(RequestIDHeader, "fixed-id")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
		return w.Code
	}

	assert.Equal(t, http.StatusInternalServerError, do("/boom"))
	assert.Equal(t, http.StatusOK, do("/me"))
	assert.Equal(t, http.StatusTooManyRequests, do("/me"))
}
