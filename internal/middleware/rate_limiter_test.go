package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewIPRateLimiter(2, time.Minute, 2)
	router := setupTestRouter()
	router.POST("/offers/:token/accept", RateLimitMiddleware(limiter, quietLogger()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/offers/abc/accept", nil)
		req.Header.Set("X-Real-IP", ip)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.5"))
	assert.Equal(t, http.StatusOK, send("203.0.113.5"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.5"))

	// Buckets are per IP
	assert.Equal(t, http.StatusOK, send("198.51.100.20"))
}

func TestIPRateLimiter_DropsIdleBuckets(t *testing.T) {
	limiter := NewIPRateLimiter(1, time.Hour, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("203.0.113.5"))
	assert.False(t, limiter.Allow("203.0.113.5"))

	now = now.Add(11 * time.Minute)
	limiter.Allow("198.51.100.20")

	limiter.mu.Lock()
	_, stillThere := limiter.limiters["203.0.113.5"]
	limiter.mu.Unlock()
	assert.False(t, stillThere)
}
