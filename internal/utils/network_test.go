package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGetRealIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		realIP    string
		forwarded string
		expected  string
	}{
		{name: "X-Real-IP public", realIP: "203.0.113.9", expected: "203.0.113.9"},
		{name: "X-Forwarded-For first public", forwarded: "10.0.0.4, 198.51.100.7, 203.0.113.1", expected: "198.51.100.7"},
		{name: "Private X-Real-IP falls through", realIP: "192.168.1.1", forwarded: "198.51.100.7", expected: "198.51.100.7"},
		{name: "All private returns first", forwarded: "10.1.1.1, 172.16.0.2", expected: "10.1.1.1"},
		{name: "No headers uses remote addr", expected: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "192.0.2.10:5555"
			if tt.realIP != "" {
				c.Request.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				c.Request.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.expected, GetRealIP(c))
		})
	}
}
