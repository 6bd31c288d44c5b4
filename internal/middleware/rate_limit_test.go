package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRateLimitPerPrincipal(t *testing.T) {
	e := echo.New()
	e.POST("/decisions", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}, RateLimit(RateLimitConfig{RPS: 0.001, Burst: 2, Logger: zap.NewNop()}))

	send := func(owner string) int {
		req := httptest.NewRequest(http.MethodPost, "/decisions", nil)
		req.Header.Set(PrincipalHeader, owner)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send("alice"))
	assert.Equal(t, http.StatusAccepted, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusAccepted, send("bob"))
}
