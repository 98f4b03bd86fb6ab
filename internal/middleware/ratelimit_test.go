package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/service"
)

func TestConnectRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mw := NewConnectRateLimitMiddleware(service.NewRateLimiter(client), "listen", 2, observability.NewMetrics())
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(uid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/listen", nil)
		if uid != "" {
			req = req.WithContext(WithUID(req.Context(), uid))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("blocks the third connect in a minute", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do("user-1").Code)
		assert.Equal(t, http.StatusOK, do("user-1").Code)
		rec := do("user-1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("tracks users separately", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do("user-2").Code)
	})

	t.Run("passes unauthenticated requests through", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do("").Code)
	})
}

func TestIPRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mw := NewIPRateLimitMiddleware(service.NewRateLimiter(client), 1, time.Minute, "agent", observability.NewMetrics())
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/agent/ws", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	rec := do("10.0.0.1, 192.168.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2").Code)
}
