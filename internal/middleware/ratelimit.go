package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/audit"
	"github.com/omi/listen-server/internal/config"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/service"
)

const connectWindow = time.Minute

// ConnectRateLimitMiddleware caps how often one user may open a socket on
// a route. It must run after AuthMiddleware.
type ConnectRateLimitMiddleware struct {
	limiter *service.RateLimiter
	route   string
	limit   int
	metrics *observability.Metrics
}

func NewConnectRateLimitMiddleware(limiter *service.RateLimiter, route string, perMinute int, metrics *observability.Metrics) *ConnectRateLimitMiddleware {
	if perMinute <= 0 {
		perMinute = config.DefaultListenConnectsPerMin
	}
	return &ConnectRateLimitMiddleware{limiter: limiter, route: route, limit: perMinute, metrics: metrics}
}

func (m *ConnectRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := GetUID(r.Context())
		if uid == "" {
			next.ServeHTTP(w, r)
			return
		}

		decision := m.limiter.CheckLimit(r.Context(), "connect:"+m.route+":"+uid, m.limit, connectWindow)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			log.Warn().Str("uid", uid).Str("route", m.route).Msg("connection rate limit exceeded")
			m.metrics.RecordRateLimitHit(m.route)
			audit.LogFromRequest(r, audit.Event{Type: audit.EventRateLimitExceed, UserID: uid})

			retry := int(time.Until(decision.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
