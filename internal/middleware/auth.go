package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/audit"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/util"
)

type contextKey string

const UIDContextKey contextKey = "uid"

// GetUID returns the authenticated user id, or "" outside an authenticated
// route.
func GetUID(ctx context.Context) string {
	if uid, ok := ctx.Value(UIDContextKey).(string); ok {
		return uid
	}
	return ""
}

// WithUID stores uid as the authenticated user.
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, UIDContextKey, uid)
}

type AuthMiddleware struct {
	tokenRepo repository.TokenRepository
}

func NewAuthMiddleware(tokenRepo repository.TokenRepository) *AuthMiddleware {
	return &AuthMiddleware{tokenRepo: tokenRepo}
}

// Authenticate resolves a bearer token to a user id. It fails with
// AUTH_FAILED when the token is missing or unknown.
func (m *AuthMiddleware) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperrors.AuthFailed("Missing authentication token")
	}
	stored, err := m.tokenRepo.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return "", apperrors.Database(err)
	}
	if stored == nil {
		return "", apperrors.AuthFailed("Invalid token")
	}
	return stored.UID, nil
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := m.Authenticate(r.Context(), ExtractToken(r))
		if err != nil {
			if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.ErrCodeAuthFailed {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventAuthFailure,
					Details: map[string]interface{}{"path": r.URL.Path},
				})
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": appErr.Message,
				})
				return
			}
			log.Error().Err(err).Msg("auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUID(r.Context(), uid)))
	})
}

// ExtractToken reads the Authorization bearer token, falling back to the
// token query parameter for clients that cannot set headers on a
// WebSocket upgrade.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
