package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// UserHeader identifies the acting user on wallet endpoints.
const UserHeader = "X-User-Id"

type contextKey string

const userIDKey contextKey = "user_id"

// RequireUser rejects requests without a valid user UUID in the
// X-User-Id header and stores the parsed ID on the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			Fail(w, http.StatusUnauthorized, "missing X-User-Id header")
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			Fail(w, http.StatusUnauthorized, "invalid X-User-Id header")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user ID set by RequireUser. Empty
// when the middleware did not run.
func UserID(r *http.Request) string {
	if v, ok := r.Context().Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
