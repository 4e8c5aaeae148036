package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"expensewatch/internal/core"
)

type contextKey struct{}

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (core.User, error)
}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u core.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the authenticated user, or core.ErrUnauthenticated.
func UserFromContext(ctx context.Context) (core.User, error) {
	u, ok := ctx.Value(contextKey{}).(core.User)
	if !ok || u.ID == 0 {
		return core.User{}, core.ErrUnauthenticated
	}
	return u, nil
}

// Middleware rejects requests without a valid "Bearer" token with 401 and
// stores the resolved user in the request context otherwise.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				unauthorized(w)
				return
			}

			u, err := a.Authenticate(r.Context(), strings.TrimSpace(token))
			if err != nil {
				if !errors.Is(err, core.ErrUnauthenticated) {
					slog.ErrorContext(r.Context(), "Authentication lookup failed", "error", err)
					writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				slog.DebugContext(r.Context(), "Rejected token", "error", err)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="expensewatch"`)
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
