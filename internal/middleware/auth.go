package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/guardedvault/quest/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// AddressKey is the context key for storing the authenticated caller address.
const AddressKey contextKey = "address"

// GetAddress extracts the caller address from the context.
// Returns empty string if not found.
func GetAddress(ctx context.Context) string {
	addr, _ := ctx.Value(AddressKey).(string)
	return addr
}

// WithAddress returns a context carrying the caller address. Exposed for
// tests that bypass the HTTP layer.
func WithAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, AddressKey, addr)
}

// OptionalAuth validates a bearer token if present and adds the caller
// address to the request context, but lets unauthenticated requests through.
// Handlers that mutate state reject requests without an address; reads work
// either way.
func OptionalAuth(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := bearerToken(r); ok {
				claims, err := jwtManager.Validate(token)
				if err != nil {
					http.Error(w, auth.ErrInvalidToken.Error(), http.StatusUnauthorized)
					return
				}
				r = r.WithContext(WithAddress(r.Context(), claims.Address))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
