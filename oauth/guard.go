package oauth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const accessTokenContextKey contextKey = "oauth-access-token"

// Guard enforces bearer-token authentication and per-scope authorization
// on an http.Handler: a missing or invalid token yields 401 with
// WWW-Authenticate, a valid token lacking the required scope yields 403.
type Guard struct {
	tokens TokenStore
}

// NewGuard builds a Guard backed by the given token store.
func NewGuard(tokens TokenStore) *Guard {
	return &Guard{tokens: tokens}
}

// Require wraps next, demanding a bearer token carrying scope.
func (g *Guard) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			access, err := g.tokens.GetAccessToken(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			if time.Now().After(access.ExpiresAt) {
				unauthorized(w, "token expired")
				return
			}
			if scope != "" && !HasScope(access.Scopes, scope) && !HasScope(access.Scopes, ScopeAdmin) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), accessTokenContextKey, access)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessTokenFromContext retrieves the token a Guard validated for this request.
func AccessTokenFromContext(ctx context.Context) (AccessToken, bool) {
	v, ok := ctx.Value(accessTokenContextKey).(AccessToken)
	return v, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+reason+`"`)
	http.Error(w, reason, http.StatusUnauthorized)
}
