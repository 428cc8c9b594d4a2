package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/obs"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenVerifier checks a bearer token's signature and expiry
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// AuthMiddleware validates the bearer token and attaches its claims to the
// context. Whether the claims still match the account is checked by the
// operation that uses them.
func AuthMiddleware(verifier TokenVerifier, metrics *obs.Metrics, log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondWithError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthorized", "missing token")
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				metrics.SecurityEvent(obs.EventBadToken)
				log.Debug(r.Context(), "token rejected", "error", err)
				respondWithError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the claims attached by AuthMiddleware
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// WithClaims attaches claims to ctx
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// MaxBodyBytes caps request bodies
func MaxBodyBytes(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message, "code": code}
	_ = json.NewEncoder(w).Encode(response)
}
