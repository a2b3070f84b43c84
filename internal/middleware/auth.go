package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"nearby-safety-backend/internal/services"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware creates a middleware for JWT authentication
func AuthMiddleware(auth *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(parts[1])
			if err != nil {
				respondError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims in ctx
func WithClaims(ctx context.Context, claims *services.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	claims, ok := ctx.Value(claimsKey).(*services.Claims)
	if !ok {
		return ""
	}
	return claims.UserID
}

// IsAdmin reports whether the caller has the admin role
func IsAdmin(ctx context.Context) bool {
	claims, ok := ctx.Value(claimsKey).(*services.Claims)
	return ok && claims.Admin
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
