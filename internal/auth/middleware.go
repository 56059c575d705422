package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HyphaGroup/seneschal/internal/logger"
)

// Middleware creates HTTP middleware for Bearer token authentication.
// Local bridge clients use the unix socket and never pass through here.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			secret := strings.TrimPrefix(auth, "Bearer ")
			token, err := store.ValidateToken(secret)
			if err != nil {
				logger.Info("token validation failed: %v", err)
				jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			logger.Info("authenticated token %s (scope: %s)", token.ID, token.Scope)
			ctx := WithContext(r.Context(), &AuthContext{Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}
