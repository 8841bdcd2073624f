package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kontext/backend/internal/multitenancy"
)

// Authenticate returns middleware that validates the bearer API key against
// the registry and resolves the tenant project. On success the project id
// and key are written into the request context. Billing paths pass through
// untouched; the webhook authenticates with a provider signature instead.
func Authenticate(registry *multitenancy.KeyRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if billingPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized,
					"Missing or invalid Authorization header. Expected: Bearer <api_key>")
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if !registry.Validate(apiKey) {
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			projectID := r.Header.Get("X-Project-Id")
			if projectID == "" {
				writeAuthError(w, http.StatusBadRequest, "Missing X-Project-Id header")
				return
			}

			ctx := multitenancy.WithProject(r.Context(), projectID, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
