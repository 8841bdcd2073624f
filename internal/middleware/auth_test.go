package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontext/backend/internal/multitenancy"
)

func authHandler(t *testing.T) (http.Handler, *string, *string) {
	t.Helper()
	registry, err := multitenancy.NewKeyRegistry([]string{"kontext_valid_key"}, nil, nil)
	require.NoError(t, err)

	var gotProject, gotKey string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProject, _ = multitenancy.GetProjectID(r.Context())
		gotKey, _ = multitenancy.GetAPIKey(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	return Authenticate(registry)(inner), &gotProject, &gotKey
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	handler, _, _ := authHandler(t)

	tests := []struct {
		name  string
		value string
	}{
		{"absent", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer kontext_valid_key"},
		{"no space", "Bearerkontext_valid_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Missing or invalid Authorization header. Expected: Bearer <api_key>", decodeError(t, rec))
		})
	}
}

func TestAuthenticateRejectsInvalidKey(t *testing.T) {
	handler, _, _ := authHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer kontext_wrong_key")
	req.Header.Set("X-Project-Id", "proj_a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", decodeError(t, rec))
}

func TestAuthenticateRequiresProjectHeader(t *testing.T) {
	handler, _, _ := authHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer kontext_valid_key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing X-Project-Id header", decodeError(t, rec))
}

func TestAuthenticateSetsContext(t *testing.T) {
	handler, gotProject, gotKey := authHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer kontext_valid_key")
	req.Header.Set("X-Project-Id", "proj_a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proj_a", *gotProject)
	assert.Equal(t, "kontext_valid_key", *gotKey)
}

func TestAuthenticateSkipsBillingPaths(t *testing.T) {
	handler, gotProject, _ := authHandler(t)

	// No Authorization header at all, yet the request reaches the handler.
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, *gotProject)
}
