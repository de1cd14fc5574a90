package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAPIKeyAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    string
		hash   string
		path   string
		header string
		query  string
		want   int
	}{
		{"health is public", "secret", "", "/health", "", "", http.StatusNoContent},
		{"missing key", "secret", "", "/api/sync/status", "", "", http.StatusUnauthorized},
		{"wrong key", "secret", "", "/api/sync/status", "nope", "", http.StatusUnauthorized},
		{"plain key", "secret", "", "/api/sync/status", "secret", "", http.StatusNoContent},
		{"hashed key", "", string(hash), "/api/sync/status", "hashed-secret", "", http.StatusNoContent},
		{"hash rejects plain mismatch", "", string(hash), "/api/sync/status", "secret", "", http.StatusUnauthorized},
		{"key in query for websockets", "secret", "", "/api/realtime/events", "", "?apiKey=secret", http.StatusNoContent},
		{"non api routes pass", "secret", "", "/", "", "", http.StatusNoContent},
		{"no key configured", "", "", "/api/sync/status", "", "", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKeyAuth(tt.key, tt.hash, "X-API-Key")(ok)

			req := httptest.NewRequest(http.MethodGet, tt.path+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("k")))
}
