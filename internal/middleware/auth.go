package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/partners/syncagent/internal/observability"
)

// APIKeyAuth creates middleware that requires the admin API key on /api
// routes. The key is checked against a plain value, a bcrypt hash, or both;
// with neither configured every request is let through.
func APIKeyAuth(apiKey, apiKeyHash, headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	enabled := apiKey != "" || apiKeyHash != ""
	if !enabled {
		observability.Warnf("Admin API key not configured, local API is unauthenticated")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health endpoints
			path := r.URL.Path
			if !enabled || path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Only authenticate API routes
			if !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				// Browsers cannot set headers on websocket upgrades
				providedKey = r.URL.Query().Get("apiKey")
			}
			if providedKey == "" {
				writeUnauthorized(w, "API key is required.")
				return
			}

			if !matches(apiKey, apiKeyHash, providedKey) {
				observability.WithFields(map[string]interface{}{
					"path":        path,
					"remote_addr": r.RemoteAddr,
				}).Warn("Rejected request with invalid API key")
				writeUnauthorized(w, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matches(apiKey, apiKeyHash, provided string) bool {
	if apiKey != "" && constantTimeEquals(apiKey, provided) {
		return true
	}
	if apiKeyHash != "" && bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(provided)) == nil {
		return true
	}
	return false
}

// HashAPIKey returns the bcrypt hash to store as adminApiKeyHash
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// constantTimeEquals performs a constant-time string comparison
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
