package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Shared-secret headers
const (
	AdminSecretHeader    = "X-Admin-Secret"
	LinkSecretHeader     = "X-TG-Link-Secret"
	NodeSyncSecretHeader = "X-Node-Sync-Secret"
)

// RequireSecret rejects requests that do not present secret in header.
// When query is non-empty the secret is also accepted from that query
// parameter. An empty secret rejects every request.
func RequireSecret(secret, header, query string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimSpace(r.Header.Get(header))
			if presented == "" && query != "" {
				presented = strings.TrimSpace(r.URL.Query().Get(query))
			}
			if !SecretMatches(secret, presented) {
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecretMatches compares in constant time; an empty expected secret never matches
func SecretMatches(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
