package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const SessionCookie = "gatewatch_session"

// SessionValue derives the cookie value from the token so the token itself never sits in a cookie.
func SessionValue(token string) string {
	sum := sha256.Sum256([]byte("gatewatch-session:" + token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares in constant time.
func TokenMatches(token, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
}

// AuthMiddleware requires a bearer token or a session cookie when token is set.
// An empty token disables authentication.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" || r.URL.Path == "/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && TokenMatches(token, bearer) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(SessionCookie)
		if err != nil || !TokenMatches(SessionValue(token), cookie.Value) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
