package httpapi

import (
	"net/http"
	"strings"

	"netgrant/internal/security"
)

// RequireBearer guards operator routes. An empty token leaves them open, which
// is only meant for local development.
func RequireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || !security.TokenEqual(strings.TrimPrefix(auth, "Bearer "), token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
