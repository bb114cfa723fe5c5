package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireBearerToken guards next with a static bearer token. With required
// false, or an empty token, next is returned unchanged.
func RequireBearerToken(next http.Handler, required bool, token string) http.Handler {
	token = strings.TrimSpace(token)
	if !required || token == "" {
		return next
	}
	expected := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
