package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireToken guards the mutating ops endpoints with the KYNEX_API_TOKEN
// shared secret, sent as "Authorization: Bearer <token>". The scheme is
// matched case-insensitively. An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				reject(w, r, "retrain trigger requires an API token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				reject(w, r, "API token does not match")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	slog.Warn("rejected ops request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	w.Header().Set("WWW-Authenticate", `Bearer realm="loadforecast"`)
	httpError(w, http.StatusUnauthorized, "unauthorized", "%s", msg)
}
