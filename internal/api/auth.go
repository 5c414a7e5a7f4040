package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// BearerAuth rejects requests that do not present one of keys. keys is a
// comma-separated list so several clients can hold distinct keys. The key is
// read from "Authorization: Bearer <key>" or, for Azure-style clients, from
// the "api-key" header.
func BearerAuth(keys string) func(http.Handler) http.Handler {
	var allowed [][]byte
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := presentedKey(r)
			if presented == "" || !matchKey(allowed, []byte(presented)) {
				slog.Warn("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="qwenbridge"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return strings.TrimSpace(r.Header.Get("api-key"))
}

// matchKey compares against every key so timing does not reveal which one
// matched.
func matchKey(allowed [][]byte, presented []byte) bool {
	ok := 0
	for _, k := range allowed {
		ok |= subtle.ConstantTimeCompare(k, presented)
	}
	return ok == 1
}
