package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/lineage-cache/telemetry"
)

// publicPaths skip authentication so probes and scrapers need no token.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware requires "Authorization: Bearer <AuthToken>" on every
// non-public path. An empty AuthToken disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			telemetry.SetEndpoint(r, "unauthorized")
			w.Header().Set("WWW-Authenticate", `Bearer realm="lineage-cache"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
