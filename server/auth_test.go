package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	s := &Server{config: Config{AuthToken: ""}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/trees/0?dataset=trees.nwk", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "valid token", path: "/api/trees/0", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "lowercase scheme", path: "/api/trees/0", header: "bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", path: "/api/trees/0", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing header", path: "/api/listing", want: http.StatusUnauthorized},
		{name: "empty token", path: "/api/listing", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "basic scheme", path: "/api/viewport", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "stats protected", path: "/stats", want: http.StatusUnauthorized},
		{name: "session delete protected", path: "/api/sessions/current", want: http.StatusUnauthorized},
		{name: "health exempt", path: "/health", want: http.StatusOK},
		{name: "metrics exempt", path: "/metrics", want: http.StatusOK},
		{name: "health prefix not exempt", path: "/health/deep", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
