package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	_, _ = w.Write([]byte(user))
}

func TestAuthenticatorBearerToken(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Tokens: map[string]string{"tok-1": "u1"}})
	h := auth.Require(http.HandlerFunc(echoUser))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u1", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/?access_token=tok-1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "u1", rec.Body.String())
}

func TestAuthenticatorRejectsAnonymous(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Tokens: map[string]string{"tok-1": "u1"}})
	h := auth.Require(http.HandlerFunc(echoUser))

	for _, header := range []string{"", "Bearer wrong", "Basic tok-1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		req.Header.Set(UserHeader, "u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	req := httptest.NewRequest(http.MethodHead, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestAuthenticatorTrustedHeader(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{TrustUserHeader: true})
	h := auth.Require(http.HandlerFunc(echoUser))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "u2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u2", rec.Body.String())
}
