package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/pump"
)

func newTestRouter(t *testing.T) (http.Handler, *cache.Service) {
	t.Helper()
	svc := cache.NewService(cache.NewMemoryBackend(cache.Options{}), 0)
	t.Cleanup(func() { _ = svc.Close() })
	chats := chatService.NewService()

	return NewRouter(Dependencies{
		Cache: svc,
		Chat:  chats,
		Pump:  pump.New(svc, chats, pump.NewTokenizer()),
		Auth:  config.AuthConfig{Tokens: map[string]string{"secret": "u1"}},
		Poll:  config.PollConfig{RatePerSecond: 5, Burst: 10},
	}), svc
}

func TestRouterWiring(t *testing.T) {
	router, svc := newTestRouter(t)
	svc.CreateSession(context.Background(), "u1", "c1")

	cases := []struct {
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{http.MethodGet, "/healthz", "", "", http.StatusOK},
		{http.MethodHead, "/api/reconnect?conversationId=c1", "", "", http.StatusUnauthorized},
		{http.MethodHead, "/api/reconnect?conversationId=c1", "secret", "", http.StatusOK},
		{http.MethodPost, "/api/reconnect", "secret", `{"conversationId":"c1"}`, http.StatusOK},
		{http.MethodGet, "/api/streams/stats", "secret", "", http.StatusOK},
		{http.MethodPost, "/api/chat", "secret", `{"message":"hi"}`, http.StatusServiceUnavailable},
		{http.MethodGet, "/api/conversations/none/messages", "secret", "", http.StatusNotFound},
		{http.MethodOptions, "/api/chat", "", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}
