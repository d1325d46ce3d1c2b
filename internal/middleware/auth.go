package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

type userKey struct{}

// UserHeader carries the caller id when the deployment trusts an upstream proxy.
const UserHeader = "X-User-ID"

// WithUser stores the authenticated user id in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}

// Authenticator resolves the caller of a request.
type Authenticator struct {
	tokens      map[string]string
	trustHeader bool
}

// NewAuthenticator builds an authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	tokens := make(map[string]string, len(cfg.Tokens))
	for token, user := range cfg.Tokens {
		tokens[token] = user
	}
	return &Authenticator{tokens: tokens, trustHeader: cfg.TrustUserHeader}
}

// Identify returns the user id for r, or false when the caller is anonymous.
func (a *Authenticator) Identify(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		for candidate, user := range a.tokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
				return user, true
			}
		}
		return "", false
	}

	if a.trustHeader {
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			return user, true
		}
	}
	return "", false
}

// Require rejects anonymous callers with 401. HEAD requests get no body.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.Identify(r)
		if !ok {
			log.Debug().Str("component", "auth").Str("path", r.URL.Path).Msg("unauthenticated request")
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// browsers cannot set headers on EventSource or WebSocket requests
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
		return "", false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}
