package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

const limiterIdleTTL = 10 * time.Minute

// UserRateLimiter hands out one token bucket per user.
type UserRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*userLimiter
	lastGC   time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter creates a limiter from configuration. A non-positive rate
// disables limiting.
func NewUserRateLimiter(cfg config.PollConfig) *UserRateLimiter {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		limit:    limit,
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*userLimiter),
	}
}

// Allow reports whether userID may make another request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	l.collectLocked(now)
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (l *UserRateLimiter) collectLocked(now time.Time) {
	if now.Sub(l.lastGC) < limiterIdleTTL {
		return
	}
	l.lastGC = now
	for user, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, user)
		}
	}
}

// Middleware answers 429 once the authenticated caller exceeds the limit.
// It must run after Authenticator.Require.
func (l *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		if !l.Allow(userID) {
			log.Warn().Str("component", "ratelimit").Str("user_id", userID).Str("path", r.URL.Path).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			utils.RespondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
