package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/z-relay/backend/internal/handler/reconnect"
	"github.com/zhouzirui/z-relay/backend/internal/handler/stats"
	"github.com/zhouzirui/z-relay/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/z-relay/backend/internal/middleware"
	aiService "github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/pump"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Dependencies are the services the HTTP layer is wired to.
type Dependencies struct {
	Cache *cache.Service
	Chat  *chatService.Service
	AI    *aiService.Service // nil when no provider is configured
	Pump  *pump.Pump

	Auth             config.AuthConfig
	Poll             config.PollConfig
	SubscriberBuffer int
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": deps.Cache.Name(),
		})
	})

	var generator stream.Generator
	if deps.AI != nil {
		generator = deps.AI
	}

	auth := middlewarePkg.NewAuthenticator(deps.Auth)
	limiter := middlewarePkg.NewUserRateLimiter(deps.Poll)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Require)

		stream.New(generator, deps.Chat, deps.Pump, deps.SubscriberBuffer).RegisterRoutes(api)
		reconnect.New(deps.Cache, limiter).RegisterRoutes(api)
		chat.New(deps.Chat).RegisterRoutes(api)
		stats.New(deps.Cache).RegisterRoutes(api)
	})

	return r
}
