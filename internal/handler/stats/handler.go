package stats

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Source reports cache statistics.
type Source interface {
	Stats(ctx context.Context) stream.Stats
}

// Handler exposes the streaming cache's operational view.
type Handler struct {
	source Source
}

func New(source Source) *Handler {
	return &Handler{source: source}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/streams/stats", h.handleStats)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.source.Stats(r.Context()))
}
