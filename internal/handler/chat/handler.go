package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// History reads persisted conversations.
type History interface {
	Owner(ctx context.Context, conversationID string) (string, error)
	LoadTranscript(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Handler serves the persisted message history.
type Handler struct {
	history History
}

// New creates the history handler.
func New(history History) *Handler {
	return &Handler{history: history}
}

// RegisterRoutes mounts the history routes. Callers must already be authenticated.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}/messages", h.handleListMessages)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "conversationID")

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	owner, err := h.history.Owner(ctx, conversationID)
	if errors.Is(err, chatService.ErrConversationNotFound) {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if owner != userID {
		utils.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	messages, err := h.history.LoadTranscript(ctx, conversationID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	})
}
