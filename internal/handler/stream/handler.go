package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	streammodel "github.com/zhouzirui/z-relay/backend/internal/model/stream"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/pump"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// HeaderConversationID tells the client which conversation a new turn landed in.
const HeaderConversationID = "X-Conversation-ID"

// Generator opens the upstream model stream for one turn.
type Generator interface {
	Stream(ctx context.Context, history []chat.Message, userMessage string) (*schema.StreamReader[*schema.Message], error)
	Provider() string
	Model() string
}

// Conversations tracks ownership and history.
type Conversations interface {
	EnsureConversation(ctx context.Context, userID, conversationID string) (string, error)
	LoadTranscript(ctx context.Context, conversationID string) ([]chat.Message, error)
	SaveMessage(ctx context.Context, message chat.Message) error
}

// Handler serves the chat endpoint: it starts a pump for the turn and streams
// the requester's own frames straight from it.
type Handler struct {
	generator     Generator
	conversations Conversations
	pump          *pump.Pump
	bufferSize    int
}

// New creates the handler. A nil generator makes the endpoint answer 503.
func New(generator Generator, conversations Conversations, p *pump.Pump, bufferSize int) *Handler {
	return &Handler{
		generator:     generator,
		conversations: conversations,
		pump:          p,
		bufferSize:    bufferSize,
	}
}

// RegisterRoutes mounts the chat endpoint. Callers must already be authenticated.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.generator == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	convID, err := h.conversations.EnsureConversation(ctx, userID, req.ConversationID)
	if errors.Is(err, chatservice.ErrForbidden) {
		utils.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := log.With().Str("component", "chat").Str("conversation_id", convID).Str("user_id", userID).Logger()

	if h.pump.Busy(ctx, convID) {
		utils.RespondError(w, http.StatusConflict, pump.ErrTurnInProgress.Error())
		return
	}

	history, err := h.conversations.LoadTranscript(ctx, convID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load history, continuing without it")
	}
	if err := h.conversations.SaveMessage(ctx, chat.Message{
		UserID:         userID,
		ConversationID: convID,
		Role:           chat.RoleUser,
		Content:        req.Message,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to save user message")
	}

	// the turn outlives this request
	upstreamCtx := context.WithoutCancel(ctx)
	reader, err := h.generator.Stream(upstreamCtx, history, req.Message)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open model stream")
		utils.RespondError(w, http.StatusBadGateway, "upstream model unavailable")
		return
	}

	obs := pump.NewObserver(h.bufferSize)
	err = h.pump.Start(upstreamCtx, pump.Request{
		UserID:         userID,
		ConversationID: convID,
		Provider:       h.generator.Provider(),
		Model:          h.generator.Model(),
	}, reader, obs)
	if errors.Is(err, pump.ErrTurnInProgress) {
		// lost the race to a concurrent request on the same conversation
		utils.RespondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to start stream pump")
		utils.RespondError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}

	w.Header().Set(HeaderConversationID, convID)
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := relay(ctx, obs, func(payload any) error { return utils.SendSSEChunk(w, flusher, payload) }); err != nil {
		logger.Debug().Err(err).Msg("requester left, pump continues in background")
	}
}

// relay forwards the observer's pieces and then the terminal marker. A lagging
// observer ends the stream without a marker so the client reconnects.
func relay(ctx context.Context, obs *pump.Observer, send func(any) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-obs.Frames():
			if ok {
				if err := send(streammodel.NewChunkFrame(c, false)); err != nil {
					return err
				}
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case res := <-obs.Done():
				if res.Lagged {
					return errors.New("requester fell behind the model stream")
				}
				return send(streammodel.NewTerminalFrame(res.Status))
			}
		}
	}
}
