package reconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/middleware"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

const (
	HeaderStatus     = "X-Stream-Status"
	HeaderComplete   = "X-Stream-Complete"
	HeaderChunkCount = "X-Chunk-Count"

	DefaultKeepalive = 15 * time.Second
)

// Sessions is the part of the streaming cache the reconnect endpoints read.
type Sessions interface {
	GetSession(ctx context.Context, conversationID string) *stream.Session
	GetReconnectData(ctx context.Context, conversationID string) *stream.ReconnectData
	Subscribe(ctx context.Context, conversationID string) *cache.Subscription
}

// Handler serves the reconnect protocol: HEAD probe, GET replay plus live
// tail, POST poll, and a WebSocket variant of the live tail.
type Handler struct {
	sessions  Sessions
	limiter   *middleware.UserRateLimiter
	upgrader  *websocket.Upgrader
	keepalive time.Duration
}

// New creates the handler. limiter may be nil to disable poll limiting.
func New(sessions Sessions, limiter *middleware.UserRateLimiter) *Handler {
	return &Handler{
		sessions:  sessions,
		limiter:   limiter,
		upgrader:  newUpgrader(),
		keepalive: DefaultKeepalive,
	}
}

// RegisterRoutes mounts the endpoints. Callers must already be authenticated.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Head("/reconnect", h.handleHead)
	r.Get("/reconnect", h.handleGet)
	r.Get("/reconnect/ws", h.handleWebSocket)

	poll := r
	if h.limiter != nil {
		poll = r.With(h.limiter.Middleware)
	}
	poll.Post("/reconnect", h.handlePoll)
}

// requestError is an authentication, ownership, existence or input failure.
type requestError struct {
	status  int
	message string
}

var (
	errUnauthorized   = &requestError{http.StatusUnauthorized, "unauthorized"}
	errForbidden      = &requestError{http.StatusForbidden, "forbidden"}
	errNotFound       = &requestError{http.StatusNotFound, "stream not found"}
	errMissingConvID  = &requestError{http.StatusBadRequest, "conversationId is required"}
	errMalformedInput = &requestError{http.StatusBadRequest, "malformed request body"}
)

func (e *requestError) write(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(e.status)
		return
	}
	utils.RespondError(w, e.status, e.message)
}

// authorize runs authentication, lookup and ownership in that order and
// returns the resume view of the caller's session.
func (h *Handler) authorize(ctx context.Context, conversationID string) (*stream.ReconnectData, *requestError) {
	userID, ok := middleware.UserFromContext(ctx)
	if !ok {
		return nil, errUnauthorized
	}
	if conversationID == "" {
		return nil, errMissingConvID
	}

	data := h.sessions.GetReconnectData(ctx, conversationID)
	if data == nil {
		return nil, errNotFound
	}

	session := h.sessions.GetSession(ctx, conversationID)
	if session == nil {
		// swept between the two reads
		return nil, errNotFound
	}
	if session.UserID != userID {
		return nil, errForbidden
	}
	return data, nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	data, rerr := h.authorize(r.Context(), r.URL.Query().Get("conversationId"))
	if rerr != nil {
		rerr.write(w, r)
		return
	}

	w.Header().Set(HeaderStatus, string(data.Status))
	w.Header().Set(HeaderComplete, strconv.FormatBool(data.IsComplete))
	w.Header().Set(HeaderChunkCount, strconv.Itoa(len(data.Chunks)))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := r.URL.Query().Get("conversationId")

	data, rerr := h.authorize(ctx, convID)
	if rerr != nil {
		rerr.write(w, r)
		return
	}
	if data.IsComplete {
		utils.RespondJSON(w, http.StatusOK, stream.NewCompleteResponse(data))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	tail, data := h.openTail(ctx, convID)
	defer tail.close()
	if data == nil {
		utils.RespondError(w, http.StatusNotFound, errNotFound.message)
		return
	}
	if data.IsComplete {
		utils.RespondJSON(w, http.StatusOK, stream.NewCompleteResponse(data))
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	send := func(payload any) error { return utils.SendSSEChunk(w, flusher, payload) }
	keepalive := func() error { return utils.SendSSEComment(w, flusher, "keepalive") }
	if err := tail.relay(ctx, data, send, keepalive, h.keepalive); err != nil {
		tail.logger.Debug().Err(err).Msg("reconnect stream terminated")
	}
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req stream.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errMalformedInput.write(w, r)
		return
	}

	data, rerr := h.authorize(r.Context(), req.ConversationID)
	if rerr != nil {
		rerr.write(w, r)
		return
	}

	last := int64(-1)
	if req.LastChunkIndex != nil {
		last = *req.LastChunkIndex
	}
	utils.RespondJSON(w, http.StatusOK, stream.PollResponse{
		Status:      data.Status,
		IsComplete:  data.IsComplete,
		Chunks:      data.After(last),
		TotalChunks: len(data.Chunks),
	})
}

// tail is a live subscription opened before the replay snapshot, so that no
// chunk appended in between is lost. Chunks already replayed are skipped.
type tail struct {
	sub    *cache.Subscription
	logger zerolog.Logger
}

func (h *Handler) openTail(ctx context.Context, convID string) (*tail, *stream.ReconnectData) {
	t := &tail{
		sub:    h.sessions.Subscribe(ctx, convID),
		logger: log.With().Str("component", "reconnect").Str("conversation_id", convID).Logger(),
	}
	return t, h.sessions.GetReconnectData(ctx, convID)
}

func (t *tail) close() {
	t.sub.Unsubscribe()
}

// relay writes the replay, the resume marker, then live chunks until the
// session finishes, the subscription ends, ctx is cancelled or a write fails.
func (t *tail) relay(ctx context.Context, data *stream.ReconnectData, send func(any) error, keepalive func() error, every time.Duration) error {
	for _, c := range data.Chunks {
		if err := send(stream.NewChunkFrame(c, true)); err != nil {
			return err
		}
	}
	resumePoint := len(data.Chunks)
	if err := send(stream.NewResumeFrame(data.Status, resumePoint)); err != nil {
		return err
	}
	// a ledger with a lost batch has gaps, so len can trail the last index
	next := nextIndex(data.Chunks)
	t.logger.Debug().Int("replayed", resumePoint).Uint64("next_index", next).Msg("replay sent, following live tail")

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := keepalive(); err != nil {
				return err
			}
		case ev, ok := <-t.sub.Events():
			if !ok {
				if t.sub.Lagged() {
					t.logger.Warn().Msg("live tail dropped for lagging, client must reconnect")
				}
				return nil
			}
			if ev.Final {
				return send(stream.NewTerminalFrame(ev.Status))
			}
			if ev.Chunk.Index < next {
				continue
			}
			if err := send(stream.NewChunkFrame(ev.Chunk, false)); err != nil {
				return err
			}
		}
	}
}

// nextIndex is one past the highest replayed index.
func nextIndex(chunks []stream.Chunk) uint64 {
	var next uint64
	for _, c := range chunks {
		if c.Index+1 > next {
			next = c.Index + 1
		}
	}
	return next
}
