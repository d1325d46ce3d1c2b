// Package pump consumes an upstream model stream, writes it into the streaming
// cache piece by piece, and hands the finished turn to the message store.
package pump

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
)

// ErrTurnInProgress is returned when the conversation already has a turn
// streaming.
var ErrTurnInProgress = errors.New("a turn is already streaming for this conversation")

// Ledger is the part of the streaming cache the pump writes to.
type Ledger interface {
	CreateSession(ctx context.Context, userID, conversationID string) *stream.Session
	GetSession(ctx context.Context, conversationID string) *stream.Session
	AddChunk(ctx context.Context, conversationID, content, reasoning string) bool
	CompleteSession(ctx context.Context, conversationID string) bool
	ErrorSession(ctx context.Context, conversationID string) bool
}

var _ Ledger = (cache.Backend)(nil)

// MessageStore persists the final transcript of a turn.
type MessageStore interface {
	SaveMessage(ctx context.Context, message chat.Message) error
}

// Request identifies the turn being pumped.
type Request struct {
	UserID         string
	ConversationID string
	Provider       string
	Model          string
}

// Result is the outcome of one pumped turn.
type Result struct {
	Status    stream.Status
	Content   string
	Reasoning string
	Chunks    int
	Err       error

	// Lagged is set when the observer fell behind and missed pieces.
	Lagged bool
}

// Observer receives the pump's output as it happens. The originating request
// uses it to stream frames without going through the cache.
type Observer struct {
	frames chan stream.Chunk
	done   chan Result
	lagged bool
	once   sync.Once
}

// NewObserver creates an observer that buffers up to size pieces. An observer
// that falls behind stops receiving pieces but still gets the result.
func NewObserver(size int) *Observer {
	if size <= 0 {
		size = cache.DefaultSubscriberBuffer
	}
	return &Observer{
		frames: make(chan stream.Chunk, size),
		done:   make(chan Result, 1),
	}
}

// Frames is closed when the pump finishes or the observer lags.
func (o *Observer) Frames() <-chan stream.Chunk { return o.frames }

// Done yields the result once, after Frames is closed.
func (o *Observer) Done() <-chan Result { return o.done }

func (o *Observer) send(c stream.Chunk) {
	if o == nil || o.lagged {
		return
	}
	select {
	case o.frames <- c:
	default:
		o.lagged = true
		close(o.frames)
	}
}

func (o *Observer) finish(r Result) {
	if o == nil {
		return
	}
	o.once.Do(func() {
		if !o.lagged {
			close(o.frames)
		}
		r.Lagged = o.lagged
		o.done <- r
	})
}

// Pump moves model output into the streaming cache. It runs at most one turn
// per conversation at a time.
type Pump struct {
	ledger    Ledger
	store     MessageStore
	tokenizer *Tokenizer

	mu     sync.Mutex
	seq    uint64
	active map[string]uint64

	// SaveTimeout bounds the final transcript write.
	SaveTimeout time.Duration
}

// New creates a pump. store may be nil when transcripts are not persisted.
func New(ledger Ledger, store MessageStore, tokenizer *Tokenizer) *Pump {
	return &Pump{
		ledger:      ledger,
		store:       store,
		tokenizer:   tokenizer,
		active:      make(map[string]uint64),
		SaveTimeout: 10 * time.Second,
	}
}

// Busy reports whether a turn is streaming for the conversation, here or in
// another process sharing the cache.
func (p *Pump) Busy(ctx context.Context, conversationID string) bool {
	p.mu.Lock()
	_, busy := p.active[conversationID]
	p.mu.Unlock()
	return busy || p.streaming(ctx, conversationID)
}

func (p *Pump) streaming(ctx context.Context, conversationID string) bool {
	s := p.ledger.GetSession(ctx, conversationID)
	return s != nil && s.Status == stream.StatusStreaming
}

// claim is one turn's hold on a conversation.
type claim struct {
	conversationID string
	token          uint64
}

// begin claims the conversation and opens its session before any output is
// read, so the session is visible as soon as the caller answers.
func (p *Pump) begin(ctx context.Context, req Request) (claim, error) {
	p.mu.Lock()
	if _, busy := p.active[req.ConversationID]; busy {
		p.mu.Unlock()
		return claim{}, ErrTurnInProgress
	}
	p.seq++
	c := claim{conversationID: req.ConversationID, token: p.seq}
	p.active[c.conversationID] = c.token
	p.mu.Unlock()

	if p.streaming(ctx, req.ConversationID) {
		p.release(c)
		return claim{}, ErrTurnInProgress
	}
	p.ledger.CreateSession(ctx, req.UserID, req.ConversationID)
	return c, nil
}

// release drops c. A later turn's claim on the same conversation is kept.
func (p *Pump) release(c claim) {
	p.mu.Lock()
	if p.active[c.conversationID] == c.token {
		delete(p.active, c.conversationID)
	}
	p.mu.Unlock()
}

func (p *Pump) holds(c claim) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[c.conversationID] == c.token
}

// Start opens the session and then runs the pump in the background, detached
// from the caller's context so the turn keeps streaming after the client goes
// away. It fails with ErrTurnInProgress and closes reader when the
// conversation is busy.
func (p *Pump) Start(ctx context.Context, req Request, reader *schema.StreamReader[*schema.Message], obs *Observer) error {
	detached := context.WithoutCancel(ctx)
	c, err := p.begin(detached, req)
	if err != nil {
		reader.Close()
		return err
	}
	go func() {
		defer p.release(c)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("component", "pump").Str("conversation_id", req.ConversationID).
					Interface("panic", r).Msg("stream pump panicked")
				if p.holds(c) {
					p.ledger.ErrorSession(detached, req.ConversationID)
				}
				obs.finish(Result{Status: stream.StatusError, Err: errors.Errorf("pump panic: %v", r)})
			}
		}()
		p.drain(detached, c, req, reader, obs)
	}()
	return nil
}

// Run is the synchronous form of Start. The session is created before the
// first read and is always left in a terminal state.
func (p *Pump) Run(ctx context.Context, req Request, reader *schema.StreamReader[*schema.Message], obs *Observer) Result {
	c, err := p.begin(ctx, req)
	if err != nil {
		reader.Close()
		result := Result{Status: stream.StatusError, Err: err}
		obs.finish(result)
		return result
	}
	defer p.release(c)
	return p.drain(ctx, c, req, reader, obs)
}

func (p *Pump) drain(ctx context.Context, c claim, req Request, reader *schema.StreamReader[*schema.Message], obs *Observer) Result {
	defer reader.Close()

	logger := log.With().Str("component", "pump").Str("conversation_id", req.ConversationID).Logger()

	var (
		content, reasoning strings.Builder
		index              uint64
		recvErr            error
	)
	emit := func(d stream.Delta) {
		if !p.ledger.AddChunk(ctx, req.ConversationID, d.Content, d.Reasoning) {
			logger.Debug().Uint64("index", index).Msg("chunk not recorded in cache")
		}
		obs.send(stream.Chunk{
			Index:     index,
			Content:   d.Content,
			Reasoning: d.Reasoning,
			Timestamp: time.Now().UnixMilli(),
		})
		index++
	}

	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = err
			break
		}

		delta := Normalize(msg)
		if delta.Empty() {
			continue
		}
		reasoning.WriteString(delta.Reasoning)
		content.WriteString(delta.Content)

		for _, piece := range p.tokenizer.Split(delta.Reasoning) {
			emit(stream.Delta{Reasoning: piece})
		}
		for _, piece := range p.tokenizer.Split(delta.Content) {
			emit(stream.Delta{Content: piece})
		}
	}

	result := Result{
		Status:    stream.StatusCompleted,
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Chunks:    int(index),
	}

	if recvErr != nil {
		result.Status = stream.StatusError
		result.Err = errors.Wrap(recvErr, "receive model stream")
		p.ledger.ErrorSession(ctx, req.ConversationID)
		p.release(c)
		logger.Error().Err(recvErr).Int("chunks", result.Chunks).Msg("model stream failed")
	} else {
		p.ledger.CompleteSession(ctx, req.ConversationID)
		// the next turn may start while the transcript is being saved
		p.release(c)
		logger.Info().Int("chunks", result.Chunks).Int("content_len", len(result.Content)).Msg("model stream completed")
		p.persist(ctx, req, result)
	}

	obs.finish(result)
	return result
}

func (p *Pump) persist(ctx context.Context, req Request, result Result) {
	if p.store == nil {
		return
	}
	if result.Content == "" && result.Reasoning == "" {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, p.SaveTimeout)
	defer cancel()

	err := p.store.SaveMessage(saveCtx, chat.Message{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           chat.RoleAssistant,
		Content:        result.Content,
		Reasoning:      result.Reasoning,
		Provider:       req.Provider,
		Model:          req.Model,
	})
	if err != nil {
		log.Error().Err(err).Str("component", "pump").Str("conversation_id", req.ConversationID).
			Msg("failed to persist assistant message")
	}
}

// Normalize extracts the text delta from one streamed model message.
func Normalize(msg *schema.Message) stream.Delta {
	if msg == nil {
		return stream.Delta{}
	}
	return stream.Delta{
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
	}
}
