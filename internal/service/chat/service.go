package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrUserRequired         = errors.New("user id is required")
)

// Service keeps conversation ownership and the persisted message history.
// It is the persistence collaborator the stream pump hands finished turns to.
type Service struct {
	mu       sync.RWMutex
	owners   map[string]string
	messages map[string][]chat.Message
}

// NewService bootstraps the in-memory message store.
func NewService() *Service {
	return &Service{
		owners:   make(map[string]string),
		messages: make(map[string][]chat.Message),
	}
}

// EnsureConversation returns the conversation id to use for a new turn. An
// empty id provisions a fresh conversation owned by userID.
func (s *Service) EnsureConversation(_ context.Context, userID, conversationID string) (string, error) {
	if userID == "" {
		return "", ErrUserRequired
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[conversationID]
	if ok && owner != userID {
		return "", ErrForbidden
	}
	if !ok {
		s.owners[conversationID] = userID
		s.messages[conversationID] = make([]chat.Message, 0, 16)
	}
	return conversationID, nil
}

// SaveMessage appends a message to the conversation history.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) error {
	if message.ConversationID == "" {
		return ErrConversationNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[message.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if owner != message.UserID {
		return ErrForbidden
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], message)
	return nil
}

// LoadTranscript returns stored messages for the conversation.
func (s *Service) LoadTranscript(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Owner returns the user that owns the conversation.
func (s *Service) Owner(_ context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[conversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	return owner, nil
}
