package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

type memoryEntry struct {
	mu      sync.Mutex
	session stream.Session
}

// MemoryBackend keeps ledgers and subscribers in one process. Suitable for
// single-instance and development deployments.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	broker   *Broker
	opts     Options
}

func NewMemoryBackend(opts Options) *MemoryBackend {
	opts = opts.withDefaults()
	return &MemoryBackend{
		sessions: make(map[string]*memoryEntry),
		broker:   NewBroker(opts.SubscriberBuffer),
		opts:     opts,
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) CreateSession(_ context.Context, userID, conversationID string) *stream.Session {
	now := m.opts.Now()
	entry := &memoryEntry{session: stream.Session{
		UserID:         userID,
		ConversationID: conversationID,
		Status:         stream.StatusStreaming,
		StartTime:      now,
		LastActivity:   now,
		Chunks:         make([]stream.Chunk, 0, 64),
	}}

	m.mu.Lock()
	_, replaced := m.sessions[conversationID]
	m.sessions[conversationID] = entry
	m.mu.Unlock()
	if replaced {
		// readers of the previous turn would misread the restarted indices
		m.broker.Drop(conversationID)
	}

	log.Debug().Str("component", "cache").Str("backend", "memory").
		Str("conversation_id", conversationID).Str("user_id", userID).
		Msg("session created")
	return snapshot(&entry.session)
}

func (m *MemoryBackend) AddChunk(_ context.Context, conversationID, content, reasoning string) bool {
	entry, ok := m.lookup(conversationID)
	if !ok {
		return false
	}
	now := m.opts.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status != stream.StatusStreaming {
		return false
	}
	chunk := stream.Chunk{
		Index:     uint64(len(entry.session.Chunks)),
		Content:   content,
		Reasoning: reasoning,
		Timestamp: now.UnixMilli(),
	}
	entry.session.Chunks = append(entry.session.Chunks, chunk)
	entry.session.LastActivity = now
	m.broker.Publish(conversationID, chunk)
	return true
}

func (m *MemoryBackend) Subscribe(_ context.Context, conversationID string) *Subscription {
	if _, ok := m.lookup(conversationID); !ok {
		return newInertSubscription(conversationID)
	}
	return m.broker.Subscribe(conversationID)
}

func (m *MemoryBackend) GetSession(_ context.Context, conversationID string) *stream.Session {
	entry, ok := m.lookup(conversationID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.LastActivity = m.opts.Now()
	return snapshot(&entry.session)
}

func (m *MemoryBackend) CompleteSession(_ context.Context, conversationID string) bool {
	return m.finish(conversationID, stream.StatusCompleted)
}

func (m *MemoryBackend) ErrorSession(_ context.Context, conversationID string) bool {
	return m.finish(conversationID, stream.StatusError)
}

func (m *MemoryBackend) finish(conversationID string, status stream.Status) bool {
	entry, ok := m.lookup(conversationID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status.Terminal() {
		return true
	}
	entry.session.Status = status
	entry.session.LastActivity = m.opts.Now()
	m.broker.Complete(conversationID, status)
	return true
}

func (m *MemoryBackend) DeleteSession(_ context.Context, conversationID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if ok {
		m.broker.Drop(conversationID)
	}
	return ok
}

func (m *MemoryBackend) GetReconnectData(ctx context.Context, conversationID string) *stream.ReconnectData {
	return stream.NewReconnectData(m.GetSession(ctx, conversationID))
}

func (m *MemoryBackend) Stats(_ context.Context) stream.Stats {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	stats := stream.Stats{Backend: m.Name(), Sessions: make([]stream.SessionStats, 0, len(entries))}
	for _, e := range entries {
		e.mu.Lock()
		s := stream.SessionStats{
			ConversationID: e.session.ConversationID,
			UserID:         e.session.UserID,
			Status:         e.session.Status,
			ChunkCount:     len(e.session.Chunks),
			StartTime:      e.session.StartTime,
			LastActivity:   e.session.LastActivity,
		}
		e.mu.Unlock()
		s.Subscribers = m.broker.Count(s.ConversationID)
		stats.Sessions = append(stats.Sessions, s)
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].StartTime.Before(stats.Sessions[j].StartTime)
	})
	stats.ActiveSessions = len(stats.Sessions)
	return stats
}

func (m *MemoryBackend) Sweep(_ context.Context, now time.Time) int {
	m.mu.Lock()
	expired := make([]string, 0)
	for id, e := range m.sessions {
		e.mu.Lock()
		stale := idle(now, e.session.LastActivity, m.opts.Retention)
		e.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.broker.Drop(id)
	}
	return len(expired)
}

func (m *MemoryBackend) Close() error {
	m.broker.Close()
	return nil
}

func (m *MemoryBackend) lookup(conversationID string) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[conversationID]
	return e, ok
}

func snapshot(s *stream.Session) *stream.Session {
	out := *s
	out.Chunks = make([]stream.Chunk, len(s.Chunks))
	copy(out.Chunks, s.Chunks)
	return &out
}
