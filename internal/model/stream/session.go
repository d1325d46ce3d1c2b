package stream

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a streaming session.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further chunks are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusStreaming || s.Terminal()
}

// Session is the cache record of one in-flight or recently finished assistant response.
type Session struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Status         Status    `json:"status"`
	StartTime      time.Time `json:"startTime"`
	LastActivity   time.Time `json:"lastActivity"`
	Chunks         []Chunk   `json:"chunks"`
}

// ReconnectData is the view a reconnecting client needs to resume.
type ReconnectData struct {
	Chunks     []Chunk `json:"chunks"`
	Status     Status  `json:"status"`
	IsComplete bool    `json:"isComplete"`
}

// NewReconnectData builds the resume view from a session snapshot.
func NewReconnectData(s *Session) *ReconnectData {
	if s == nil {
		return nil
	}
	chunks := make([]Chunk, len(s.Chunks))
	copy(chunks, s.Chunks)
	return &ReconnectData{
		Chunks:     chunks,
		Status:     s.Status,
		IsComplete: s.Status.Terminal(),
	}
}

// Transcript concatenates content and reasoning in index order.
func (d *ReconnectData) Transcript() (content, reasoning string) {
	if d == nil {
		return "", ""
	}
	return JoinChunks(d.Chunks)
}

// After returns the chunks whose index is strictly greater than last.
// A negative last returns every chunk.
func (d *ReconnectData) After(last int64) []Chunk {
	if d == nil {
		return nil
	}
	out := make([]Chunk, 0, len(d.Chunks))
	for _, c := range d.Chunks {
		if last < 0 || c.Index > uint64(last) {
			out = append(out, c)
		}
	}
	return out
}

// JoinChunks concatenates chunk texts ordered by index.
func JoinChunks(chunks []Chunk) (content, reasoning string) {
	ordered := SortChunks(chunks)
	var cb, rb strings.Builder
	for _, c := range ordered {
		cb.WriteString(c.Content)
		rb.WriteString(c.Reasoning)
	}
	return cb.String(), rb.String()
}

// SortChunks returns a copy ordered by index with duplicate indices removed.
func SortChunks(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	deduped := make([]Chunk, 0, len(out))
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Index == c.Index {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// SessionStats summarizes one session for operational visibility.
type SessionStats struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	ChunkCount     int       `json:"chunkCount"`
	Subscribers    int       `json:"subscribers"`
	StartTime      time.Time `json:"startTime"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Stats is the getStats result.
type Stats struct {
	Backend        string         `json:"backend"`
	ActiveSessions int            `json:"activeSessions"`
	Sessions       []SessionStats `json:"sessions"`
}
