// Package cache holds the streaming session ledger, the fan-out broker that relays new
// chunks to live subscribers, and the two interchangeable storage backends.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

var (
	ErrUnavailable     = errors.New("cache backend unavailable")
	ErrSessionNotFound = errors.New("streaming session not found")
)

const (
	DefaultRetention        = 5 * time.Minute
	DefaultSweepInterval    = 5 * time.Minute
	DefaultKeyTTL           = time.Hour
	DefaultOpTimeout        = 5 * time.Second
	DefaultSubscriberBuffer = 1024
)

// Backend is the contract both the in-memory and the Redis ledger satisfy.
//
// Operations never surface transient storage failures to callers. A degraded
// backend answers nil or false and logs the cause.
type Backend interface {
	Name() string

	// CreateSession starts (or restarts) the ledger for a conversation.
	CreateSession(ctx context.Context, userID, conversationID string) *stream.Session
	// AddChunk appends the next chunk and publishes it. It returns false when the
	// session is missing or finished and when the backend is degraded.
	AddChunk(ctx context.Context, conversationID, content, reasoning string) bool
	// Subscribe registers a local subscription. Unknown sessions yield an inert
	// subscription whose Unsubscribe does nothing.
	Subscribe(ctx context.Context, conversationID string) *Subscription
	// GetSession returns the full ledger snapshot and refreshes lastActivity.
	GetSession(ctx context.Context, conversationID string) *stream.Session
	CompleteSession(ctx context.Context, conversationID string) bool
	ErrorSession(ctx context.Context, conversationID string) bool
	DeleteSession(ctx context.Context, conversationID string) bool
	GetReconnectData(ctx context.Context, conversationID string) *stream.ReconnectData
	Stats(ctx context.Context) stream.Stats

	// Sweep evicts sessions idle longer than the retention window as of now.
	Sweep(ctx context.Context, now time.Time) int
	Close() error
}

// Options tune both backends. Zero values fall back to the defaults above.
type Options struct {
	Retention        time.Duration
	SubscriberBuffer int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func idle(now, last time.Time, retention time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > retention
}
