package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

func attachRedisBackend(t *testing.T, mr *miniredis.Miniredis, clock *fakeClock) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b := NewRedisBackend(context.Background(), client, RedisOptions{
		Options:   Options{Now: clock.Now},
		OpTimeout: time.Second,
		Backoff:   Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Attempts: 5},
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisCrossProcessFanOut(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	writer, mr := newTestRedisBackend(t, clock)
	reader := attachRedisBackend(t, mr, clock)

	writer.CreateSession(ctx, "u1", "c1")
	// the reconnecting client lands on another process
	require.NotNil(t, reader.GetSession(ctx, "c1"))
	sub := reader.Subscribe(ctx, "c1")
	defer sub.Unsubscribe()

	writer.AddChunk(ctx, "c1", "from A", "")
	ev := nextEvent(t, sub)
	require.Equal(t, "from A", ev.Chunk.Content)
	require.Equal(t, uint64(0), ev.Chunk.Index)

	writer.CompleteSession(ctx, "c1")
	done := nextEvent(t, sub)
	require.True(t, done.Final)
	require.Equal(t, stream.StatusCompleted, done.Status)
}

func TestRedisSessionLayout(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t, newFakeClock())

	b.CreateSession(ctx, "u1", "c1")
	b.AddChunk(ctx, "c1", "Hello", "")
	b.Flush()

	require.True(t, mr.Exists("session:c1"))
	require.Equal(t, "u1", mr.HGet("session:c1", "userId"))
	require.Equal(t, "streaming", mr.HGet("session:c1", "status"))
	require.Equal(t, "1", mr.HGet("session:c1", "chunkCount"))
	require.Greater(t, mr.TTL("session:c1"), time.Duration(0))
	require.Greater(t, mr.TTL("chunks:c1"), time.Duration(0))

	items, err := mr.List("chunks:c1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	var c stream.Chunk
	require.NoError(t, json.Unmarshal([]byte(items[0]), &c))
	require.Equal(t, "Hello", c.Content)
}

func TestRedisDegradesWhenServerIsDown(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t, newFakeClock())
	b.CreateSession(ctx, "u1", "c1")
	b.Flush()

	mr.Close()
	require.False(t, b.AddChunk(ctx, "c1", "lost", ""))
	require.False(t, b.Connected())

	// every call now answers immediately without touching the network
	require.Nil(t, b.GetSession(ctx, "c1"))
	require.Nil(t, b.GetReconnectData(ctx, "c1"))
	require.Nil(t, b.CreateSession(ctx, "u1", "c2"))
	require.False(t, b.CompleteSession(ctx, "c1"))
	require.Equal(t, 0, b.Sweep(ctx, time.Now()))
	require.Equal(t, 0, b.Stats(ctx).ActiveSessions)
}

func TestRedisReconnectsAfterOutage(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t, newFakeClock())
	b.CreateSession(ctx, "u1", "c1")

	mr.Close()
	require.False(t, b.AddChunk(ctx, "c1", "lost", ""))
	require.NoError(t, mr.Restart())

	require.Eventually(t, b.Connected, 2*time.Second, 10*time.Millisecond)
	require.True(t, b.AddChunk(ctx, "c1", "back", ""))
}

func TestRedisReconnectGivesUp(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b := NewRedisBackend(ctx, client, RedisOptions{
		OpTimeout: 200 * time.Millisecond,
		Backoff:   Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 2},
	})
	t.Cleanup(func() { _ = b.Close() })

	mr.Close()
	b.CreateSession(ctx, "u1", "c1")
	require.Eventually(t, b.guard.abandoned.Load, 2*time.Second, 5*time.Millisecond)
	require.False(t, b.Connected())
}

func TestRedisDispatchIgnoresMalformedMessages(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t, newFakeClock())
	b.CreateSession(ctx, "u1", "c1")
	sub := b.Subscribe(ctx, "c1")
	defer sub.Unsubscribe()

	b.dispatch(&redis.Message{Channel: "streaming:chunk:c1", Payload: "{not json"})
	b.dispatch(&redis.Message{Channel: "streaming:complete:c1", Payload: `{"status":"streaming"}`})
	b.dispatch(&redis.Message{Channel: "elsewhere:c1", Payload: "{}"})
	requireNoEvent(t, sub, 50*time.Millisecond)

	b.dispatch(&redis.Message{Channel: "streaming:chunk:c1", Payload: `{"index":7,"content":"ok","timestamp":1}`})
	ev := nextEvent(t, sub)
	require.Equal(t, uint64(7), ev.Chunk.Index)
}

func TestRedisLedgerSortsOutOfOrderEntries(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t, newFakeClock())
	b.CreateSession(ctx, "u1", "c1")

	for _, raw := range []string{
		`{"index":1,"content":" world","timestamp":2}`,
		`{"index":0,"content":"Hello","timestamp":1}`,
		`{"index":1,"content":" world","timestamp":2}`,
		`garbage`,
	} {
		_, err := mr.Push("chunks:c1", raw)
		require.NoError(t, err)
	}

	s := b.GetSession(ctx, "c1")
	require.Len(t, s.Chunks, 2)
	content, _ := stream.JoinChunks(s.Chunks)
	require.Equal(t, "Hello world", content)
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	require.Equal(t, time.Second, b.Delay(0))
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 16*time.Second, b.Delay(4))
	require.Equal(t, 30*time.Second, b.Delay(5))
	require.Equal(t, 30*time.Second, b.Delay(40))
}

func TestParseChannel(t *testing.T) {
	kind, id := parseChannel("streaming:chunk:abc:def")
	require.Equal(t, channelChunk, kind)
	require.Equal(t, "abc:def", id)

	kind, id = parseChannel("streaming:complete:abc")
	require.Equal(t, channelComplete, kind)
	require.Equal(t, "abc", id)

	kind, _ = parseChannel("streaming:chunk:")
	require.Equal(t, channelUnknown, kind)
	kind, _ = parseChannel("other")
	require.Equal(t, channelUnknown, kind)
}
