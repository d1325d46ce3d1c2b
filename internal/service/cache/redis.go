package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// appendScript assigns the next chunk index atomically. It returns -1 when the
// session hash is missing and -2 when the session already finished.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'streaming' then
	return -2
end
local n = redis.call('HINCRBY', KEYS[1], 'chunkCount', 1)
redis.call('HSET', KEYS[1], 'lastActivity', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return n - 1
`)

// finishScript moves a streaming session to a terminal status. It returns -1 for
// a missing session, 0 when the session is already terminal and 1 on transition.
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'streaming' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'lastActivity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// touchScript refreshes lastActivity without resurrecting a deleted session.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'lastActivity', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return 1
`)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Options
	OpTimeout         time.Duration
	KeyTTL            time.Duration
	Backoff           Backoff
	PersistRetries    int
	PersistRetryDelay time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	o.Options = o.Options.withDefaults()
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.KeyTTL <= 0 {
		o.KeyTTL = DefaultKeyTTL
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.PersistRetries < 0 {
		o.PersistRetries = 0
	}
	if o.PersistRetryDelay <= 0 {
		o.PersistRetryDelay = 200 * time.Millisecond
	}
	return o
}

type completion struct {
	Status stream.Status `json:"status"`
}

// RedisBackend stores ledgers in Redis and relays updates between processes over
// pub/sub. Subscriber sets stay local to each process.
type RedisBackend struct {
	client  redis.UniversalClient
	guard   *redisGuard
	broker  *Broker
	persist *persister
	opts    RedisOptions

	pubsub   *redis.PubSub
	listenWG sync.WaitGroup
}

// NewRedisBackend takes ownership of client. An unreachable server does not fail
// construction; the backend starts degraded and reconnects in the background.
func NewRedisBackend(ctx context.Context, client redis.UniversalClient, opts RedisOptions) *RedisBackend {
	opts = opts.withDefaults()
	guard := newRedisGuard(client, opts.OpTimeout, opts.Backoff)
	b := &RedisBackend{
		client:  client,
		guard:   guard,
		broker:  NewBroker(opts.SubscriberBuffer),
		persist: newPersister(guard, opts.KeyTTL, opts.PersistRetries, opts.PersistRetryDelay),
		opts:    opts,
	}

	if err := guard.do(ctx, "ping", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("backend", "redis").
			Msg("redis unreachable at startup, running degraded")
	}
	b.listen(ctx)
	return b
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) listen(ctx context.Context) {
	b.pubsub = b.client.PSubscribe(context.WithoutCancel(ctx), chunkChannelPattern, completeChannelPattern)
	if b.guard.Connected() {
		recvCtx, cancel := context.WithTimeout(ctx, b.opts.OpTimeout)
		if _, err := b.pubsub.Receive(recvCtx); err != nil {
			log.Warn().Err(err).Str("component", "cache").Msg("pattern subscription not confirmed")
		}
		cancel()
	}

	ch := b.pubsub.Channel()
	b.listenWG.Add(1)
	go func() {
		defer b.listenWG.Done()
		for msg := range ch {
			b.dispatch(msg)
		}
	}()
}

func (b *RedisBackend) dispatch(msg *redis.Message) {
	kind, id := parseChannel(msg.Channel)
	switch kind {
	case channelChunk:
		var chunk stream.Chunk
		if err := json.Unmarshal([]byte(msg.Payload), &chunk); err != nil {
			log.Warn().Err(err).Str("component", "cache").Str("channel", msg.Channel).Msg("dropping malformed chunk message")
			return
		}
		b.broker.Publish(id, chunk)
	case channelComplete:
		var c completion
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || !c.Status.Terminal() {
			log.Warn().Err(err).Str("component", "cache").Str("channel", msg.Channel).Msg("dropping malformed completion message")
			return
		}
		b.broker.Complete(id, c.Status)
	default:
		log.Debug().Str("component", "cache").Str("channel", msg.Channel).Msg("ignoring message on unknown channel")
	}
}

func (b *RedisBackend) CreateSession(ctx context.Context, userID, conversationID string) *stream.Session {
	now := b.opts.Now()
	b.persist.discard(conversationID)
	// readers of the previous turn would misread the restarted indices
	b.broker.Drop(conversationID)

	err := b.guard.do(ctx, "create session", func(ctx context.Context) error {
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, sessionKey(conversationID), chunksKey(conversationID))
			pipe.HSet(ctx, sessionKey(conversationID), map[string]any{
				"userId":         userID,
				"conversationId": conversationID,
				"status":         string(stream.StatusStreaming),
				"startTime":      now.UnixMilli(),
				"lastActivity":   now.UnixMilli(),
				"chunkCount":     0,
			})
			pipe.Expire(ctx, sessionKey(conversationID), b.opts.KeyTTL)
			return nil
		})
		return err
	})
	if err != nil {
		b.logDegraded(err, "create session", conversationID)
		return nil
	}

	log.Debug().Str("component", "cache").Str("backend", "redis").
		Str("conversation_id", conversationID).Str("user_id", userID).
		Msg("session created")
	return &stream.Session{
		UserID:         userID,
		ConversationID: conversationID,
		Status:         stream.StatusStreaming,
		StartTime:      time.UnixMilli(now.UnixMilli()),
		LastActivity:   time.UnixMilli(now.UnixMilli()),
		Chunks:         []stream.Chunk{},
	}
}

func (b *RedisBackend) AddChunk(ctx context.Context, conversationID, content, reasoning string) bool {
	now := b.opts.Now()
	var index int64
	err := b.guard.do(ctx, "append chunk", func(ctx context.Context) error {
		v, err := appendScript.Run(ctx, b.client, []string{sessionKey(conversationID)},
			now.UnixMilli(), b.ttlSeconds()).Int64()
		index = v
		return err
	})
	if err != nil {
		b.logDegraded(err, "append chunk", conversationID)
		return false
	}
	if index < 0 {
		return false
	}

	chunk := stream.Chunk{
		Index:     uint64(index),
		Content:   content,
		Reasoning: reasoning,
		Timestamp: now.UnixMilli(),
	}
	b.persist.enqueue(conversationID, chunk)

	payload, err := json.Marshal(chunk)
	if err != nil {
		log.Error().Err(err).Str("component", "cache").Str("conversation_id", conversationID).Msg("failed to encode chunk")
		return true
	}
	if err := b.guard.do(ctx, "publish chunk", func(ctx context.Context) error {
		return b.client.Publish(ctx, chunkChannel(conversationID), payload).Err()
	}); err != nil {
		// pub/sub is unreachable, keep this process's viewers fed
		b.broker.Publish(conversationID, chunk)
	}
	return true
}

func (b *RedisBackend) Subscribe(ctx context.Context, conversationID string) *Subscription {
	var exists int64
	err := b.guard.do(ctx, "check session", func(ctx context.Context) error {
		v, err := b.client.Exists(ctx, sessionKey(conversationID)).Result()
		exists = v
		return err
	})
	if err != nil {
		b.logDegraded(err, "subscribe", conversationID)
		return newInertSubscription(conversationID)
	}
	if exists == 0 {
		return newInertSubscription(conversationID)
	}
	return b.broker.Subscribe(conversationID)
}

func (b *RedisBackend) GetSession(ctx context.Context, conversationID string) *stream.Session {
	var fields map[string]string
	var raw []string
	err := b.guard.do(ctx, "get session", func(ctx context.Context) error {
		pipe := b.client.Pipeline()
		h := pipe.HGetAll(ctx, sessionKey(conversationID))
		l := pipe.LRange(ctx, chunksKey(conversationID), 0, -1)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		fields = h.Val()
		raw = l.Val()
		return nil
	})
	if err != nil {
		b.logDegraded(err, "get session", conversationID)
		return nil
	}
	if len(fields) == 0 {
		return nil
	}

	session := decodeSession(fields)
	session.ConversationID = conversationID
	session.Chunks = decodeChunks(conversationID, raw)

	now := b.opts.Now()
	if err := b.guard.do(ctx, "touch session", func(ctx context.Context) error {
		return touchScript.Run(ctx, b.client,
			[]string{sessionKey(conversationID), chunksKey(conversationID)},
			now.UnixMilli(), b.ttlSeconds()).Err()
	}); err == nil {
		session.LastActivity = time.UnixMilli(now.UnixMilli())
	}
	return session
}

func (b *RedisBackend) CompleteSession(ctx context.Context, conversationID string) bool {
	return b.finish(ctx, conversationID, stream.StatusCompleted)
}

func (b *RedisBackend) ErrorSession(ctx context.Context, conversationID string) bool {
	return b.finish(ctx, conversationID, stream.StatusError)
}

func (b *RedisBackend) finish(ctx context.Context, conversationID string, status stream.Status) bool {
	// land the ledger before the terminal status becomes visible
	b.persist.flush(conversationID, b.opts.OpTimeout)

	now := b.opts.Now()
	var res int64
	err := b.guard.do(ctx, "finish session", func(ctx context.Context) error {
		v, err := finishScript.Run(ctx, b.client, []string{sessionKey(conversationID)},
			string(status), now.UnixMilli(), b.ttlSeconds()).Int64()
		res = v
		return err
	})
	if err != nil {
		b.logDegraded(err, "finish session", conversationID)
		return false
	}
	switch res {
	case -1:
		return false
	case 0:
		return true
	}

	payload, _ := json.Marshal(completion{Status: status})
	if err := b.guard.do(ctx, "publish completion", func(ctx context.Context) error {
		return b.client.Publish(ctx, completeChannel(conversationID), payload).Err()
	}); err != nil {
		b.broker.Complete(conversationID, status)
	}
	log.Debug().Str("component", "cache").Str("backend", "redis").
		Str("conversation_id", conversationID).Str("status", string(status)).
		Msg("session finished")
	return true
}

func (b *RedisBackend) DeleteSession(ctx context.Context, conversationID string) bool {
	b.persist.discard(conversationID)
	var n int64
	err := b.guard.do(ctx, "delete session", func(ctx context.Context) error {
		v, err := b.client.Del(ctx, sessionKey(conversationID), chunksKey(conversationID)).Result()
		n = v
		return err
	})
	b.broker.Drop(conversationID)
	if err != nil {
		b.logDegraded(err, "delete session", conversationID)
		return false
	}
	return n > 0
}

func (b *RedisBackend) GetReconnectData(ctx context.Context, conversationID string) *stream.ReconnectData {
	return stream.NewReconnectData(b.GetSession(ctx, conversationID))
}

func (b *RedisBackend) Stats(ctx context.Context) stream.Stats {
	stats := stream.Stats{Backend: b.Name(), Sessions: []stream.SessionStats{}}
	keys, err := b.scanSessions(ctx)
	if err != nil || len(keys) == 0 {
		return stats
	}

	hashes := make([]*redis.MapStringStringCmd, len(keys))
	lens := make([]*redis.IntCmd, len(keys))
	err = b.guard.do(ctx, "stats", func(ctx context.Context) error {
		pipe := b.client.Pipeline()
		for i, key := range keys {
			id := conversationFromSessionKey(key)
			hashes[i] = pipe.HGetAll(ctx, key)
			lens[i] = pipe.LLen(ctx, chunksKey(id))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		b.logDegraded(err, "stats", "")
		return stats
	}

	for i, key := range keys {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			continue
		}
		s := decodeSession(fields)
		id := conversationFromSessionKey(key)
		stats.Sessions = append(stats.Sessions, stream.SessionStats{
			ConversationID: id,
			UserID:         s.UserID,
			Status:         s.Status,
			ChunkCount:     int(lens[i].Val()),
			Subscribers:    b.broker.Count(id),
			StartTime:      s.StartTime,
			LastActivity:   s.LastActivity,
		})
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].StartTime.Before(stats.Sessions[j].StartTime)
	})
	stats.ActiveSessions = len(stats.Sessions)
	return stats
}

func (b *RedisBackend) Sweep(ctx context.Context, now time.Time) int {
	keys, err := b.scanSessions(ctx)
	if err != nil || len(keys) == 0 {
		return 0
	}

	last := make([]*redis.StringCmd, len(keys))
	err = b.guard.do(ctx, "sweep read", func(ctx context.Context) error {
		pipe := b.client.Pipeline()
		for i, key := range keys {
			last[i] = pipe.HGet(ctx, key, "lastActivity")
		}
		_, err := pipe.Exec(ctx)
		if err == redis.Nil {
			return nil
		}
		return err
	})
	if err != nil {
		b.logDegraded(err, "sweep", "")
		return 0
	}

	evicted := 0
	for i, key := range keys {
		ms, perr := strconv.ParseInt(last[i].Val(), 10, 64)
		if perr != nil || !idle(now, time.UnixMilli(ms), b.opts.Retention) {
			continue
		}
		id := conversationFromSessionKey(key)
		if b.DeleteSession(ctx, id) {
			evicted++
		}
	}
	return evicted
}

// Flush waits until every queued chunk has been persisted or dropped.
func (b *RedisBackend) Flush() {
	b.persist.wait()
}

// Connected reports whether the backend currently talks to Redis.
func (b *RedisBackend) Connected() bool {
	return b.guard.Connected()
}

func (b *RedisBackend) Close() error {
	b.persist.closeAll(b.opts.OpTimeout)
	var firstErr error
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			firstErr = err
		}
	}
	b.listenWG.Wait()
	b.guard.close()
	b.broker.Close()
	if err := b.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *RedisBackend) scanSessions(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.guard.do(ctx, "scan sessions", func(ctx context.Context) error {
		iter := b.client.Scan(ctx, 0, sessionScanPattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		b.logDegraded(err, "scan sessions", "")
		return nil, err
	}
	return keys, nil
}

func (b *RedisBackend) ttlSeconds() int64 {
	return int64(b.opts.KeyTTL / time.Second)
}

func (b *RedisBackend) logDegraded(err error, op, conversationID string) {
	ev := log.Warn().Err(err).Str("component", "cache").Str("backend", "redis").Str("op", op)
	if conversationID != "" {
		ev = ev.Str("conversation_id", conversationID)
	}
	ev.Msg("redis operation degraded to no-op")
}

func decodeSession(fields map[string]string) *stream.Session {
	s := &stream.Session{
		UserID:         fields["userId"],
		ConversationID: fields["conversationId"],
		Status:         stream.Status(fields["status"]),
	}
	if !s.Status.Valid() {
		s.Status = stream.StatusStreaming
	}
	if ms, err := strconv.ParseInt(fields["startTime"], 10, 64); err == nil {
		s.StartTime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["lastActivity"], 10, 64); err == nil {
		s.LastActivity = time.UnixMilli(ms)
	}
	return s
}

func decodeChunks(conversationID string, raw []string) []stream.Chunk {
	chunks := make([]stream.Chunk, 0, len(raw))
	for _, item := range raw {
		var c stream.Chunk
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			log.Warn().Err(err).Str("component", "cache").Str("conversation_id", conversationID).
				Msg("skipping undecodable ledger entry")
			continue
		}
		chunks = append(chunks, c)
	}
	return stream.SortChunks(chunks)
}
