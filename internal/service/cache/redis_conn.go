package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backoff describes the reconnection schedule: Initial, doubled per attempt,
// capped at Max, abandoned after Attempts tries.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second, Attempts: 5}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	return b
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// redisGuard bounds every call with a timeout and flips to a disconnected state on
// failure. While disconnected, calls fail fast with ErrUnavailable and a single
// reconnection loop probes the server with PING.
type redisGuard struct {
	client  redis.UniversalClient
	timeout time.Duration
	backoff Backoff

	connected    atomic.Bool
	reconnecting atomic.Bool
	abandoned    atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRedisGuard(client redis.UniversalClient, timeout time.Duration, backoff Backoff) *redisGuard {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	g := &redisGuard{
		client:  client,
		timeout: timeout,
		backoff: backoff.withDefaults(),
		stop:    make(chan struct{}),
	}
	g.connected.Store(true)
	return g
}

// Connected reports whether calls are currently attempted.
func (g *redisGuard) Connected() bool { return g.connected.Load() }

// do runs fn with the per-call timeout. redis.Nil passes through untouched.
func (g *redisGuard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.connected.Load() {
		return ErrUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if ctx.Err() != nil {
		// the caller went away; the server is not to blame
		return ctx.Err()
	}
	log.Warn().Err(err).Str("component", "redis").Str("op", op).Msg("redis call failed, marking backend disconnected")
	g.markDown()
	return errors.Wrapf(err, "redis %s", op)
}

func (g *redisGuard) markDown() {
	if !g.connected.CompareAndSwap(true, false) {
		return
	}
	select {
	case <-g.stop:
		return
	default:
	}
	if !g.reconnecting.CompareAndSwap(false, true) {
		return
	}
	g.wg.Add(1)
	go g.reconnectLoop()
}

func (g *redisGuard) reconnectLoop() {
	defer g.wg.Done()

	for attempt := 0; attempt < g.backoff.Attempts; attempt++ {
		delay := g.backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-g.stop:
			timer.Stop()
			g.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		err := g.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			g.reconnecting.Store(false)
			g.connected.Store(true)
			log.Info().Str("component", "redis").Int("attempt", attempt+1).Msg("redis reconnected")
			return
		}
		log.Warn().Err(err).Str("component", "redis").
			Int("attempt", attempt+1).Dur("delay", delay).
			Msg("redis reconnect attempt failed")
	}
	g.abandoned.Store(true)
	g.reconnecting.Store(false)
	log.Error().Str("component", "redis").Int("attempts", g.backoff.Attempts).
		Msg("giving up on redis reconnection, streaming cache stays degraded")
}

func (g *redisGuard) close() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}
