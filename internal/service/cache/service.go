package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// Service is the process-wide streaming cache: one backend plus its sweeper.
// Build it once at startup and Close it exactly once at shutdown.
type Service struct {
	Backend
	sweeper *Sweeper

	closeOnce sync.Once
	closeErr  error
}

// NewService wraps an already constructed backend.
func NewService(backend Backend, sweepInterval time.Duration) *Service {
	return &Service{
		Backend: backend,
		sweeper: NewSweeper(backend, sweepInterval, nil),
	}
}

// Open selects the backend from configuration: Redis when a connection is
// configured, in-memory otherwise.
func Open(ctx context.Context, cfg config.CacheConfig) (*Service, error) {
	opts := Options{
		Retention:        cfg.Retention,
		SubscriberBuffer: cfg.SubscriberBuffer,
	}

	if !cfg.RedisEnabled() {
		log.Info().Str("component", "cache").Str("backend", "memory").Msg("using in-process streaming cache")
		return NewService(NewMemoryBackend(opts), cfg.SweepInterval), nil
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, errors.Wrap(err, "configure redis")
	}
	client := redis.NewClient(redisOpts)
	backend := NewRedisBackend(ctx, client, RedisOptions{
		Options:   opts,
		OpTimeout: cfg.OpTimeout,
		KeyTTL:    cfg.KeyTTL,
		Backoff: Backoff{
			Initial:  DefaultBackoff.Initial,
			Max:      DefaultBackoff.Max,
			Attempts: cfg.ReconnectAttempts,
		},
		PersistRetries: 3,
	})
	log.Info().Str("component", "cache").Str("backend", "redis").Str("addr", redisOpts.Addr).
		Bool("connected", backend.Connected()).Msg("using redis streaming cache")
	return NewService(backend, cfg.SweepInterval), nil
}

// Start launches background work. ctx bounds the sweeper's lifetime.
func (s *Service) Start(ctx context.Context) {
	s.sweeper.Start(ctx)
}

// Sweeper exposes the sweeper for manual runs.
func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

// Close stops the sweeper and releases the backend. Later calls return the
// first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.sweeper.Stop()
		s.closeErr = s.Backend.Close()
		log.Info().Str("component", "cache").Str("backend", s.Backend.Name()).Msg("streaming cache closed")
	})
	return s.closeErr
}
