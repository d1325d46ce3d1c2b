package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type sweepTarget interface {
	Name() string
	Sweep(ctx context.Context, now time.Time) int
}

// Sweeper periodically evicts sessions idle past the retention window.
type Sweeper struct {
	target   sweepTarget
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSweeper(target sweepTarget, interval time.Duration, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{target: target, interval: interval, now: now}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// RunOnce performs a single sweep as of now.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) int {
	evicted := s.target.Sweep(ctx, now)
	if evicted > 0 {
		log.Info().Str("component", "sweeper").Str("backend", s.target.Name()).
			Int("evicted", evicted).Msg("evicted idle streaming sessions")
	}
	return evicted
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, s.now())
		}
	}
}
