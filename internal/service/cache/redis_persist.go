package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// persister writes chunks to the ledger list in the background so that storage
// latency never stalls publication. Each session gets one ordered queue.
type persister struct {
	guard      *redisGuard
	keyTTL     time.Duration
	retries    int
	retryDelay time.Duration

	mu       sync.Mutex
	queues   map[string]*persistQueue
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

type persistQueue struct {
	convID string

	mu      sync.Mutex
	pending []stream.Chunk
	closing bool

	wake chan struct{}
	done chan struct{}
}

func newPersister(guard *redisGuard, keyTTL time.Duration, retries int, retryDelay time.Duration) *persister {
	return &persister{
		guard:      guard,
		keyTTL:     keyTTL,
		retries:    retries,
		retryDelay: retryDelay,
		queues:     make(map[string]*persistQueue),
	}
}

func (p *persister) enqueue(convID string, chunk stream.Chunk) {
	p.mu.Lock()
	q, ok := p.queues[convID]
	if !ok {
		q = &persistQueue{
			convID: convID,
			wake:   make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
		p.queues[convID] = q
		p.wg.Add(1)
		go p.run(q)
	}
	p.inflight.Add(1)
	q.mu.Lock()
	q.pending = append(q.pending, chunk)
	q.mu.Unlock()
	p.mu.Unlock()
	q.signal()
}

// flush stops accepting chunks for convID and waits up to timeout for the
// queued ones to be written.
func (p *persister) flush(convID string, timeout time.Duration) {
	q := p.detach(convID)
	if q == nil {
		return
	}
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
		log.Warn().Str("component", "persist").Str("conversation_id", convID).
			Msg("timed out waiting for chunk persistence")
	}
}

// discard drops whatever is still queued for convID.
func (p *persister) discard(convID string) {
	q := p.detach(convID)
	if q == nil {
		return
	}
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.closing = true
	q.mu.Unlock()
	p.inflight.Add(-dropped)
	q.signal()
}

func (p *persister) closeAll(timeout time.Duration) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.queues))
	for id := range p.queues {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.flush(id, timeout)
	}
	p.wg.Wait()
}

// wait blocks until every queued chunk has been written or dropped.
func (p *persister) wait() {
	p.inflight.Wait()
}

func (p *persister) detach(convID string) *persistQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[convID]
	delete(p.queues, convID)
	return q
}

func (q *persistQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run(q *persistQueue) {
	defer p.wg.Done()
	defer close(q.done)

	for range q.wake {
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closing := q.closing
			q.mu.Unlock()

			if len(batch) > 0 {
				p.write(q.convID, batch)
				p.inflight.Add(-len(batch))
				continue
			}
			if closing {
				return
			}
			break
		}
	}
}

func (p *persister) write(convID string, batch []stream.Chunk) {
	values := make([]any, 0, len(batch))
	for _, c := range batch {
		raw, err := json.Marshal(c)
		if err != nil {
			log.Error().Err(err).Str("component", "persist").Str("conversation_id", convID).
				Uint64("index", c.Index).Msg("failed to encode chunk")
			continue
		}
		values = append(values, raw)
	}
	if len(values) == 0 {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * p.retryDelay)
		}
		lastErr = p.guard.do(context.Background(), "persist chunks", func(ctx context.Context) error {
			_, err := p.guard.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, chunksKey(convID), values...)
				pipe.Expire(ctx, chunksKey(convID), p.keyTTL)
				return nil
			})
			return err
		})
		if lastErr == nil {
			return
		}
	}
	log.Error().Err(lastErr).Str("component", "persist").Str("conversation_id", convID).
		Int("chunks", len(values)).Msg("dropping chunks after persistence retries")
}
