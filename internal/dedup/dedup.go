// Package dedup merges the polling and webhook event streams into a single
// ordered queue keyed by (repo, PR number). Duplicate submissions coalesce
// into one pending entry, and a key never has more than one processing task
// in flight.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/renobot/renobot/internal/logging"
)

// Source identifies which stream reported a PR.
type Source string

const (
	SourcePoll  Source = "poll"
	SourceEvent Source = "event"
)

// Key identifies a pull request across both streams.
type Key struct {
	Repo   string // owner/name
	Number int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Repo, k.Number)
}

// Item is a dequeued work item with every source that coalesced into it.
type Item struct {
	Key     Key
	Sources map[Source]bool
}

// Stats is a point-in-time queue view.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Coalesced int64 `json:"coalesced"`
	Dropped   int64 `json:"dropped"`
}

// DefaultCapacity bounds the pending queue.
const DefaultCapacity = 1024

type pending struct {
	key     Key
	sources map[Source]bool
}

// Queue is the dedup queue. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	order    []*pending
	queued   map[Key]*pending
	inflight map[Key]bool

	coalesced int64
	dropped   int64

	capacity int
	signal   chan struct{}
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides the queue bound.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// New creates an empty dedup queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		queued:   make(map[Key]*pending),
		inflight: make(map[Key]bool),
		capacity: DefaultCapacity,
		signal:   make(chan struct{}, 1),
		logger:   logging.WithComponent("dedup"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues a key from a source. A key already queued or in flight
// coalesces into the existing entry instead of duplicating work. When the
// queue is full the oldest pending entry is dropped to make room.
func (q *Queue) Submit(key Key, source Source) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.queued[key]; ok {
		p.sources[source] = true
		q.coalesced++
		return
	}
	if q.inflight[key] {
		q.coalesced++
		return
	}

	if len(q.order) >= q.capacity {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.queued, oldest.key)
		q.dropped++
		q.logger.Warn("queue full, dropped oldest entry",
			slog.String("dropped", oldest.key.String()),
			slog.String("submitted", key.String()),
		)
	}

	p := &pending{key: key, sources: map[Source]bool{source: true}}
	q.order = append(q.order, p)
	q.queued[key] = p

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a work item is available or ctx is done. The returned
// item's key is marked in flight; the worker must call Done when finished.
func (q *Queue) Next(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			p := q.order[0]
			q.order = q.order[1:]
			delete(q.queued, p.key)
			q.inflight[p.key] = true
			remaining := len(q.order)
			q.mu.Unlock()
			if remaining > 0 {
				// Wake another waiter; Submit's single-slot signal may have
				// been consumed by us.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return Item{Key: p.key, Sources: p.sources}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Done releases a key's in-flight mark.
func (q *Queue) Done(key Key) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// Stats returns counters for metrics and the health endpoint.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:    len(q.order),
		InFlight:  len(q.inflight),
		Coalesced: q.coalesced,
		Dropped:   q.dropped,
	}
}
