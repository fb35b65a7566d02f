package webhooks

import (
	"context"
	"sync"
	"time"

	"verto/gateway/store"
	"verto/observability/metrics"
)

// Event is one mirrored escrow event awaiting fan-out to subscribers.
type Event struct {
	Sequence   uint64
	Type       string
	EscrowID   string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Task is a queued unit of work. A task without a subscription still has to
// be expanded into one task per matching subscription.
type Task struct {
	Event        Event
	Subscription *store.WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

type historyEntry struct {
	event      Event
	enqueuedAt time.Time
}

const (
	DefaultTaskCapacity    = 1024
	DefaultHistoryCapacity = 256
	DefaultQueueTTL        = 15 * time.Minute
)

// Drop reasons reported through gateway_webhook_dropped_total.
const (
	DropOverflow        = "overflow"
	DropTTL             = "ttl"
	DropHistoryOverflow = "history_overflow"
	DropHistoryTTL      = "history_ttl"
)

type queueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	metrics         *metrics.WebhookMetrics
	now             func() time.Time
}

type QueueOption func(*queueConfig)

// WithTaskCapacity bounds the number of pending tasks. The oldest task is
// dropped when the queue is full.
func WithTaskCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity sets how many recent events Events reports.
func WithHistoryCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTTL sets how long a queued item stays eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithQueueMetrics(m *metrics.WebhookMetrics) QueueOption {
	return func(cfg *queueConfig) { cfg.metrics = m }
}

// withClock overrides the clock used for TTL evaluation.
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue holds webhook tasks prior to delivery. It is bounded in both size and
// age so that an unreachable subscriber cannot grow gateway memory.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	history ring[historyEntry]
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.WebhookMetrics
}

func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		taskCapacity:    DefaultTaskCapacity,
		historyCapacity: DefaultHistoryCapacity,
		ttl:             DefaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[queuedTask](cfg.taskCapacity),
		history: newRing[historyEntry](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: cfg.metrics,
	}
}

// Enqueue schedules evt for fan-out.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if task.Subscription == nil {
		if _, dropped := q.history.push(historyEntry{event: task.Event, enqueuedAt: now}); dropped {
			q.metrics.RecordDropped(DropHistoryOverflow, 1)
		}
	}
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.RecordDropped(DropOverflow, 1)
	}
	q.metrics.SetQueueDepth(q.tasks.len())
}

// Events returns the recently enqueued events, oldest first.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	out := make([]Event, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		out = append(out, entry.event)
	})
	return out
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue waits for the next task whose NotBefore has passed. It returns
// false once ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.metrics.SetQueueDepth(q.tasks.len())
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.RecordDropped(DropTTL, 1)
			continue
		}
		return queued.task, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	q.metrics.RecordDropped(DropTTL, expired)

	historyExpired := 0
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
		historyExpired++
	}
	q.metrics.RecordDropped(DropHistoryTTL, historyExpired)
}

// ring is a fixed-size buffer that overwrites its oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether an element was discarded to make room.
func (r *ring[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
