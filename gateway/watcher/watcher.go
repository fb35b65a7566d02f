package watcher

import (
	"context"
	"log/slog"
	"time"

	"verto/gateway/store"
	"verto/gateway/webhooks"
	"verto/observability/metrics"
	"verto/rpc"
)

// EventSource is the part of the node client the watcher needs.
type EventSource interface {
	EventsSince(ctx context.Context, after uint64, limit int) (*rpc.EventsResult, error)
}

// Notifier receives every event the watcher newly stores.
type Notifier interface {
	Enqueue(evt webhooks.Event)
}

// EventWatcher copies the node event log into the gateway store. It resumes
// from the stored cursor and drains every available page on each tick.
type EventWatcher struct {
	node         EventSource
	store        *store.SQLiteStore
	metrics      *metrics.MirrorMetrics
	notifier     Notifier
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

type Option func(*EventWatcher)

func WithInterval(d time.Duration) Option {
	return func(w *EventWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *EventWatcher) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithMetrics(m *metrics.MirrorMetrics) Option {
	return func(w *EventWatcher) { w.metrics = m }
}

// WithNotifier forwards newly stored events, typically to the webhook queue.
func WithNotifier(n Notifier) Option {
	return func(w *EventWatcher) { w.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *EventWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func New(node EventSource, st *store.SQLiteStore, opts ...Option) *EventWatcher {
	w := &EventWatcher{
		node:         node,
		store:        st,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
		batchSize:    200,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Sync(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("event mirror poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync pulls pages until the node reports no newer events and returns the
// number of events stored.
func (w *EventWatcher) Sync(ctx context.Context) (int, error) {
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		return 0, err
	}
	stored := 0
	for {
		page, err := w.node.EventsSince(ctx, after, w.batchSize)
		if err != nil {
			w.metrics.RecordPollFailure()
			return stored, err
		}
		if len(page.Events) == 0 {
			return stored, nil
		}
		batch := make([]store.StoredEvent, 0, len(page.Events))
		now := w.nowFn()
		for _, evt := range page.Events {
			batch = append(batch, store.StoredEvent{
				Sequence:   evt.Sequence,
				Height:     evt.Height,
				TxHash:     evt.TxHash,
				Type:       evt.Type,
				Attributes: evt.Attributes,
				CreatedAt:  now,
			})
		}
		cursor, err := w.store.InsertEvents(ctx, batch)
		if err != nil {
			return stored, err
		}
		for _, evt := range batch {
			if evt.Sequence > after {
				w.metrics.RecordMirrored(evt.Type, evt.Sequence)
				w.notify(evt)
				stored++
			}
		}
		if cursor <= after {
			return stored, nil
		}
		after = cursor
		if len(page.Events) < w.batchSize {
			return stored, nil
		}
	}
}

func (w *EventWatcher) notify(evt store.StoredEvent) {
	if w.notifier == nil {
		return
	}
	w.notifier.Enqueue(webhooks.Event{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		EscrowID:   evt.Attributes["id"],
		Attributes: evt.Attributes,
		CreatedAt:  evt.CreatedAt,
	})
}
