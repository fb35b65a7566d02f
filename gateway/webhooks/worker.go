package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"verto/gateway/store"
	"verto/observability/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body keyed by
// the subscription secret.
const SignatureHeader = "X-Webhook-Signature"

const (
	DefaultMaxAttempts     = 5
	DefaultDeliveryTimeout = 10 * time.Second

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 5 * time.Minute
)

// Delivery outcomes recorded per attempt.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Worker fans queued events out to subscriptions and delivers them.
type Worker struct {
	store       *store.SQLiteStore
	queue       *Queue
	client      *http.Client
	metrics     *metrics.WebhookMetrics
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	nowFn       func() time.Time

	rateMu   sync.Mutex
	limiters map[int64]*rate.Limiter
}

type WorkerOption func(*Worker)

func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.client = c
		}
	}
}

func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap on later ones.
func WithBackoff(base, ceiling time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.backoffBase = base
		}
		if ceiling > 0 {
			w.backoffMax = ceiling
		}
	}
}

func WithWorkerMetrics(m *metrics.WebhookMetrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorker(st *store.SQLiteStore, queue *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       st,
		queue:       queue,
		client:      &http.Client{Timeout: DefaultDeliveryTimeout},
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		nowFn:       time.Now,
		limiters:    make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.store == nil || w.queue == nil {
		return
	}
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expand(ctx, task)
			continue
		}
		w.deliver(ctx, task)
	}
}

func (w *Worker) expand(ctx context.Context, task Task) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Warn("list webhook subscriptions", "type", task.Event.Type, "sequence", task.Event.Sequence, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.enqueueTask(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	sub := task.Subscription
	if !sub.Active {
		return
	}
	now := w.nowFn()
	if delay := w.reserve(sub, now); delay > 0 {
		task.NotBefore = now.Add(delay)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := EncodePayload(task.Event)
	if err != nil {
		w.record(ctx, task, StatusError, err.Error(), time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.record(ctx, task, StatusError, err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.record(ctx, task, StatusSuccess, "", time.Time{})
}

func (w *Worker) retryLater(ctx context.Context, task Task, errMsg string) {
	attempt := task.Attempt + 1
	if attempt >= w.maxAttempts {
		w.record(ctx, task, StatusFailed, errMsg, time.Time{})
		w.logger.Warn("webhook delivery abandoned",
			"webhook", task.Subscription.ID,
			"sequence", task.Event.Sequence,
			"attempts", attempt,
			"error", errMsg)
		return
	}
	next := w.nowFn().Add(w.backoff(attempt))
	w.record(ctx, task, StatusFailed, errMsg, next)
	task.Attempt = attempt
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

// backoff doubles from the base delay per failed attempt up to the cap.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.backoffMax {
			return w.backoffMax
		}
	}
	if d > w.backoffMax {
		return w.backoffMax
	}
	return d
}

func (w *Worker) record(ctx context.Context, task Task, status, errMsg string, next time.Time) {
	w.metrics.RecordDelivery(status)
	attempt := store.WebhookAttempt{
		WebhookID:     task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     w.nowFn(),
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil && ctx.Err() == nil {
		w.logger.Warn("record webhook attempt", "webhook", task.Subscription.ID, "error", err)
	}
}

// reserve takes a token from the subscription's per-minute budget and returns
// how long the caller must wait before it may send. A positive wait leaves
// the budget untouched.
func (w *Worker) reserve(sub *store.WebhookSubscription, now time.Time) time.Duration {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	lim, ok := w.limiters[sub.ID]
	if !ok {
		perMinute := sub.RateLimit
		if perMinute <= 0 {
			perMinute = store.DefaultWebhookRateLimit
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		w.limiters[sub.ID] = lim
	}
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

type webhookBody struct {
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

// EncodePayload renders the JSON body posted to subscribers.
func EncodePayload(evt Event) ([]byte, error) {
	body, err := json.Marshal(webhookBody{
		Type:       evt.Type,
		Sequence:   evt.Sequence,
		EscrowID:   evt.EscrowID,
		Attributes: evt.Attributes,
		Timestamp:  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	return body, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
