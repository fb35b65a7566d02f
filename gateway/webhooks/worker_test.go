package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"verto/gateway/store"
)

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type receiver struct {
	mu       sync.Mutex
	secret   string
	failures int32
	calls    atomic.Int32
	bodies   []webhookBody
	badSigs  int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := r.calls.Add(1)
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	if !Verify(r.secret, body, req.Header.Get(SignatureHeader)) {
		r.badSigs++
	}
	var decoded webhookBody
	_ = json.Unmarshal(body, &decoded)
	r.bodies = append(r.bodies, decoded)
	r.mu.Unlock()
	if n <= r.failures {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWorkerRetriesUntilDelivered(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	recv := &receiver{secret: "shh", failures: 1}
	srv := httptest.NewServer(recv)
	t.Cleanup(srv.Close)

	id, err := st.InsertWebhook(ctx, store.WebhookSubscription{Principal: "ops", EventType: "escrow.funded", URL: srv.URL, Secret: "shh", Active: true})
	require.NoError(t, err)
	_, err = st.InsertWebhook(ctx, store.WebhookSubscription{Principal: "ops", EventType: "escrow.released", URL: srv.URL, Secret: "shh", Active: true})
	require.NoError(t, err)

	queue := NewQueue()
	startWorker(t, NewWorker(st, queue, WithHTTPClient(srv.Client()), WithBackoff(10*time.Millisecond, 20*time.Millisecond)))
	queue.Enqueue(Event{
		Sequence:   4,
		Type:       "escrow.funded",
		EscrowID:   "0",
		Attributes: map[string]string{"id": "0", "amount": "300"},
		CreatedAt:  time.Unix(1700000000, 0),
	})

	require.Eventually(t, func() bool {
		attempts, err := st.WebhookAttempts(ctx, id)
		return err == nil && len(attempts) == 2
	}, 3*time.Second, 20*time.Millisecond)

	attempts, err := st.WebhookAttempts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, attempts[0].Status)
	require.Equal(t, "502 Bad Gateway", attempts[0].Error)
	require.False(t, attempts[0].NextAttempt.IsZero())
	require.Equal(t, 1, attempts[0].Attempt)
	require.Equal(t, StatusSuccess, attempts[1].Status)
	require.Equal(t, 2, attempts[1].Attempt)
	require.EqualValues(t, 4, attempts[1].EventSequence)

	recv.mu.Lock()
	defer recv.mu.Unlock()
	require.Zero(t, recv.badSigs)
	require.Len(t, recv.bodies, 2, "only the funded subscription is called")
	require.Equal(t, "escrow.funded", recv.bodies[1].Type)
	require.Equal(t, "0", recv.bodies[1].EscrowID)
	require.Equal(t, "300", recv.bodies[1].Attributes["amount"])
}

func TestWorkerAbandonsAfterMaxAttempts(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	recv := &receiver{secret: "k", failures: 100}
	srv := httptest.NewServer(recv)
	t.Cleanup(srv.Close)

	id, err := st.InsertWebhook(ctx, store.WebhookSubscription{Principal: "ops", EventType: store.WildcardEventType, URL: srv.URL, Secret: "k", Active: true})
	require.NoError(t, err)

	queue := NewQueue()
	startWorker(t, NewWorker(st, queue, WithHTTPClient(srv.Client()), WithMaxAttempts(3), WithBackoff(5*time.Millisecond, 10*time.Millisecond)))
	queue.Enqueue(Event{Sequence: 1, Type: "escrow.created", CreatedAt: time.Now()})

	require.Eventually(t, func() bool {
		attempts, err := st.WebhookAttempts(ctx, id)
		return err == nil && len(attempts) == 3
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	attempts, err := st.WebhookAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.True(t, attempts[2].NextAttempt.IsZero(), "final attempt schedules nothing")
	require.EqualValues(t, 3, recv.calls.Load())
}

func TestWorkerBackoffIsCapped(t *testing.T) {
	w := NewWorker(nil, nil)
	require.Equal(t, time.Second, w.backoff(1))
	require.Equal(t, 2*time.Second, w.backoff(2))
	require.Equal(t, 16*time.Second, w.backoff(5))
	require.Equal(t, 5*time.Minute, w.backoff(40))
}

func TestWorkerRateLimitDefersDelivery(t *testing.T) {
	w := NewWorker(nil, nil)
	sub := &store.WebhookSubscription{ID: 1, RateLimit: 2}
	now := time.Unix(1700000000, 0)
	require.Zero(t, w.reserve(sub, now))
	require.Zero(t, w.reserve(sub, now))
	delay := w.reserve(sub, now)
	require.Greater(t, delay, time.Duration(0))
	require.LessOrEqual(t, delay, 30*time.Second)
	require.Zero(t, w.reserve(sub, now.Add(delay)), "a deferred reservation does not consume budget")
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"type":"escrow.created"}`)
	sig := Sign("secret", body)
	require.True(t, Verify("secret", body, sig))
	require.False(t, Verify("other", body, sig))
	require.False(t, Verify("secret", body, "zz"))
}
