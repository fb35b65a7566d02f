package routes

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"verto/core/types"
	"verto/gateway/middleware"
	"verto/gateway/watcher"
	"verto/gateway/webhooks"
)

func tokenFor(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scopes,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type createdWebhook struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit"`
	Active    bool   `json:"active"`
}

func TestGatewayWebhookRegistration(t *testing.T) {
	f := newGatewayFixture(t)
	ops := map[string]string{"Authorization": "Bearer " + token(t, middleware.ScopeEscrowWrite)}
	other := map[string]string{"Authorization": "Bearer " + tokenFor(t, "someone", middleware.ScopeEscrowWrite)}
	readOnly := map[string]string{"Authorization": "Bearer " + token(t, middleware.ScopeEscrowRead)}

	body := []byte(`{"eventType":"escrow.funded","url":"https://hooks.example/escrow"}`)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/webhooks", body, readOnly).Code)

	res := f.do(t, http.MethodPost, "/v1/webhooks", body, ops)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var created createdWebhook
	decode(t, res, &created)
	require.Positive(t, created.ID)
	require.Len(t, created.Secret, 64, "a signing secret is generated when none is supplied")
	require.Equal(t, 60, created.RateLimit)
	require.True(t, created.Active)

	invalid := []string{
		`{"eventType":"escrow.exploded","url":"https://hooks.example"}`,
		`{"eventType":"escrow.funded","url":"ftp://hooks.example"}`,
		`{"eventType":"escrow.funded","url":"/relative"}`,
		`{"eventType":"","url":"https://hooks.example"}`,
		`{"eventType":"*","url":"https://hooks.example","rateLimit":-1}`,
		`{"eventType":"*","url":"https://hooks.example","extra":true}`,
	}
	for _, raw := range invalid {
		res := f.do(t, http.MethodPost, "/v1/webhooks", []byte(raw), ops)
		require.Equal(t, http.StatusBadRequest, res.Code, raw)
	}

	res = f.do(t, http.MethodGet, "/v1/webhooks", nil, ops)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotContains(t, res.Body.String(), created.Secret, "listings never echo the secret")
	var listed struct {
		Webhooks []createdWebhook `json:"webhooks"`
	}
	decode(t, res, &listed)
	require.Len(t, listed.Webhooks, 1)

	res = f.do(t, http.MethodGet, "/v1/webhooks", nil, other)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"webhooks":[]}`, res.Body.String())

	path := "/v1/webhooks/" + strconv.FormatInt(created.ID, 10)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, nil, other).Code)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, nil, ops).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/v1/webhooks/abc", nil, ops).Code)

	subs, err := f.store.ListWebhooksForEvent(context.Background(), "escrow.funded")
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestGatewayWebhookDeliveryFromMirror(t *testing.T) {
	f := newGatewayFixture(t)
	ops := map[string]string{"Authorization": "Bearer " + token(t, middleware.ScopeEscrowWrite)}

	var (
		mu        sync.Mutex
		delivered []map[string]interface{}
		secret    = "receiver-secret"
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !webhooks.Verify(secret, raw, r.Header.Get(webhooks.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		delivered = append(delivered, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)

	reg := `{"eventType":"escrow.funded","url":"` + receiver.URL + `","secret":"` + secret + `"}`
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/webhooks", []byte(reg), ops).Code)

	freelancer := f.freelancer.PubKey().Address().Array()
	ops["Idempotency-Key"] = "c"
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/transactions",
		f.signed(t, types.TxTypeEscrowCreate, types.EscrowCreatePayload{Freelancer: freelancer, Amount: big.NewInt(40)}), ops).Code)
	ops["Idempotency-Key"] = "f"
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/transactions",
		f.signed(t, types.TxTypeEscrowFund, types.EscrowIDPayload{ID: 0}), ops).Code)
	_, _, err := f.node.ProduceBlock()
	require.NoError(t, err)

	queue := webhooks.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		webhooks.NewWorker(f.store, queue, webhooks.WithHTTPClient(receiver.Client())).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = watcher.New(f.client, f.store, watcher.WithNotifier(queue)).Sync(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "escrow.funded", delivered[0]["type"])
	require.Equal(t, "0", delivered[0]["escrowId"])
	stamp, ok := delivered[0]["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, stamp)
	require.NoError(t, err)
}
