package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"verto/core"
	"verto/core/genesis"
	"verto/core/types"
	"verto/crypto"
	"verto/native/escrow"
	"verto/storage"
)

const testChainID = 4242

type rpcFixture struct {
	node       *core.Node
	server     *Server
	http       *httptest.Server
	client     *Client
	payer      *crypto.PrivateKey
	freelancer *crypto.PrivateKey
	nonce      uint64
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func newRPCFixture(t *testing.T, cfg ServerConfig) *rpcFixture {
	t.Helper()
	payer, freelancer, operator := mustKey(t), mustKey(t), mustKey(t)
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	spec := genesis.DevSpec(operator.PubKey().Address().Array(), big.NewInt(1), testChainID)
	spec.Alloc[crypto.FormatAddress(payer.PubKey().Address().Array())] = "5000"
	node, err := core.NewNode(db, operator, core.Options{ChainID: testChainID, Genesis: spec, MaxTxsPerBlock: 10, MempoolLimit: 10})
	require.NoError(t, err)

	server := NewServer(node, cfg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &rpcFixture{
		node:       node,
		server:     server,
		http:       ts,
		client:     NewClient(ts.URL, cfg.AuthToken).WithHTTPClient(ts.Client()),
		payer:      payer,
		freelancer: freelancer,
	}
}

func (f *rpcFixture) signed(t *testing.T, txType types.TxType, payload interface{}) *types.Transaction {
	t.Helper()
	tx, err := types.NewTransaction(testChainID, txType, f.nonce, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(f.payer.PrivateKey))
	f.nonce++
	return tx
}

func rawCall(t *testing.T, url, body string, headers map[string]string) (*http.Response, RPCResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleRejectsMalformedRequests(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})

	resp, decoded := rawCall(t, f.http.URL, "{not json", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeParseError, decoded.Error.Code)

	_, decoded = rawCall(t, f.http.URL, `{"jsonrpc":"2.0","method":"nope","id":1}`, nil)
	require.Equal(t, codeMethodNotFound, decoded.Error.Code)

	_, decoded = rawCall(t, f.http.URL, `{"jsonrpc":"1.0","method":"verto_blockNumber","id":1}`, nil)
	require.Equal(t, codeInvalidRequest, decoded.Error.Code)

	getResp, err := http.Get(f.http.URL)
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{MaxBodyBytes: 64})
	body := `{"jsonrpc":"2.0","method":"verto_blockNumber","id":1,"pad":"` + strings.Repeat("x", 128) + `"}`
	resp, decoded := rawCall(t, f.http.URL, body, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, codeInvalidRequest, decoded.Error.Code)
}

func TestSendTransactionRequiresToken(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{AuthToken: "s3cret"})
	tx := f.signed(t, types.TxTypeTransfer, types.TransferPayload{To: f.freelancer.PubKey().Address().Array(), Amount: big.NewInt(1)})
	raw, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": "verto_sendTransaction", "params": []interface{}{tx}, "id": 1})
	require.NoError(t, err)

	resp, decoded := rawCall(t, f.http.URL, string(raw), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, codeUnauthorized, decoded.Error.Code)

	_, decoded = rawCall(t, f.http.URL, string(raw), map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, codeUnauthorized, decoded.Error.Code)

	hash, err := f.client.SendTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "0x"))
}

func TestSendTransactionRejectsDuplicates(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	tx := f.signed(t, types.TxTypeTransfer, types.TransferPayload{To: f.freelancer.PubKey().Address().Array(), Amount: big.NewInt(1)})
	ctx := context.Background()

	_, err := f.client.SendTransaction(ctx, tx)
	require.NoError(t, err)
	_, err = f.client.SendTransaction(ctx, tx)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	require.Equal(t, codeDuplicateTx, rpcErr.Code)
}

func TestSendTransactionRateLimited(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{RateLimitPerSecond: 0.001, RateLimitBurst: 1})
	ctx := context.Background()
	first := f.signed(t, types.TxTypeTransfer, types.TransferPayload{To: f.freelancer.PubKey().Address().Array(), Amount: big.NewInt(1)})
	second := f.signed(t, types.TxTypeTransfer, types.TransferPayload{To: f.freelancer.PubKey().Address().Array(), Amount: big.NewInt(1)})

	_, err := f.client.SendTransaction(ctx, first)
	require.NoError(t, err)
	_, err = f.client.SendTransaction(ctx, second)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	require.Equal(t, codeRateLimited, rpcErr.Code)
}

func TestClientSourceIgnoresForwardedForWhenNotTrusted(t *testing.T) {
	server := NewServer(nil, ServerConfig{TrustProxyHeaders: true, TrustedProxies: []string{"10.0.0.1"}})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "10.0.0.5", server.clientSource(req))

	req.RemoteAddr = "10.0.0.1:1234"
	require.Equal(t, "203.0.113.9", server.clientSource(req))
}

func TestEscrowFlowOverRPC(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx := context.Background()
	payer := f.payer.PubKey().Address().Array()
	freelancer := f.freelancer.PubKey().Address().Array()

	create := f.signed(t, types.TxTypeEscrowCreate, types.EscrowCreatePayload{Freelancer: freelancer, Amount: big.NewInt(1200)})
	createHash, err := f.client.SendTransaction(ctx, create)
	require.NoError(t, err)
	fund := f.signed(t, types.TxTypeEscrowFund, types.EscrowIDPayload{ID: 0})
	_, err = f.client.SendTransaction(ctx, fund)
	require.NoError(t, err)

	pending, err := f.client.GetReceipt(ctx, createHash)
	require.NoError(t, err)
	require.Nil(t, pending)

	_, _, err = f.node.ProduceBlock()
	require.NoError(t, err)

	receipt, err := f.client.GetReceipt(ctx, createHash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, "success", receipt.Status)

	view, err := f.client.Escrow(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "funded", view.Status)
	require.Equal(t, "1200", view.Amount)

	missing, err := f.client.Escrow(ctx, 99)
	require.NoError(t, err)
	require.Nil(t, missing)

	count, err := f.client.EscrowCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	owner, err := f.client.EscrowOwner(ctx)
	require.NoError(t, err)
	require.Equal(t, crypto.FormatAddress(escrow.PolicyAddress()), owner)

	expired, err := f.client.EscrowReviewExpired(ctx, 0)
	require.NoError(t, err)
	require.False(t, expired)

	listed, err := f.client.EscrowsFor(ctx, payer)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	balance, err := f.client.GetBalance(ctx, payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3800), balance.Balance)
	require.Equal(t, uint64(2), balance.Nonce)

	page, err := f.client.EventsSince(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, escrow.EventTypeEscrowCreated, page.Events[0].Type)
	rest, err := f.client.EventsSince(ctx, page.Next, 0)
	require.NoError(t, err)
	require.NotEmpty(t, rest.Events)
	require.Equal(t, page.Next+1, rest.Events[0].Sequence)
}

func TestSimulateMapsEscrowCodes(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx := context.Background()

	release := f.signed(t, types.TxTypeEscrowRelease, types.EscrowIDPayload{ID: 7})
	_, err := f.client.SimulateTransaction(ctx, release)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	require.Equal(t, codeEscrowNotFound, rpcErr.Code)
	data, ok := rpcErr.Data.(map[string]interface{})
	require.True(t, ok, "unexpected data %T", rpcErr.Data)
	require.Equal(t, float64(escrow.CodeEscrowNotFound), data["code"])

	f.nonce = 0
	self := f.signed(t, types.TxTypeEscrowCreate, types.EscrowCreatePayload{Freelancer: f.payer.PubKey().Address().Array(), Amount: big.NewInt(1)})
	_, err = f.client.SimulateTransaction(ctx, self)
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, codeEscrowInvalidParams, rpcErr.Code)
}

func TestEscrowRPCCodeTable(t *testing.T) {
	cases := map[escrow.Code]int{
		escrow.CodeInvalidAmount:    codeEscrowInvalidParams,
		escrow.CodeSelfEscrow:       codeEscrowInvalidParams,
		escrow.CodeEscrowNotFound:   codeEscrowNotFound,
		escrow.CodeUnauthorized:     codeEscrowForbidden,
		escrow.CodeNotOwner:         codeEscrowForbidden,
		escrow.CodeAlreadyFunded:    codeEscrowConflict,
		escrow.CodeAlreadyDisputed:  codeEscrowConflict,
		escrow.CodeInvalidStatus:    codeEscrowConflict,
		escrow.CodeAlreadyCompleted: codeEscrowConflict,
	}
	for code, want := range cases {
		if got := escrowRPCCode(uint32(code)); got != want {
			t.Fatalf("code %d: got %d want %d", code, got, want)
		}
	}
	if got := escrowRPCCode(0); got != codeEscrowInternal {
		t.Fatalf("uncoded failure: got %d", got)
	}
}

func TestEscrowGetRejectsBadID(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	_, decoded := rawCall(t, f.http.URL, `{"jsonrpc":"2.0","method":"escrow_get","params":[{"id":"abc"}],"id":1}`, nil)
	require.Equal(t, codeEscrowInvalidParams, decoded.Error.Code)

	_, decoded = rawCall(t, f.http.URL, `{"jsonrpc":"2.0","method":"escrow_get","params":[{"id":"0"}],"id":1}`, nil)
	require.Nil(t, decoded.Error)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health["status"])

	_, err = f.client.BlockNumber(context.Background())
	require.NoError(t, err)
	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, buf.String(), "verto_rpc")
}

func TestServeAndShutdown(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Start("127.0.0.1:0") }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.server.serverMu.Lock()
		ready := f.server.httpServer != nil
		f.server.serverMu.Unlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.server.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}
