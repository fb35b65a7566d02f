package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"verto/core/types"
	"verto/crypto"
	"verto/native/escrow"
)

// Client calls a vertod JSON-RPC endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient returns a client for endpoint. token, when set, is sent as a
// bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient replaces the transport; tests pass httptest clients.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Call invokes method and decodes the result into out. JSON-RPC failures are
// returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req := struct {
		JSONRPC string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
		ID      int64         `json:"id"`
	}{JSONRPC: jsonRPCVersion, Method: method, Params: []interface{}{}, ID: c.nextID.Add(1)}
	if params != nil {
		req.Params = append(req.Params, params)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxRequestBytes*8))
	if err != nil {
		return fmt.Errorf("rpc %s: read response: %w", method, err)
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("rpc %s: decode response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// SendTransaction queues a signed transaction and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	var result SendTransactionResult
	if err := c.Call(ctx, "verto_sendTransaction", tx, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// SimulateTransaction dry-runs tx against committed state.
func (c *Client) SimulateTransaction(ctx context.Context, tx *types.Transaction) (*ReceiptResult, error) {
	var result ReceiptResult
	if err := c.Call(ctx, "verto_simulateTransaction", tx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetReceipt returns nil while the transaction is pending or unknown.
func (c *Client) GetReceipt(ctx context.Context, hash string) (*ReceiptResult, error) {
	var result *ReceiptResult
	if err := c.Call(ctx, "verto_getReceipt", hashParams{Hash: hash}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// WaitForReceipt polls GetReceipt until the transaction is included.
func (c *Client) WaitForReceipt(ctx context.Context, hash string, interval time.Duration) (*ReceiptResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.GetReceipt(ctx, hash)
		if err != nil || receipt != nil {
			return receipt, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) GetBalance(ctx context.Context, addr [20]byte) (*BalanceResponse, error) {
	var result BalanceResponse
	if err := c.Call(ctx, "verto_getBalance", addressParams{Address: crypto.FormatAddress(addr)}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.Call(ctx, "verto_blockNumber", nil, &height)
	return height, err
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var id uint64
	err := c.Call(ctx, "verto_chainId", nil, &id)
	return id, err
}

// Escrow returns nil when id does not exist.
func (c *Client) Escrow(ctx context.Context, id uint64) (*escrow.View, error) {
	var view *escrow.View
	if err := c.Call(ctx, "escrow_get", map[string]uint64{"id": id}, &view); err != nil {
		return nil, err
	}
	return view, nil
}

func (c *Client) EscrowCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := c.Call(ctx, "escrow_count", nil, &count)
	return count, err
}

func (c *Client) EscrowTreasury(ctx context.Context) (string, error) {
	var treasury string
	err := c.Call(ctx, "escrow_treasury", nil, &treasury)
	return treasury, err
}

func (c *Client) EscrowOwner(ctx context.Context) (string, error) {
	var owner string
	err := c.Call(ctx, "escrow_owner", nil, &owner)
	return owner, err
}

func (c *Client) EscrowReviewExpired(ctx context.Context, id uint64) (bool, error) {
	var result reviewExpiredResult
	if err := c.Call(ctx, "escrow_isReviewExpired", map[string]uint64{"id": id}, &result); err != nil {
		return false, err
	}
	return result.Expired, nil
}

func (c *Client) EscrowsFor(ctx context.Context, addr [20]byte) ([]escrow.View, error) {
	var views []escrow.View
	err := c.Call(ctx, "escrow_listByParticipant", addressParams{Address: crypto.FormatAddress(addr)}, &views)
	return views, err
}

// EventsSince returns up to limit events after the cursor.
func (c *Client) EventsSince(ctx context.Context, after uint64, limit int) (*EventsResult, error) {
	var result EventsResult
	if err := c.Call(ctx, "events_since", eventsParams{After: after, Limit: limit}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
