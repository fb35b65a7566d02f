package routes

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"verto/core/types"
	"verto/crypto"
	"verto/gateway/middleware"
	"verto/gateway/store"
)

const (
	headerIdempotencyKey     = "Idempotency-Key"
	transactionsRequestLimit = 1 << 20 // 1 MiB
	anonymousPrincipal       = "anonymous"
)

type submitResponse struct {
	Hash   string `json:"hash"`
	Sender string `json:"sender"`
	Type   string `json:"type"`
	Nonce  uint64 `json:"nonce"`
}

// submitTransaction relays a pre-signed transaction to the node. Responses
// are cached under (subject, Idempotency-Key) so that retries return the
// first outcome instead of a duplicate-transaction error.
func (a *api) submitTransaction(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Subject(r.Context())
	if principal == "" {
		principal = anonymousPrincipal
	}
	body, err := readBody(r)
	if err != nil {
		a.respond(w, r, principal, body, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		a.respond(w, r, principal, body, http.StatusBadRequest, errorBody{Error: "missing Idempotency-Key header"})
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := a.store.LookupIdempotency(r.Context(), principal, key, requestHash)
	switch {
	case errors.Is(err, store.ErrIdempotencyMismatch):
		a.respond(w, r, principal, body, http.StatusConflict, errorBody{Error: err.Error()})
		return
	case err != nil:
		a.respond(w, r, principal, body, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	case cached != nil:
		a.mirror.RecordIdempotentReplay()
		w.Header().Set("Idempotent-Replayed", "true")
		a.respondRaw(w, r, principal, body, cached.Status, cached.Body)
		return
	}

	tx, err := decodeTransaction(body)
	if err != nil {
		a.respond(w, r, principal, body, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	sender, err := tx.Sender()
	if err != nil {
		a.respond(w, r, principal, body, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid signature: %v", err)})
		return
	}

	ctx, cancel := a.nodeContext(r)
	defer cancel()
	hash, err := a.node.SendTransaction(ctx, tx)
	if err != nil {
		status, errBody := nodeErrorBody(err)
		payload, _ := json.Marshal(errBody)
		// Upstream failures are retryable; only definitive rejections are cached.
		if status < http.StatusInternalServerError {
			a.saveIdempotency(r, principal, key, requestHash, status, payload)
		}
		a.respondRaw(w, r, principal, body, status, payload)
		return
	}
	payload, err := json.Marshal(submitResponse{
		Hash:   hash,
		Sender: crypto.FormatAddress(sender),
		Type:   tx.Type.String(),
		Nonce:  tx.Nonce,
	})
	if err != nil {
		a.respond(w, r, principal, body, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	a.saveIdempotency(r, principal, key, requestHash, http.StatusAccepted, payload)
	a.logger.Info("transaction relayed", "hash", hash, "type", tx.Type.String(), "principal", principal, "request_id", middleware.RequestID(r.Context()))
	a.respondRaw(w, r, principal, body, http.StatusAccepted, payload)
}

func (a *api) saveIdempotency(r *http.Request, principal, key, requestHash string, status int, payload []byte) {
	if err := a.store.SaveIdempotency(r.Context(), principal, key, requestHash, status, payload); err != nil {
		a.logger.Warn("idempotency cache write failed", "error", err, "key", key)
	}
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, principal string, requestBody []byte, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"encode response"}`)
	}
	a.respondRaw(w, r, principal, requestBody, status, payload)
}

func (a *api) respondRaw(w http.ResponseWriter, r *http.Request, principal string, requestBody []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	a.audit(r, principal, requestBody, status, payload)
}

func (a *api) audit(r *http.Request, principal string, requestBody []byte, status int, responseBody []byte) {
	entry := store.AuditEntry{
		RequestID:      middleware.RequestID(r.Context()),
		Principal:      principal,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      a.nowFn().UTC(),
	}
	if err := a.store.InsertAuditLog(r.Context(), entry); err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, transactionsRequestLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > transactionsRequestLimit {
		return nil, fmt.Errorf("request body exceeds %d bytes", transactionsRequestLimit)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("request body is empty")
	}
	return data, nil
}

func decodeTransaction(body []byte) (*types.Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var tx types.Transaction
	if err := dec.Decode(&tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if !tx.Type.Valid() {
		return nil, fmt.Errorf("unsupported transaction type %d", tx.Type)
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, errors.New("transaction is not signed")
	}
	return &tx, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
