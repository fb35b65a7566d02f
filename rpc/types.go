package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"

	"verto/core/types"
	"verto/native/escrow"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeDuplicateTx    = -32010
	codeRateLimited    = -32020
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// EscrowErrorData is attached to escrow failures so clients can branch on
// the numeric escrow code.
type EscrowErrorData struct {
	Code   uint32 `json:"code,omitempty"`
	TxHash string `json:"txHash,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// escrowRPCCode maps an escrow code to its JSON-RPC error code. Zero means
// the failure was not coded.
func escrowRPCCode(code uint32) int {
	switch escrow.Code(code) {
	case escrow.CodeInvalidAmount, escrow.CodeSelfEscrow:
		return codeEscrowInvalidParams
	case escrow.CodeEscrowNotFound, escrow.CodeNotFound:
		return codeEscrowNotFound
	case escrow.CodeUnauthorized, escrow.CodeNotOwner:
		return codeEscrowForbidden
	case escrow.CodeAlreadyFunded, escrow.CodeNotFunded, escrow.CodeAlreadyCompleted,
		escrow.CodeAlreadyDisputed, escrow.CodeInvalidStatus:
		return codeEscrowConflict
	default:
		return codeEscrowInternal
	}
}

// BalanceResponse reports the native balance and nonce of an account.
type BalanceResponse struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
	Nonce   uint64   `json:"nonce"`
}

// SendTransactionResult acknowledges a queued transaction.
type SendTransactionResult struct {
	Hash string `json:"hash"`
}

// EventsResult is one page of the event log.
type EventsResult struct {
	Events []EventJSON `json:"events"`
	// Next is the cursor for the following page.
	Next uint64 `json:"next"`
}

// EventJSON mirrors core.EventRecord on the wire.
type EventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	TxHash     string            `json:"txHash,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// ReceiptResult is a receipt with its numeric status spelled out.
type ReceiptResult struct {
	*types.Receipt
	Status string `json:"status"`
}

func receiptResult(r *types.Receipt) *ReceiptResult {
	if r == nil {
		return nil
	}
	status := "failed"
	if r.Success {
		status = "success"
	}
	return &ReceiptResult{Receipt: r, Status: status}
}

// HTTPStatus maps err from Client to the HTTP status a REST relay should
// answer with. Errors that are not *RPCError are treated as upstream
// failures.
func HTTPStatus(err error) int {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return http.StatusBadGateway
	}
	switch rpcErr.Code {
	case codeParseError, codeInvalidRequest, codeInvalidParams, codeEscrowInvalidParams:
		return http.StatusBadRequest
	case codeEscrowNotFound:
		return http.StatusNotFound
	case codeEscrowForbidden:
		return http.StatusForbidden
	case codeEscrowConflict, codeDuplicateTx:
		return http.StatusConflict
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
