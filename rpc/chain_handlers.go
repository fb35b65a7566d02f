package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"verto/core"
	"verto/core/types"
	"verto/crypto"
	"verto/mempool"
	"verto/observability"
)

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if authErr := s.requireAuth(r); authErr != nil {
		observability.RPC().RecordThrottle("unauthorized")
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return authErr.Code
	}
	now := time.Now()
	source := s.clientSource(r)
	if !s.allowSource(source, now) {
		observability.RPC().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "transaction rate limit exceeded", source)
		return codeRateLimited
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction parameter required", nil)
		return codeInvalidParams
	}
	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return codeInvalidParams
	}
	hashBytes, err := tx.Hash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to hash transaction", err.Error())
		return codeServerError
	}
	hash := hexHash(hashBytes)
	if !s.rememberTx(hash, now) {
		writeError(w, http.StatusConflict, req.ID, codeDuplicateTx, "transaction has already been submitted", hash)
		return codeDuplicateTx
	}
	if _, err := s.node.SubmitTransaction(&tx); err != nil {
		s.forgetTx(hash)
		switch {
		case errors.Is(err, mempool.ErrPoolFull):
			writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "mempool is full", nil)
			return codeServerError
		case errors.Is(err, mempool.ErrDuplicate):
			writeError(w, http.StatusConflict, req.ID, codeDuplicateTx, "transaction already pending", hash)
			return codeDuplicateTx
		default:
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction rejected", err.Error())
			return codeInvalidParams
		}
	}
	s.logger.Debug("transaction queued", "hash", hash, "type", tx.Type.String(), "source", source)
	writeResult(w, req.ID, SendTransactionResult{Hash: hash})
	return 0
}

func (s *Server) handleSimulateTransaction(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction parameter required", nil)
		return codeInvalidParams
	}
	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return codeInvalidParams
	}
	result, err := s.node.SimulateTransaction(&tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction rejected", err.Error())
		return codeInvalidParams
	}
	receipt := result.Receipt
	if !receipt.Success {
		code := escrowRPCCode(receipt.Code)
		writeError(w, http.StatusOK, req.ID, code, receipt.Error, EscrowErrorData{
			Code:   receipt.Code,
			TxHash: hexHash(receipt.TxHash),
		})
		return code
	}
	writeResult(w, req.ID, receiptResult(receipt))
	return 0
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params hashParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	hash, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Hash), "0x"))
	if err != nil || len(hash) != 32 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "hash must be 32 hex-encoded bytes", params.Hash)
		return codeInvalidParams
	}
	receipt, err := s.node.GetReceipt(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load receipt", err.Error())
		return codeServerError
	}
	if receipt == nil {
		writeResult(w, req.ID, nil)
		return 0
	}
	writeResult(w, req.ID, receiptResult(receipt))
	return 0
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params addressParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	addr, err := parseAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return codeServerError
	}
	writeResult(w, req.ID, BalanceResponse{
		Address: crypto.FormatAddress(addr),
		Balance: account.Balance,
		Nonce:   account.Nonce,
	})
	return 0
}

func (s *Server) handleBlockNumber(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	writeResult(w, req.ID, s.node.GetHeight())
	return 0
}

func (s *Server) handleChainID(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	writeResult(w, req.ID, s.node.ChainID())
	return 0
}

func (s *Server) handleGetBlockByNumber(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params struct {
		Height *uint64 `json:"height"`
	}
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	height := s.node.GetHeight()
	if params.Height != nil {
		height = *params.Height
	}
	if height > s.node.GetHeight() {
		writeResult(w, req.ID, nil)
		return 0
	}
	block, err := s.node.GetBlockByHeight(height)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load block", err.Error())
		return codeServerError
	}
	writeResult(w, req.ID, block)
	return 0
}

func (s *Server) handleQueryState(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params queryParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	result, err := s.node.QueryState(params.Namespace, params.Key)
	switch {
	case errors.Is(err, core.ErrQueryNotFound):
		writeResult(w, req.ID, nil)
		return 0
	case errors.Is(err, core.ErrQueryNotSupported):
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "namespace not supported", params.Namespace)
		return codeInvalidParams
	case err != nil:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	writeResult(w, req.ID, result)
	return 0
}

func (s *Server) handleEventsSince(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params eventsParams
	if len(req.Params) > 0 {
		if err := decodeParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return codeInvalidParams
		}
	}
	if params.Limit < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "limit must not be negative", nil)
		return codeInvalidParams
	}
	records, err := s.node.EventsSince(params.After, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load events", err.Error())
		return codeServerError
	}
	result := EventsResult{Events: make([]EventJSON, 0, len(records)), Next: params.After}
	for _, record := range records {
		result.Events = append(result.Events, eventJSON(record))
		result.Next = record.Sequence
	}
	writeResult(w, req.ID, result)
	return 0
}

func eventJSON(record core.EventRecord) EventJSON {
	out := EventJSON{
		Sequence:   record.Sequence,
		Height:     record.Height,
		Type:       record.Type,
		Attributes: record.Attributes,
	}
	if len(record.TxHash) > 0 {
		out.TxHash = hexHash(record.TxHash)
	}
	return out
}
