package rpc

import (
	"net/http"

	"verto/crypto"
	"verto/native/escrow"
)

type reviewExpiredResult struct {
	ID      uint64 `json:"id"`
	Expired bool   `json:"expired"`
}

func (s *Server) escrowIDParam(w http.ResponseWriter, req *RPCRequest) (uint64, bool) {
	var params idParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, err.Error(), nil)
		return 0, false
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, err.Error(), nil)
		return 0, false
	}
	return id, true
}

func writeEscrowInternal(w http.ResponseWriter, req *RPCRequest, err error) int {
	writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "escrow query failed", EscrowErrorData{Detail: err.Error()})
	return codeEscrowInternal
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	id, ok := s.escrowIDParam(w, req)
	if !ok {
		return codeEscrowInvalidParams
	}
	rec, err := s.node.Escrow(id)
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	if rec == nil {
		writeResult(w, req.ID, nil)
		return 0
	}
	writeResult(w, req.ID, escrow.NewView(rec))
	return 0
}

func (s *Server) handleEscrowCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	count, err := s.node.EscrowCount()
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	writeResult(w, req.ID, count)
	return 0
}

func (s *Server) handleEscrowTreasury(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	treasury, err := s.node.EscrowTreasury()
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	writeResult(w, req.ID, crypto.FormatAddress(treasury))
	return 0
}

func (s *Server) handleEscrowOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	owner, err := s.node.EscrowStoreOwner()
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	writeResult(w, req.ID, crypto.FormatAddress(owner))
	return 0
}

func (s *Server) handleEscrowReviewExpired(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	id, ok := s.escrowIDParam(w, req)
	if !ok {
		return codeEscrowInvalidParams
	}
	expired, err := s.node.EscrowReviewExpired(id)
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	writeResult(w, req.ID, reviewExpiredResult{ID: id, Expired: expired})
	return 0
}

func (s *Server) handleEscrowList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params addressParams
	if err := decodeParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, err.Error(), nil)
		return codeEscrowInvalidParams
	}
	addr, err := parseAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, err.Error(), nil)
		return codeEscrowInvalidParams
	}
	records, err := s.node.EscrowsFor(addr)
	if err != nil {
		return writeEscrowInternal(w, req, err)
	}
	views := make([]escrow.View, 0, len(records))
	for _, rec := range records {
		views = append(views, escrow.NewView(rec))
	}
	writeResult(w, req.ID, views)
	return 0
}
