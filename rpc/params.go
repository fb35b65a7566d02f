package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"verto/crypto"
)

type addressParams struct {
	Address string `json:"address"`
}

type idParams struct {
	ID json.RawMessage `json:"id"`
}

type hashParams struct {
	Hash string `json:"hash"`
}

type eventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type queryParams struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func decodeParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object required")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}

func parseAddressParam(raw string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr, nil
}

// parseEscrowID accepts the id as a JSON number or a decimal string.
func parseEscrowID(raw json.RawMessage) (uint64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, fmt.Errorf("id required")
	}
	trimmed = strings.Trim(trimmed, `"`)
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %s", string(raw))
	}
	return id, nil
}
