package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"verto/core/types"
	"verto/crypto"
	"verto/native/escrow"
)

// QueryResult carries the JSON encoding of a single state value.
type QueryResult struct {
	Value json.RawMessage `json:"value"`
}

// QueryRecord is one key/value pair of a prefix query.
type QueryRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// SimulationResult is the outcome of a transaction applied against pending
// state and then discarded.
type SimulationResult struct {
	Receipt *types.Receipt `json:"receipt"`
}

// ErrQueryNotSupported indicates the requested namespace/path is not handled by the state router.
var ErrQueryNotSupported = errors.New("query: not supported")

// ErrQueryNotFound indicates the key addressed no stored value.
var ErrQueryNotFound = errors.New("query: not found")

// QueryState resolves key inside namespace. Namespaces are "account"
// (address), "escrow" (decimal id) and "treasury" (empty key).
func (n *Node) QueryState(namespace, key string) (*QueryResult, error) {
	ns := strings.TrimSpace(strings.ToLower(namespace))
	path := strings.TrimSpace(key)
	switch ns {
	case "account":
		addr, err := crypto.ParseAddress(path)
		if err != nil {
			return nil, err
		}
		account, err := n.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		return encodeQueryValue(account)
	case "escrow":
		id, err := strconv.ParseUint(path, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("escrow id %q: %w", path, err)
		}
		rec, err := n.Escrow(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrQueryNotFound
		}
		return encodeQueryValue(escrow.NewView(rec))
	case "treasury":
		treasury, err := n.EscrowTreasury()
		if err != nil {
			return nil, err
		}
		return encodeQueryValue(crypto.FormatAddress(treasury))
	default:
		return nil, ErrQueryNotSupported
	}
}

// QueryPrefix lists the records under prefix. Only the "escrow" namespace
// supports it, keyed by participant address.
func (n *Node) QueryPrefix(namespace, prefix string) ([]QueryRecord, error) {
	if strings.TrimSpace(strings.ToLower(namespace)) != "escrow" {
		return nil, ErrQueryNotSupported
	}
	addr, err := crypto.ParseAddress(prefix)
	if err != nil {
		return nil, err
	}
	records, err := n.EscrowsFor(addr)
	if err != nil {
		return nil, err
	}
	out := make([]QueryRecord, 0, len(records))
	for _, rec := range records {
		encoded, err := json.Marshal(escrow.NewView(rec))
		if err != nil {
			return nil, err
		}
		out = append(out, QueryRecord{Key: strconv.FormatUint(rec.ID, 10), Value: encoded})
	}
	return out, nil
}

// SimulateTransaction applies tx on top of committed state at the next
// height and discards every write. The nonce must match the account.
func (n *Node) SimulateTransaction(tx *types.Transaction) (*SimulationResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.state.Discard()

	n.processor.BeginBlock(n.nowFn().Unix())
	receipt, err := n.processor.SimulateTransaction(tx, n.chain.GetHeight()+1)
	if err != nil {
		return nil, err
	}
	return &SimulationResult{Receipt: receipt}, nil
}

func encodeQueryValue(v interface{}) (*QueryResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Value: encoded}, nil
}
