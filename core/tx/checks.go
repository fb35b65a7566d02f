package tx

import (
	"errors"
	"fmt"

	"verto/core/types"
)

var (
	ErrWrongChain   = errors.New("tx: chain id mismatch")
	ErrUnknownType  = errors.New("tx: unknown transaction type")
	ErrEmptyPayload = errors.New("tx: empty payload")
)

// MaxPayloadBytes bounds the encoded payload accepted at admission.
const MaxPayloadBytes = 4096

// CheckBasic runs the stateless admission checks shared by RPC submission
// and block application: chain id, type, payload bounds and a recoverable
// signature. It returns the recovered sender.
func CheckBasic(transaction *types.Transaction, chainID uint64) ([20]byte, error) {
	var sender [20]byte
	if transaction == nil {
		return sender, fmt.Errorf("tx: nil transaction")
	}
	if transaction.ChainID != chainID {
		return sender, fmt.Errorf("%w: got %d want %d", ErrWrongChain, transaction.ChainID, chainID)
	}
	if !transaction.Type.Valid() {
		return sender, fmt.Errorf("%w: %s", ErrUnknownType, transaction.Type)
	}
	if len(transaction.Payload) == 0 {
		return sender, ErrEmptyPayload
	}
	if len(transaction.Payload) > MaxPayloadBytes {
		return sender, fmt.Errorf("tx: payload of %d bytes exceeds %d", len(transaction.Payload), MaxPayloadBytes)
	}
	return transaction.Sender()
}
