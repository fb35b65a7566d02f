package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// TransferPayload moves native balance from the signer to To.
type TransferPayload struct {
	To     [20]byte
	Amount *big.Int
}

// EscrowCreatePayload opens an escrow with the signer as client. InvoiceHash
// is either empty or exactly 32 bytes.
type EscrowCreatePayload struct {
	Freelancer  [20]byte
	Amount      *big.Int
	InvoiceHash []byte
}

// EscrowIDPayload addresses an existing escrow.
type EscrowIDPayload struct {
	ID uint64
}

// EscrowResolvePayload settles a disputed escrow.
type EscrowResolvePayload struct {
	ID              uint64
	FavorFreelancer bool
}

// AddressPayload carries a single address (treasury or store owner).
type AddressPayload struct {
	Address [20]byte
}

// EncodePayload RLP encodes a transaction payload.
func EncodePayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("payload required")
	}
	return rlp.EncodeToBytes(v)
}

// DecodePayload decodes the transaction payload into out.
func (tx *Transaction) DecodePayload(out interface{}) error {
	if len(tx.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", tx.Type)
	}
	if err := rlp.DecodeBytes(tx.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", tx.Type, err)
	}
	return nil
}
