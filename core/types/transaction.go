package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer TxType = 0x01 // Native balance transfer

	TxTypeEscrowCreate      TxType = 0x10
	TxTypeEscrowFund        TxType = 0x11
	TxTypeEscrowCancel      TxType = 0x12
	TxTypeEscrowDeliver     TxType = 0x13
	TxTypeEscrowRevise      TxType = 0x14
	TxTypeEscrowRelease     TxType = 0x15
	TxTypeEscrowDispute     TxType = 0x16
	TxTypeEscrowResolve     TxType = 0x17
	TxTypeEscrowSetTreasury TxType = 0x18
	TxTypeStoreSetOwner     TxType = 0x19 // EscrowStore ownership handshake
)

var txTypeNames = map[TxType]string{
	TxTypeTransfer:          "transfer",
	TxTypeEscrowCreate:      "escrow.create",
	TxTypeEscrowFund:        "escrow.fund",
	TxTypeEscrowCancel:      "escrow.cancel",
	TxTypeEscrowDeliver:     "escrow.deliver",
	TxTypeEscrowRevise:      "escrow.revise",
	TxTypeEscrowRelease:     "escrow.release",
	TxTypeEscrowDispute:     "escrow.dispute",
	TxTypeEscrowResolve:     "escrow.resolve",
	TxTypeEscrowSetTreasury: "escrow.set_treasury",
	TxTypeStoreSetOwner:     "escrow.store_set_owner",
}

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Valid reports whether the type is one the state transition understands.
func (t TxType) Valid() bool {
	_, ok := txTypeNames[t]
	return ok
}

var (
	ErrMissingSignature = errors.New("transaction: missing signature")
	ErrInvalidSignature = errors.New("transaction: invalid signature")
)

// Transaction is the signed envelope admitted by the ledger. The sender is
// never carried in the payload; it is recovered from the signature.
type Transaction struct {
	ChainID uint64        `json:"chainId"`
	Type    TxType        `json:"type"`
	Nonce   uint64        `json:"nonce"`
	Payload hexutil.Bytes `json:"payload"`

	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`

	from []byte
}

type signingData struct {
	ChainID uint64
	Type    uint8
	Nonce   uint64
	Payload []byte
}

// NewTransaction RLP-encodes payload into an unsigned transaction.
func NewTransaction(chainID uint64, txType TxType, nonce uint64, payload interface{}) (*Transaction, error) {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Transaction{ChainID: chainID, Type: txType, Nonce: nonce, Payload: encoded}, nil
}

// Hash returns keccak256 over the RLP encoding of the signed fields.
func (tx *Transaction) Hash() ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(signingData{
		ChainID: tx.ChainID,
		Type:    uint8(tx.Type),
		Nonce:   tx.Nonce,
		Payload: tx.Payload,
	})
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}

// HashArray is Hash as a fixed-size array.
func (tx *Transaction) HashArray() ([32]byte, error) {
	var out [32]byte
	hash, err := tx.Hash()
	if err != nil {
		return out, err
	}
	copy(out[:], hash)
	return out, nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers the signer address. The result is cached.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, ErrMissingSignature
	}
	if len(tx.R.Bytes()) > 32 || len(tx.S.Bytes()) > 32 || !tx.V.IsUint64() {
		return nil, ErrInvalidSignature
	}
	v := tx.V.Uint64()
	if v != 27 && v != 28 {
		return nil, ErrInvalidSignature
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(v - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}

// Sender is From as a fixed-size array.
func (tx *Transaction) Sender() ([20]byte, error) {
	var out [20]byte
	from, err := tx.From()
	if err != nil {
		return out, err
	}
	copy(out[:], from)
	return out, nil
}
