package types

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockHeader contains metadata about a block and a commitment to its
// transactions.
type BlockHeader struct {
	Height    uint64        `json:"height"`
	Timestamp int64         `json:"timestamp"`
	PrevHash  hexutil.Bytes `json:"prevHash"`
	TxRoot    hexutil.Bytes `json:"txRoot"`
	Proposer  hexutil.Bytes `json:"proposer"`
}

// Block represents an ordered batch of transactions sharing one timestamp.
type Block struct {
	Header       *BlockHeader   `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock creates a new block from a header and a set of transactions.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash calculates and returns the SHA-256 hash of the block header.
// This hash serves as the block's unique identifier.
func (h *BlockHeader) Hash() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}
