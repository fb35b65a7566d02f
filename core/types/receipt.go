package types

import "github.com/ethereum/go-ethereum/common/hexutil"

// Receipt records the outcome of one applied transaction. Failed transactions
// keep their receipt; Code carries the escrow error code when one applies.
type Receipt struct {
	TxHash  hexutil.Bytes `json:"txHash"`
	Height  uint64        `json:"height"`
	Index   uint32        `json:"index"`
	Sender  string        `json:"sender"`
	Type    string        `json:"type"`
	Success bool          `json:"success"`
	Code    uint32        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
	Result  *uint64       `json:"result,omitempty"`
	Events  []Event       `json:"events,omitempty"`
}
