package types

import "math/big"

// Account is the ledger view of an address: its spendable native balance and
// the next transaction nonce it must sign with.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}
