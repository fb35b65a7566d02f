package state

import (
	"fmt"
	"math/big"

	"verto/core/types"
)

var accountPrefix = []byte("account:")

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return buf
}

// GetAccount loads the account stored under addr. Unknown addresses yield a
// zero-balance account with nonce 0.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	var stored storedAccount
	ok, err := m.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balance: big.NewInt(0)}
	if !ok {
		return account, nil
	}
	account.Nonce = stored.Nonce
	if stored.Balance != nil {
		account.Balance = new(big.Int).Set(stored.Balance)
	}
	return account, nil
}

// PutAccount persists the account under addr.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	return m.KVPut(accountKey(addr), storedAccount{Nonce: account.Nonce, Balance: balance})
}

// Balance returns the native balance held by addr.
func (m *Manager) Balance(addr []byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// SetBalance overwrites the native balance held by addr, keeping its nonce.
func (m *Manager) SetBalance(addr []byte, amount *big.Int) error {
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	account.Balance = new(big.Int).Set(amount)
	return m.PutAccount(addr, account)
}
