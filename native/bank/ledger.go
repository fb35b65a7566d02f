package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"verto/core/events"
	"verto/core/types"
)

// NativeAsset is the symbol reported on transfer events.
const NativeAsset = "VRT"

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	errNilState            = errors.New("bank: state not configured")
)

type accountState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Ledger moves native value between accounts. Every check happens before the
// first write so a failed transfer leaves no trace.
type Ledger struct {
	state   accountState
	emitter events.Emitter
	txHash  [32]byte
}

// NewLedger returns a ledger over state with a no-op emitter.
func NewLedger(state accountState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the transfer event sink. Passing nil resets it.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetTxHash tags subsequent transfer events with the originating transaction.
func (l *Ledger) SetTxHash(hash [32]byte) { l.txHash = hash }

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

func balanceOf(acc *types.Account) (*uint256.Int, error) {
	if acc.Balance == nil || acc.Balance.Sign() == 0 {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(acc.Balance)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

// Balance returns the spendable balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	acc, err := l.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if acc.Balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(acc.Balance), nil
}

// Transfer debits amount from `from` and credits it to `to`.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	fromAcc, err := l.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	fromBal, err := balanceOf(fromAcc)
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	if from == to {
		l.emitTransfer(from, to, amount)
		return nil
	}
	toAcc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	toBal, err := balanceOf(toAcc)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	debited := new(uint256.Int).Sub(fromBal, amt)

	fromAcc.Balance = debited.ToBig()
	toAcc.Balance = credited.ToBig()
	if err := l.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := l.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	l.emitTransfer(from, to, amount)
	return nil
}

// Mint credits amount to addr out of thin air. Only genesis allocation uses it.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	acc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	bal, err := balanceOf(acc)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	acc.Balance = sum.ToBig()
	return l.state.PutAccount(to[:], acc)
}

func (l *Ledger) emitTransfer(from, to [20]byte, amount *big.Int) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(events.Transfer{
		Asset:  NativeAsset,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		TxHash: l.txHash,
	})
}
