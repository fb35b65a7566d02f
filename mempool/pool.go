package mempool

import (
	"encoding/hex"
	"errors"
	"sync"

	"verto/core/types"
)

var (
	ErrPoolFull  = errors.New("mempool: pool is full")
	ErrDuplicate = errors.New("mempool: transaction already pending")
	ErrNilTx     = errors.New("mempool: nil transaction")
)

const (
	LabelTransfer = "transfer"
	LabelEscrow   = "escrow"
	LabelAdmin    = "admin"
)

// Label groups a transaction into the backlog bucket reported by metrics.
func Label(tx *types.Transaction) string {
	if tx == nil {
		return LabelAdmin
	}
	switch tx.Type {
	case types.TxTypeTransfer:
		return LabelTransfer
	case types.TxTypeEscrowSetTreasury, types.TxTypeStoreSetOwner:
		return LabelAdmin
	default:
		return LabelEscrow
	}
}

// Pool is a bounded FIFO of signed transactions. Arrival order is the
// application order; the pool never reorders.
type Pool struct {
	mu      sync.Mutex
	limit   int
	queue   []*types.Transaction
	pending map[string]struct{}
}

// New returns a pool holding at most limit transactions. A non-positive limit
// means unbounded.
func New(limit int) *Pool {
	return &Pool{limit: limit, pending: make(map[string]struct{})}
}

// Add enqueues tx unless the pool is full or the hash is already pending.
func (p *Pool) Add(tx *types.Transaction) error {
	if tx == nil {
		return ErrNilTx
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	key := hex.EncodeToString(hash)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[key]; ok {
		return ErrDuplicate
	}
	if p.limit > 0 && len(p.queue) >= p.limit {
		return ErrPoolFull
	}
	p.pending[key] = struct{}{}
	p.queue = append(p.queue, tx)
	return nil
}

// Drain removes and returns up to max transactions in arrival order. A
// non-positive max drains everything.
func (p *Pool) Drain(max int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*types.Transaction, n)
	copy(out, p.queue[:n])
	p.queue = append([]*types.Transaction(nil), p.queue[n:]...)
	for _, tx := range out {
		if hash, err := tx.Hash(); err == nil {
			delete(p.pending, hex.EncodeToString(hash))
		}
	}
	return out
}

// Len reports the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Backlog counts pending transactions per label.
func (p *Pool) Backlog() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, 3)
	for _, tx := range p.queue {
		out[Label(tx)]++
	}
	return out
}
