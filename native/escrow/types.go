package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowStatus represents the lifecycle states of a freelance escrow.
type EscrowStatus uint8

const (
	EscrowCreated EscrowStatus = iota
	EscrowFunded
	EscrowDelivered
	EscrowCompleted
	EscrowDisputed
	EscrowCancelled
)

var statusNames = [...]string{
	EscrowCreated:   "created",
	EscrowFunded:    "funded",
	EscrowDelivered: "delivered",
	EscrowCompleted: "completed",
	EscrowDisputed:  "disputed",
	EscrowCancelled: "cancelled",
}

func (s EscrowStatus) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition may leave s.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled
}

// ParseStatus maps a lowercase status name back to its value.
func ParseStatus(name string) (EscrowStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range statusNames {
		if candidate == normalized {
			return EscrowStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", name)
}

// Escrow is one client/freelancer agreement. Amount never changes after
// creation. ReviewDeadline is zero when unset; InvoiceHash is empty or 32
// bytes and is never interpreted.
type Escrow struct {
	ID             uint64
	Client         [20]byte
	Freelancer     [20]byte
	Amount         *big.Int
	Status         EscrowStatus
	InvoiceHash    []byte
	ReviewDeadline uint64
	CreatedAt      uint64
	UpdatedAt      uint64
}

// HasReviewDeadline reports whether a review deadline is set.
func (e *Escrow) HasReviewDeadline() bool {
	return e != nil && e.ReviewDeadline != 0
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	if len(e.InvoiceHash) > 0 {
		clone.InvoiceHash = append([]byte(nil), e.InvoiceHash...)
	} else {
		clone.InvoiceHash = nil
	}
	return &clone
}

// SanitizeEscrow validates a record before it is written, returning a clone.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if !validAmount(clone.Amount) {
		return nil, ErrInvalidAmount
	}
	if clone.Client == clone.Freelancer {
		return nil, ErrSelfEscrow
	}
	if l := len(clone.InvoiceHash); l != 0 && l != 32 {
		return nil, ErrInvalidInvoiceHash
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}

// maxAmountBits bounds amounts to the ledger's uint256 balances.
const maxAmountBits = 256

func validAmount(v *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.BitLen() <= maxAmountBits
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
