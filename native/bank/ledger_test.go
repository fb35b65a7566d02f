package bank

import (
	"errors"
	"math/big"
	"testing"

	"verto/core/events"
	"verto/core/state"
	"verto/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *state.Manager) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	return NewLedger(mgr), mgr
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestTransferMovesValueAndEmits(t *testing.T) {
	ledger, _ := newTestLedger(t)
	rec := &events.Recorder{}
	ledger.SetEmitter(rec)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)

	if err := ledger.Mint(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := ledger.Balance(alice)
	bobBal, _ := ledger.Balance(bob)
	if aliceBal.Cmp(big.NewInt(600)) != 0 || bobBal.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected balances alice=%s bob=%s", aliceBal, bobBal)
	}
	if rec.Len() != 1 || rec.Events()[0].Type != events.TypeTransfer {
		t.Fatalf("expected one transfer event, got %+v", rec.Events())
	}
	if rec.Events()[0].Attributes["amount"] != "400" {
		t.Fatalf("unexpected amount attribute %q", rec.Events()[0].Attributes["amount"])
	}
}

func TestTransferInsufficientBalanceWritesNothing(t *testing.T) {
	ledger, mgr := newTestLedger(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	if err := ledger.Mint(alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	pending := mgr.Pending()

	err := ledger.Transfer(alice, bob, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if mgr.Pending() != pending {
		t.Fatalf("failed transfer wrote state")
	}
	bobBal, _ := ledger.Balance(bob)
	if bobBal.Sign() != 0 {
		t.Fatalf("recipient credited on failed transfer")
	}
}

func TestTransferRejectsNonPositiveAmounts(t *testing.T) {
	ledger, _ := newTestLedger(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := ledger.Transfer(alice, bob, amt); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected invalid amount, got %v", amt, err)
		}
	}
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	alice := newTestAddress(0x01)
	_ = ledger.Mint(alice, big.NewInt(50))
	if err := ledger.Transfer(alice, alice, big.NewInt(50)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	bal, _ := ledger.Balance(alice)
	if bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("self transfer changed balance to %s", bal)
	}
}

func TestMintOverflow(t *testing.T) {
	ledger, _ := newTestLedger(t)
	alice := newTestAddress(0x01)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := ledger.Mint(alice, max); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	if err := ledger.Mint(alice, big.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
