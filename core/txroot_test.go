package core

import (
	"bytes"
	"math/big"
	"testing"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"verto/core/types"
)

func TestComputeTxRootOrderSensitive(t *testing.T) {
	key := mustKey(t)
	a := signedTx(t, key, types.TxTypeTransfer, 0, types.TransferPayload{To: addressOf(key), Amount: big.NewInt(1)})
	b := signedTx(t, key, types.TxTypeTransfer, 1, types.TransferPayload{To: addressOf(key), Amount: big.NewInt(2)})

	empty, err := ComputeTxRoot(nil)
	if err != nil {
		t.Fatalf("empty root: %v", err)
	}
	if !bytes.Equal(empty, gethtypes.EmptyRootHash.Bytes()) {
		t.Fatalf("unexpected empty root %x", empty)
	}
	ab, err := ComputeTxRoot([]*types.Transaction{a, b})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	ba, err := ComputeTxRoot([]*types.Transaction{b, a})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if bytes.Equal(ab, ba) {
		t.Fatalf("root must depend on order")
	}
	again, err := ComputeTxRoot([]*types.Transaction{a, b})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !bytes.Equal(ab, again) {
		t.Fatalf("root must be deterministic")
	}
}
