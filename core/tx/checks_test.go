package tx

import (
	"errors"
	"testing"

	"verto/core/types"
	"verto/crypto"
)

func signedTx(t *testing.T, chainID uint64, txType types.TxType) (*types.Transaction, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	transaction, err := types.NewTransaction(chainID, txType, 0, types.EscrowIDPayload{ID: 1})
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := transaction.Sign(key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return transaction, key
}

func TestCheckBasicRecoversSender(t *testing.T) {
	transaction, key := signedTx(t, 7, types.TxTypeEscrowFund)
	sender, err := CheckBasic(transaction, 7)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if sender != key.PubKey().Address().Array() {
		t.Fatalf("unexpected sender %x", sender)
	}
}

func TestCheckBasicRejections(t *testing.T) {
	transaction, _ := signedTx(t, 7, types.TxTypeEscrowFund)
	if _, err := CheckBasic(transaction, 8); !errors.Is(err, ErrWrongChain) {
		t.Fatalf("expected chain mismatch, got %v", err)
	}
	unknown, _ := signedTx(t, 7, types.TxType(0x7f))
	if _, err := CheckBasic(unknown, 7); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	unsigned, err := types.NewTransaction(7, types.TxTypeEscrowFund, 0, types.EscrowIDPayload{ID: 1})
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if _, err := CheckBasic(unsigned, 7); !errors.Is(err, types.ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
}
