package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"verto/core/state"
	"verto/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return state.NewManager(db)
}

func newTestRecord(client, freelancer [20]byte, amount int64) *Escrow {
	return &Escrow{
		Client:     client,
		Freelancer: freelancer,
		Amount:     big.NewInt(amount),
		Status:     EscrowCreated,
	}
}

func TestStoreDeployOnce(t *testing.T) {
	store := NewStore(newTestState(t))
	deployer := newTestAddress(0x01)
	if err := store.Deploy(deployer); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := store.Deploy(newTestAddress(0x02)); !errors.Is(err, ErrOwnerConfigured) {
		t.Fatalf("expected ErrOwnerConfigured, got %v", err)
	}
	owner, err := store.ContractOwner()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != deployer {
		t.Fatalf("unexpected owner %x", owner)
	}
}

func TestStoreOwnerGate(t *testing.T) {
	store := NewStore(newTestState(t))
	deployer, policy, stranger := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)
	rec := newTestRecord(newTestAddress(0x10), newTestAddress(0x11), 100)

	if _, err := store.InsertEscrow(deployer, rec); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("undeployed store must reject writes, got %v", err)
	}
	if err := store.Deploy(deployer); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := store.SetContractOwner(stranger, stranger); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected NOT_OWNER for stranger handoff, got %v", err)
	}
	if err := store.SetContractOwner(deployer, policy); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if _, err := store.InsertEscrow(deployer, rec); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("previous owner must lose write access, got %v", err)
	}
	id, err := store.InsertEscrow(policy, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateEscrow(stranger, id, Update{Status: EscrowFunded}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected NOT_OWNER on update, got %v", err)
	}
	if code, _ := CodeOf(ErrNotOwner); code != 100 {
		t.Fatalf("unexpected NOT_OWNER code %d", code)
	}
}

func TestStoreRejectsZeroOwner(t *testing.T) {
	store := NewStore(newTestState(t))
	if err := store.Deploy([20]byte{}); !errors.Is(err, ErrOwnerUnset) {
		t.Fatalf("expected ErrOwnerUnset on deploy, got %v", err)
	}
	owner := newTestAddress(0x01)
	if err := store.Deploy(owner); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := store.SetContractOwner(owner, [20]byte{}); !errors.Is(err, ErrOwnerUnset) {
		t.Fatalf("expected ErrOwnerUnset on handoff, got %v", err)
	}
	current, err := store.ContractOwner()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if current != owner {
		t.Fatalf("owner changed after rejected handoff: %x", current)
	}
	if _, err := store.InsertEscrow(owner, newTestRecord(newTestAddress(0x10), newTestAddress(0x11), 5)); err != nil {
		t.Fatalf("owner must still be able to write: %v", err)
	}
}

func TestStoreInsertAssignsSequentialIDs(t *testing.T) {
	store := NewStore(newTestState(t))
	owner := newTestAddress(0x01)
	if err := store.Deploy(owner); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	client, freelancer := newTestAddress(0x10), newTestAddress(0x11)
	for want := uint64(0); want < 3; want++ {
		rec := newTestRecord(client, freelancer, int64(100+want))
		rec.ID = 99
		id, err := store.InsertEscrow(owner, rec)
		if err != nil {
			t.Fatalf("insert %d: %v", want, err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	count, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
	got, ok, err := store.GetEscrow(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ID != 1 || got.Amount.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
	ids, err := store.EscrowsFor(freelancer)
	if err != nil {
		t.Fatalf("escrows for: %v", err)
	}
	if len(ids) != 3 || ids[0] != 0 || ids[2] != 2 {
		t.Fatalf("unexpected participant index %v", ids)
	}
	none, err := store.EscrowsFor(newTestAddress(0x42))
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty index, got %v err=%v", none, err)
	}
}

func TestStoreUpdate(t *testing.T) {
	store := NewStore(newTestState(t))
	owner := newTestAddress(0x01)
	if err := store.Deploy(owner); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := store.UpdateEscrow(owner, 7, Update{Status: EscrowFunded}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	id, err := store.InsertEscrow(owner, newTestRecord(newTestAddress(0x10), newTestAddress(0x11), 50))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateEscrow(owner, id, Update{Status: EscrowDelivered, ReviewDeadline: 500, UpdatedAt: 10}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := store.GetEscrow(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != EscrowDelivered || got.ReviewDeadline != 500 || got.UpdatedAt != 10 {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("amount changed on update: %s", got.Amount)
	}
	if err := store.UpdateEscrow(owner, id, Update{Status: EscrowStatus(42)}); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func TestStoreRejectsInvalidRecords(t *testing.T) {
	store := NewStore(newTestState(t))
	owner := newTestAddress(0x01)
	if err := store.Deploy(owner); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	party := newTestAddress(0x10)
	if _, err := store.InsertEscrow(owner, newTestRecord(party, party, 10)); !errors.Is(err, ErrSelfEscrow) {
		t.Fatalf("expected SELF_ESCROW, got %v", err)
	}
	if _, err := store.InsertEscrow(owner, newTestRecord(party, newTestAddress(0x11), 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected INVALID_AMOUNT, got %v", err)
	}
	huge := newTestRecord(party, newTestAddress(0x11), 1)
	huge.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := store.InsertEscrow(owner, huge); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected INVALID_AMOUNT for a 257-bit amount, got %v", err)
	}
	bad := newTestRecord(party, newTestAddress(0x11), 10)
	bad.InvoiceHash = []byte{0x01, 0x02}
	if _, err := store.InsertEscrow(owner, bad); !errors.Is(err, ErrInvalidInvoiceHash) {
		t.Fatalf("expected invoice hash rejection, got %v", err)
	}
	if count, _ := store.Count(); count != 0 {
		t.Fatalf("rejected inserts must not advance the counter, got %d", count)
	}
}
