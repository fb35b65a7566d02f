package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"verto/core/events"
	"verto/core/state"
	txcheck "verto/core/tx"
	"verto/core/types"
	"verto/crypto"
	"verto/native/bank"
	"verto/native/escrow"
	"verto/observability"
)

var (
	// ErrNonceMismatch excludes a transaction from the block without a receipt.
	ErrNonceMismatch = errors.New("state transition: nonce mismatch")
)

// StateProcessor applies signed transactions to the state manager for one
// block at a time.
type StateProcessor struct {
	state        *state.Manager
	chainID      uint64
	reviewPeriod uint64
	blockTime    int64
}

// NewStateProcessor wires a processor over mgr.
func NewStateProcessor(mgr *state.Manager, chainID uint64, reviewPeriod uint64) *StateProcessor {
	return &StateProcessor{state: mgr, chainID: chainID, reviewPeriod: reviewPeriod}
}

// BeginBlock fixes the time every transaction of the block observes.
func (sp *StateProcessor) BeginBlock(timestamp int64) { sp.blockTime = timestamp }

// modules builds the bank, store and policy bound to one transaction's
// emitter and hash.
func (sp *StateProcessor) modules(emitter events.Emitter, txHash [32]byte) (*bank.Ledger, *escrow.Store, *escrow.Policy) {
	ledger := bank.NewLedger(sp.state)
	ledger.SetEmitter(emitter)
	ledger.SetTxHash(txHash)
	store := escrow.NewStore(sp.state)
	policy := escrow.NewPolicy(store, ledger, sp.state)
	policy.SetEmitter(emitter)
	policy.SetReviewPeriod(sp.reviewPeriod)
	blockTime := sp.blockTime
	policy.SetNowFunc(func() int64 { return blockTime })
	return ledger, store, policy
}

// ApplyTransaction runs tx at the given block position. An error means the
// transaction is invalid for this block and gets no receipt. A transaction
// that is valid but fails yields a failed receipt: its nonce advances and
// every other write it made is reverted.
func (sp *StateProcessor) ApplyTransaction(tx *types.Transaction, height uint64, index uint32) (*types.Receipt, error) {
	receipt, err := sp.apply(tx, height, index)
	if err != nil {
		return nil, err
	}
	observability.Chain().RecordTx(receipt.Type, receipt.Success)
	if tx.Type != types.TxTypeTransfer {
		observability.Escrow().RecordOperation(receipt.Type, receipt.Success, receipt.Code)
	}
	return receipt, nil
}

// SimulateTransaction applies tx like ApplyTransaction but records no
// metrics. The caller owns discarding the writes.
func (sp *StateProcessor) SimulateTransaction(tx *types.Transaction, height uint64) (*types.Receipt, error) {
	return sp.apply(tx, height, 0)
}

func (sp *StateProcessor) apply(tx *types.Transaction, height uint64, index uint32) (*types.Receipt, error) {
	sender, err := txcheck.CheckBasic(tx, sp.chainID)
	if err != nil {
		return nil, err
	}
	hash, err := tx.HashArray()
	if err != nil {
		return nil, err
	}
	account, err := sp.state.GetAccount(sender[:])
	if err != nil {
		return nil, err
	}
	if tx.Nonce != account.Nonce {
		return nil, fmt.Errorf("%w: got %d want %d", ErrNonceMismatch, tx.Nonce, account.Nonce)
	}
	account.Nonce++
	if err := sp.state.PutAccount(sender[:], account); err != nil {
		return nil, err
	}

	receipt := &types.Receipt{
		TxHash: hexutil.Bytes(hash[:]),
		Height: height,
		Index:  index,
		Sender: crypto.FormatAddress(sender),
		Type:   tx.Type.String(),
	}
	snapshot := sp.state.Snapshot()
	recorder := &events.Recorder{}
	result, execErr := sp.execute(tx, sender, hash, recorder)
	if execErr != nil {
		sp.state.RevertToSnapshot(snapshot)
		receipt.Error = execErr.Error()
		if code, ok := escrow.CodeOf(execErr); ok {
			receipt.Code = uint32(code)
		}
	} else {
		receipt.Success = true
		receipt.Result = result
		for _, evt := range recorder.Events() {
			receipt.Events = append(receipt.Events, evt.Clone())
		}
	}
	return receipt, nil
}

func (sp *StateProcessor) execute(tx *types.Transaction, sender [20]byte, hash [32]byte, recorder *events.Recorder) (*uint64, error) {
	ledger, store, policy := sp.modules(recorder, hash)
	call := escrow.Call{Sender: sender}

	switch tx.Type {
	case types.TxTypeTransfer:
		var p types.TransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		return nil, ledger.Transfer(sender, p.To, p.Amount)

	case types.TxTypeEscrowCreate:
		var p types.EscrowCreatePayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		id, err := policy.CreateEscrow(call, p.Freelancer, p.Amount, p.InvoiceHash)
		if err != nil {
			return nil, err
		}
		return &id, nil

	case types.TxTypeEscrowFund, types.TxTypeEscrowCancel, types.TxTypeEscrowDeliver,
		types.TxTypeEscrowRevise, types.TxTypeEscrowRelease, types.TxTypeEscrowDispute:
		var p types.EscrowIDPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		return sp.applyEscrowByID(policy, call, tx.Type, p.ID)

	case types.TxTypeEscrowResolve:
		var p types.EscrowResolvePayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		return nil, policy.ResolveDispute(call, p.ID, p.FavorFreelancer)

	case types.TxTypeEscrowSetTreasury:
		var p types.AddressPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		return nil, policy.SetTreasury(call, p.Address)

	case types.TxTypeStoreSetOwner:
		var p types.AddressPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, err
		}
		previous, err := store.ContractOwner()
		if err != nil {
			return nil, err
		}
		if err := store.SetContractOwner(sender, p.Address); err != nil {
			return nil, err
		}
		recorder.Emit(escrow.WrapEvent(escrow.NewStoreOwnerUpdatedEvent(previous, p.Address)))
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", txcheck.ErrUnknownType, tx.Type)
}

func (sp *StateProcessor) applyEscrowByID(policy *escrow.Policy, call escrow.Call, txType types.TxType, id uint64) (*uint64, error) {
	switch txType {
	case types.TxTypeEscrowFund:
		return nil, policy.FundEscrow(call, id)
	case types.TxTypeEscrowCancel:
		return nil, policy.CancelEscrow(call, id)
	case types.TxTypeEscrowDeliver:
		deadline, err := policy.MarkDelivered(call, id)
		if err != nil {
			return nil, err
		}
		return &deadline, nil
	case types.TxTypeEscrowRevise:
		return nil, policy.RequestRevision(call, id)
	case types.TxTypeEscrowRelease:
		return nil, policy.ReleasePayment(call, id)
	case types.TxTypeEscrowDispute:
		return nil, policy.InitiateDispute(call, id)
	}
	return nil, fmt.Errorf("%w: %s", txcheck.ErrUnknownType, txType)
}
