package escrow

import (
	"math/big"
	"time"

	"verto/core/events"
	"verto/core/types"
	"verto/crypto"
)

// DefaultReviewPeriod is the window, in seconds, a client has to review a
// delivery: 48 hours.
const DefaultReviewPeriod uint64 = 48 * 60 * 60

var treasuryKey = []byte("escrow/policy/treasury")

// PolicyAddress is the keyless account that owns the store and holds custody
// of funded escrows.
func PolicyAddress() [20]byte { return crypto.ModuleAddress("escrow-policy") }

// records is the store surface the policy drives.
type records interface {
	InsertEscrow(caller [20]byte, rec *Escrow) (uint64, error)
	UpdateEscrow(caller [20]byte, id uint64, update Update) error
	GetEscrow(id uint64) (*Escrow, bool, error)
	Count() (uint64, error)
}

// valueTransfer is the host ledger's native balance movement.
type valueTransfer interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

type policyState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Call carries the authenticated caller of one operation. Sender comes from
// the signature on the transaction envelope, never from the payload.
type Call struct {
	Sender [20]byte
}

// Policy is the escrow state machine. It authorises each call against the
// edge table, moves value through the bank and persists through the store
// under its own address.
type Policy struct {
	store        records
	bank         valueTransfer
	state        policyState
	emitter      events.Emitter
	address      [20]byte
	reviewPeriod uint64
	nowFn        func() int64
}

// NewPolicy wires the state machine. The emitter defaults to a no-op and the
// clock to wall time.
func NewPolicy(store records, bank valueTransfer, state policyState) *Policy {
	return &Policy{
		store:        store,
		bank:         bank,
		state:        state,
		emitter:      events.NoopEmitter{},
		address:      PolicyAddress(),
		reviewPeriod: DefaultReviewPeriod,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the policy. Passing nil
// resets the emitter to a no-op implementation.
func (p *Policy) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		p.emitter = events.NoopEmitter{}
		return
	}
	p.emitter = emitter
}

// SetNowFunc overrides the time source. The node supplies the block
// timestamp.
func (p *Policy) SetNowFunc(now func() int64) {
	if now == nil {
		p.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	p.nowFn = now
}

// SetReviewPeriod overrides the review window in seconds. Zero restores the
// default.
func (p *Policy) SetReviewPeriod(seconds uint64) {
	if seconds == 0 {
		seconds = DefaultReviewPeriod
	}
	p.reviewPeriod = seconds
}

// Address returns the policy's custody and store-caller address.
func (p *Policy) Address() [20]byte { return p.address }

func (p *Policy) now() uint64 {
	ts := p.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (p *Policy) emit(evt *types.Event) {
	if p.emitter == nil || evt == nil {
		return
	}
	p.emitter.Emit(escrowEvent{evt: evt})
}

func (p *Policy) ready() error {
	if p == nil || p.store == nil || p.bank == nil || p.state == nil {
		return errNilState
	}
	return nil
}

// Treasury returns the arbiter address.
func (p *Policy) Treasury() ([20]byte, error) {
	var treasury [20]byte
	if err := p.ready(); err != nil {
		return treasury, err
	}
	if _, err := p.state.KVGet(treasuryKey, &treasury); err != nil {
		return treasury, err
	}
	return treasury, nil
}

// InitTreasury sets the arbiter at deployment. It succeeds once.
func (p *Policy) InitTreasury(treasury [20]byte) error {
	if err := p.ready(); err != nil {
		return err
	}
	current, err := p.Treasury()
	if err != nil {
		return err
	}
	if current != ([20]byte{}) {
		return ErrTreasuryConfigured
	}
	if treasury == ([20]byte{}) {
		return ErrTreasuryUnset
	}
	return p.state.KVPut(treasuryKey, treasury)
}

// SetTreasury replaces the arbiter. Only the current treasury may call it.
func (p *Policy) SetTreasury(call Call, next [20]byte) error {
	current, err := p.Treasury()
	if err != nil {
		return err
	}
	if current == ([20]byte{}) || call.Sender != current {
		return ErrUnauthorized.withDetail("set-treasury")
	}
	if next == ([20]byte{}) {
		return ErrTreasuryUnset
	}
	if err := p.state.KVPut(treasuryKey, next); err != nil {
		return err
	}
	p.emit(NewTreasuryUpdatedEvent(current, next))
	return nil
}

// CreateEscrow opens an escrow with the caller as client. No value moves.
func (p *Policy) CreateEscrow(call Call, freelancer [20]byte, amount *big.Int, invoiceHash []byte) (uint64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	if !validAmount(amount) {
		return 0, ErrInvalidAmount
	}
	if freelancer == call.Sender {
		return 0, ErrSelfEscrow
	}
	if l := len(invoiceHash); l != 0 && l != 32 {
		return 0, ErrInvalidInvoiceHash
	}
	now := p.now()
	rec := &Escrow{
		Client:      call.Sender,
		Freelancer:  freelancer,
		Amount:      cloneBigInt(amount),
		Status:      EscrowCreated,
		InvoiceHash: append([]byte(nil), invoiceHash...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := p.store.InsertEscrow(p.address, rec)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	p.emit(NewCreatedEvent(rec))
	return id, nil
}

// load runs the first three evaluation steps shared by every edge operation.
func (p *Policy) load(op Operation, caller [20]byte, id uint64) (*Escrow, Edge, error) {
	if err := p.ready(); err != nil {
		return nil, Edge{}, err
	}
	rec, ok, err := p.store.GetEscrow(id)
	if err != nil {
		return nil, Edge{}, err
	}
	if !ok {
		return nil, Edge{}, ErrEscrowNotFound.withDetail("id %d", id)
	}
	treasury, err := p.Treasury()
	if err != nil {
		return nil, Edge{}, err
	}
	edge, err := authorizeEdge(op, caller, rec, treasury)
	if err != nil {
		return nil, Edge{}, err
	}
	return rec, edge, nil
}

func (p *Policy) commit(rec *Escrow, edge Edge, deadline uint64) error {
	now := p.now()
	if err := p.store.UpdateEscrow(p.address, rec.ID, Update{
		Status:         edge.To,
		ReviewDeadline: deadline,
		UpdatedAt:      now,
	}); err != nil {
		return err
	}
	rec.Status = edge.To
	rec.ReviewDeadline = deadline
	rec.UpdatedAt = now
	return nil
}

// FundEscrow moves the escrow amount from the client into custody.
func (p *Policy) FundEscrow(call Call, id uint64) error {
	rec, edge, err := p.load(OpFund, call.Sender, id)
	if err != nil {
		return err
	}
	if err := p.bank.Transfer(rec.Client, p.address, rec.Amount); err != nil {
		return err
	}
	if err := p.commit(rec, edge, rec.ReviewDeadline); err != nil {
		return err
	}
	p.emit(NewFundedEvent(rec))
	return nil
}

// CancelEscrow abandons an escrow that was never funded.
func (p *Policy) CancelEscrow(call Call, id uint64) error {
	rec, edge, err := p.load(OpCancel, call.Sender, id)
	if err != nil {
		return err
	}
	if err := p.commit(rec, edge, rec.ReviewDeadline); err != nil {
		return err
	}
	p.emit(NewCancelledEvent(rec))
	return nil
}

// MarkDelivered starts the review period and returns its deadline.
func (p *Policy) MarkDelivered(call Call, id uint64) (uint64, error) {
	rec, edge, err := p.load(OpDeliver, call.Sender, id)
	if err != nil {
		return 0, err
	}
	deadline := p.now() + p.reviewPeriod
	if err := p.commit(rec, edge, deadline); err != nil {
		return 0, err
	}
	p.emit(NewDeliveredEvent(rec))
	return deadline, nil
}

// RequestRevision sends a delivered escrow back to funded and clears the
// review deadline.
func (p *Policy) RequestRevision(call Call, id uint64) error {
	rec, edge, err := p.load(OpRevise, call.Sender, id)
	if err != nil {
		return err
	}
	if err := p.commit(rec, edge, 0); err != nil {
		return err
	}
	p.emit(NewRevisionRequestedEvent(rec))
	return nil
}

// ReleasePayment pays the freelancer out of custody.
func (p *Policy) ReleasePayment(call Call, id uint64) error {
	rec, edge, err := p.load(OpRelease, call.Sender, id)
	if err != nil {
		return err
	}
	if err := p.bank.Transfer(p.address, rec.Freelancer, rec.Amount); err != nil {
		return err
	}
	if err := p.commit(rec, edge, rec.ReviewDeadline); err != nil {
		return err
	}
	p.emit(NewReleasedEvent(rec))
	return nil
}

// InitiateDispute freezes the escrow for arbitration.
func (p *Policy) InitiateDispute(call Call, id uint64) error {
	rec, edge, err := p.load(OpDispute, call.Sender, id)
	if err != nil {
		return err
	}
	if err := p.commit(rec, edge, rec.ReviewDeadline); err != nil {
		return err
	}
	p.emit(NewDisputedEvent(rec, call.Sender))
	return nil
}

// ResolveDispute pays the full amount to the freelancer when
// favorFreelancer is set, otherwise refunds the client.
func (p *Policy) ResolveDispute(call Call, id uint64, favorFreelancer bool) error {
	rec, edge, err := p.load(OpResolve, call.Sender, id)
	if err != nil {
		return err
	}
	payee := rec.Client
	if favorFreelancer {
		payee = rec.Freelancer
	}
	if err := p.bank.Transfer(p.address, payee, rec.Amount); err != nil {
		return err
	}
	if err := p.commit(rec, edge, rec.ReviewDeadline); err != nil {
		return err
	}
	p.emit(NewResolvedEvent(rec, favorFreelancer, payee))
	return nil
}

// GetEscrow returns the record stored under id, or nil when absent.
func (p *Policy) GetEscrow(id uint64) (*Escrow, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rec, ok, err := p.store.GetEscrow(id)
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// EscrowCount returns the number of escrows ever created.
func (p *Policy) EscrowCount() (uint64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	return p.store.Count()
}

// IsReviewPeriodExpired reports whether id carries a review deadline that
// the current time has passed. Missing escrows report false.
func (p *Policy) IsReviewPeriodExpired(id uint64) (bool, error) {
	rec, err := p.GetEscrow(id)
	if err != nil || rec == nil {
		return false, err
	}
	if !rec.HasReviewDeadline() {
		return false, nil
	}
	return p.now() > rec.ReviewDeadline, nil
}
