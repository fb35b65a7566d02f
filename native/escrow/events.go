package escrow

import (
	"encoding/hex"
	"strconv"

	"verto/core/events"
	"verto/core/types"
	"verto/crypto"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowFunded            = "escrow.funded"
	EventTypeEscrowCancelled         = "escrow.cancelled"
	EventTypeEscrowDelivered         = "escrow.delivered"
	EventTypeEscrowRevisionRequested = "escrow.revision_requested"
	EventTypeEscrowReleased          = "escrow.released"
	EventTypeEscrowDisputed          = "escrow.disputed"
	EventTypeEscrowResolved          = "escrow.resolved"
	EventTypeTreasuryUpdated         = "escrow.treasury_updated"
	EventTypeStoreOwnerUpdated       = "escrow.store_owner_updated"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent returns the payload emitted once the client's funds move
// into custody.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewDeliveredEvent carries the review deadline that delivery started.
func NewDeliveredEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDelivered, e) }

func NewRevisionRequestedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowRevisionRequested, e)
}

func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewDisputedEvent records which party opened the dispute.
func NewDisputedEvent(e *Escrow, initiator [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	evt.Attributes["initiator"] = crypto.FormatAddress(initiator)
	return evt
}

// NewResolvedEvent records the arbiter's decision and the paid party.
func NewResolvedEvent(e *Escrow, favorFreelancer bool, payee [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	evt.Attributes["favorFreelancer"] = strconv.FormatBool(favorFreelancer)
	evt.Attributes["payee"] = crypto.FormatAddress(payee)
	return evt
}

func NewTreasuryUpdatedEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeTreasuryUpdated, Attributes: map[string]string{
		"previous": crypto.FormatAddress(previous),
		"treasury": crypto.FormatAddress(next),
	}}
}

func NewStoreOwnerUpdatedEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeStoreOwnerUpdated, Attributes: map[string]string{
		"previous": crypto.FormatAddress(previous),
		"owner":    crypto.FormatAddress(next),
	}}
}

// WrapEvent adapts a rendered event to the emitter interface.
func WrapEvent(evt *types.Event) events.Event { return escrowEvent{evt: evt} }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["client"] = crypto.FormatAddress(e.Client)
	attrs["freelancer"] = crypto.FormatAddress(e.Freelancer)
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["status"] = e.Status.String()
	if len(e.InvoiceHash) > 0 {
		attrs["invoiceHash"] = hex.EncodeToString(e.InvoiceHash)
	}
	if e.HasReviewDeadline() {
		attrs["reviewDeadline"] = strconv.FormatUint(e.ReviewDeadline, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
