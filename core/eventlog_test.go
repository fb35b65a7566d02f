package core

import (
	"math"
	"testing"

	"verto/core/types"
	"verto/storage"
)

func receiptWithEvents(height uint64, hash byte, eventTypes ...string) *types.Receipt {
	receipt := &types.Receipt{TxHash: []byte{hash}, Height: height, Success: true}
	for _, typ := range eventTypes {
		receipt.Events = append(receipt.Events, types.Event{Type: typ, Attributes: map[string]string{"k": typ}})
	}
	return receipt
}

func stageAndPublish(t *testing.T, log *EventLog, db storage.Database, receipts ...*types.Receipt) []EventRecord {
	t.Helper()
	batch := db.NewBatch()
	records, err := log.Stage(batch, receipts)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	log.Publish(records)
	return records
}

func TestEventLogSequencesStartAtOne(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if log.LastSequence() != 0 {
		t.Fatalf("expected empty log, got %d", log.LastSequence())
	}
	records := stageAndPublish(t, log, db, receiptWithEvents(1, 0xa1, "a", "b"), receiptWithEvents(1, 0xa2, "c"))
	if len(records) != 3 || records[0].Sequence != 1 || records[2].Sequence != 3 {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[2].TxHash[0] != 0xa2 {
		t.Fatalf("event not attributed to its transaction")
	}
	if log.LastSequence() != 3 {
		t.Fatalf("expected last sequence 3, got %d", log.LastSequence())
	}
}

func TestEventLogSincePaging(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stageAndPublish(t, log, db, receiptWithEvents(1, 0x01, "a", "b", "c", "d", "e"))

	page, err := log.Since(0, 2)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(page) != 2 || page[1].Sequence != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = log.Since(page[1].Sequence, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(page) != 3 || page[0].Type != "c" {
		t.Fatalf("unexpected second page %+v", page)
	}
	empty, err := log.Since(5, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty tail, got %v err=%v", empty, err)
	}
}

func TestEventLogSinceBeyondHeadIsEmpty(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stageAndPublish(t, log, db, receiptWithEvents(1, 0x01, "escrow.created", "escrow.funded"))

	for _, after := range []uint64{2, 3, math.MaxUint64 - 1, math.MaxUint64} {
		page, err := log.Since(after, 10)
		if err != nil {
			t.Fatalf("since %d: %v", after, err)
		}
		if len(page) != 0 {
			t.Fatalf("since %d: expected empty page, got %d events", after, len(page))
		}
	}
}

func TestEventLogStagedButUnwrittenIsInvisible(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := log.Stage(db.NewBatch(), []*types.Receipt{receiptWithEvents(1, 0x01, "a")}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	records, err := log.Since(0, 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("unwritten events leaked: %v err=%v", records, err)
	}
	// The next block reuses the sequence the abandoned batch claimed.
	written := stageAndPublish(t, log, db, receiptWithEvents(1, 0x02, "b"))
	if written[0].Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", written[0].Sequence)
	}
}

func TestEventLogReopenResumesSequence(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stageAndPublish(t, log, db, receiptWithEvents(1, 0x01, "a", "b"))

	reopened, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	records := stageAndPublish(t, reopened, db, receiptWithEvents(2, 0x02, "c"))
	if records[0].Sequence != 3 {
		t.Fatalf("expected sequence 3 after reopen, got %d", records[0].Sequence)
	}
}

func TestEventLogSubscribersDropWhenFull(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ch, cancel := log.Subscribe(1)
	stageAndPublish(t, log, db, receiptWithEvents(1, 0x01, "a", "b"))
	first := <-ch
	if first.Sequence != 1 {
		t.Fatalf("expected first event, got %d", first.Sequence)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered event %d", extra.Sequence)
	default:
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}
