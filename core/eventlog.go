package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"verto/core/types"
	"verto/storage"
)

var (
	eventNextKey = []byte("events/next")
	eventPrefix  = []byte("events/seq/")
)

// MaxEventPage bounds a single EventsSince page.
const MaxEventPage = 500

// EventRecord is a committed event with its position in the global log.
// Sequences start at 1 and never repeat.
type EventRecord struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	TxHash     hexutil.Bytes     `json:"txHash,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventLog stores committed events in sequence order and fans them out to
// live subscribers. Slow subscribers miss events rather than block the
// producer; they can backfill with Since.
type EventLog struct {
	db storage.Database

	mu      sync.RWMutex
	next    uint64
	subs    map[int]chan EventRecord
	nextSub int
}

// NewEventLog opens the log stored in db.
func NewEventLog(db storage.Database) (*EventLog, error) {
	log := &EventLog{db: db, next: 1, subs: make(map[int]chan EventRecord)}
	raw, err := db.Get(eventNextKey)
	if err != nil && !storage.IsNotFound(err) {
		return nil, fmt.Errorf("load event sequence: %w", err)
	}
	if len(raw) == 8 {
		log.next = binary.BigEndian.Uint64(raw)
	}
	return log, nil
}

func eventKey(seq uint64) []byte {
	buf := make([]byte, len(eventPrefix)+8)
	copy(buf, eventPrefix)
	binary.BigEndian.PutUint64(buf[len(eventPrefix):], seq)
	return buf
}

// Stage assigns sequences to the receipts' events and adds them to batch.
// Publish must follow a successful write.
func (l *EventLog) Stage(batch storage.Batch, receipts []*types.Receipt) ([]EventRecord, error) {
	l.mu.RLock()
	seq := l.next
	l.mu.RUnlock()
	var records []EventRecord
	for _, receipt := range receipts {
		for _, evt := range receipt.Events {
			clone := evt.Clone()
			record := EventRecord{
				Sequence:   seq,
				Height:     receipt.Height,
				TxHash:     append(hexutil.Bytes(nil), receipt.TxHash...),
				Type:       clone.Type,
				Attributes: clone.Attributes,
			}
			raw, err := json.Marshal(record)
			if err != nil {
				return nil, err
			}
			batch.Put(eventKey(seq), raw)
			records = append(records, record)
			seq++
		}
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], seq)
	batch.Put(eventNextKey, next[:])
	return records, nil
}

// Publish advances the sequence past records and notifies subscribers.
func (l *EventLog) Publish(records []EventRecord) {
	if len(records) == 0 {
		return
	}
	l.mu.Lock()
	l.next = records[len(records)-1].Sequence + 1
	l.mu.Unlock()

	// Sends happen under the read lock so cancel cannot close a channel
	// mid-send.
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, record := range records {
		for _, ch := range l.subs {
			select {
			case ch <- record:
			default:
			}
		}
	}
}

// LastSequence returns the highest committed sequence, zero when empty.
func (l *EventLog) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - 1
}

// Since returns up to limit events with a sequence greater than after.
func (l *EventLog) Since(after uint64, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	last := l.LastSequence()
	out := make([]EventRecord, 0)
	if after >= last {
		return out, nil
	}
	for seq := after + 1; seq <= last && len(out) < limit; seq++ {
		raw, err := l.db.Get(eventKey(seq))
		if err != nil {
			return nil, fmt.Errorf("load event %d: %w", seq, err)
		}
		var record EventRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Subscribe registers a live listener. The returned cancel closes the channel.
func (l *EventLog) Subscribe(buffer int) (<-chan EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan EventRecord, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
