package escrow

import (
	"encoding/binary"
	"fmt"
)

var (
	storeOwnerKey = []byte("escrow/store/owner")
	storeCountKey = []byte("escrow/store/count")
	recordPrefix  = []byte("escrow/store/record/")
	partyPrefix   = []byte("escrow/store/party/")
)

type storeState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Update is the mutable part of a stored record. A zero ReviewDeadline
// clears the deadline.
type Update struct {
	Status         EscrowStatus
	ReviewDeadline uint64
	UpdatedAt      uint64
}

// Store persists escrow records and the escrow counter. It runs no business
// rules: every mutation passes through one gate that admits only the current
// owner, so the policy in front of it can be replaced by re-pointing
// ownership without migrating records.
type Store struct {
	state storeState
}

// NewStore returns a store over the provided KV state.
func NewStore(state storeState) *Store {
	return &Store{state: state}
}

func recordKey(id uint64) []byte {
	buf := make([]byte, len(recordPrefix)+8)
	copy(buf, recordPrefix)
	binary.BigEndian.PutUint64(buf[len(recordPrefix):], id)
	return buf
}

func partyKey(addr [20]byte) []byte {
	buf := make([]byte, len(partyPrefix)+len(addr))
	copy(buf, partyPrefix)
	copy(buf[len(partyPrefix):], addr[:])
	return buf
}

func encodeID(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

// Deploy records the initial owner. It succeeds once.
func (s *Store) Deploy(owner [20]byte) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	var existing [20]byte
	ok, err := s.state.KVGet(storeOwnerKey, &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrOwnerConfigured
	}
	if owner == ([20]byte{}) {
		return ErrOwnerUnset
	}
	return s.state.KVPut(storeOwnerKey, owner)
}

// ContractOwner returns the sole caller allowed to mutate the store.
func (s *Store) ContractOwner() ([20]byte, error) {
	var owner [20]byte
	if s == nil || s.state == nil {
		return owner, errNilState
	}
	if _, err := s.state.KVGet(storeOwnerKey, &owner); err != nil {
		return owner, err
	}
	return owner, nil
}

func (s *Store) requireOwner(caller [20]byte) error {
	owner, err := s.ContractOwner()
	if err != nil {
		return err
	}
	if owner == ([20]byte{}) || caller != owner {
		return ErrNotOwner
	}
	return nil
}

// SetContractOwner hands mutation rights to newOwner. The zero address is
// rejected since no caller could ever match it.
func (s *Store) SetContractOwner(caller, newOwner [20]byte) error {
	if err := s.requireOwner(caller); err != nil {
		return err
	}
	if newOwner == ([20]byte{}) {
		return ErrOwnerUnset
	}
	return s.state.KVPut(storeOwnerKey, newOwner)
}

// Count returns the number of records ever inserted, which is also the next id.
func (s *Store) Count() (uint64, error) {
	if s == nil || s.state == nil {
		return 0, errNilState
	}
	var count uint64
	if _, err := s.state.KVGet(storeCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// InsertEscrow appends rec at the next id and returns that id. The ID field
// of rec is ignored.
func (s *Store) InsertEscrow(caller [20]byte, rec *Escrow) (uint64, error) {
	if err := s.requireOwner(caller); err != nil {
		return 0, err
	}
	sanitized, err := SanitizeEscrow(rec)
	if err != nil {
		return 0, err
	}
	id, err := s.Count()
	if err != nil {
		return 0, err
	}
	sanitized.ID = id
	if err := s.state.KVPut(recordKey(id), sanitized); err != nil {
		return 0, err
	}
	if err := s.state.KVPut(storeCountKey, id+1); err != nil {
		return 0, err
	}
	if err := s.state.KVAppend(partyKey(sanitized.Client), encodeID(id)); err != nil {
		return 0, err
	}
	if err := s.state.KVAppend(partyKey(sanitized.Freelancer), encodeID(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateEscrow applies update to the record stored under id.
func (s *Store) UpdateEscrow(caller [20]byte, id uint64, update Update) error {
	if err := s.requireOwner(caller); err != nil {
		return err
	}
	if !update.Status.Valid() {
		return fmt.Errorf("invalid escrow status: %d", update.Status)
	}
	rec, ok, err := s.GetEscrow(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound.withDetail("id %d", id)
	}
	rec.Status = update.Status
	rec.ReviewDeadline = update.ReviewDeadline
	rec.UpdatedAt = update.UpdatedAt
	return s.state.KVPut(recordKey(id), rec)
}

// GetEscrow loads the record stored under id.
func (s *Store) GetEscrow(id uint64) (*Escrow, bool, error) {
	if s == nil || s.state == nil {
		return nil, false, errNilState
	}
	rec := new(Escrow)
	ok, err := s.state.KVGet(recordKey(id), rec)
	if err != nil {
		return nil, false, fmt.Errorf("escrow: load record %d: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return rec, true, nil
}

// EscrowsFor lists the ids in which addr is client or freelancer, in
// creation order.
func (s *Store) EscrowsFor(addr [20]byte) ([]uint64, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	var raw [][]byte
	if err := s.state.KVGetList(partyKey(addr), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("escrow: corrupt participant index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}
