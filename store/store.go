// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Store

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key namespaces, one short string prefix per key family so a single goleveldb
// instance backs every operation in spec.md §4.B.
const (
	prefixEvent       = "ev:"
	prefixParticipant = "pt:"
	prefixVote        = "vt:"
	prefixFilter      = "fl:"
	prefixMetadata    = "md:"
	prefixRewards     = "rw:"
)

// Store implements the operations of spec.md §4.B on top of goleveldb.
// Participants also get an in-memory golang-set mirror for O(1)
// membership checks on the ingress hot path; goleveldb remains the
// source of truth and is rebuilt into the mirror on FlushAll/boot.
type Store struct {
	db *leveldb.DB

	participantsMu sync.RWMutex
	participants   map[common.Address]mapset.Set[common.Address]
}

// Open opens (creating if absent) a goleveldb database at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	s := &Store{
		db:           db,
		participants: make(map[common.Address]mapset.Set[common.Address]),
	}
	if err := s.loadParticipants(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadParticipants() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixParticipant)), nil)
	defer iter.Release()

	s.participantsMu.Lock()
	defer s.participantsMu.Unlock()

	for iter.Next() {
		var addrs []common.Address
		if err := json.Unmarshal(iter.Value(), &addrs); err != nil {
			continue
		}
		eventID := common.BytesToAddress(iter.Key()[len(prefixParticipant):])
		set := mapset.NewThreadUnsafeSet[common.Address](addrs...)
		s.participants[eventID] = set
	}
	return iter.Error()
}

func eventKey(id common.Address) []byte { return []byte(prefixEvent + id.Hex()) }
func participantKey(id common.Address) []byte { return []byte(prefixParticipant + id.Hex()) }
func metadataKey(id common.Address) []byte { return []byte(prefixMetadata + id.Hex()) }
func rewardsKey(id common.Address) []byte { return []byte(prefixRewards + id.Hex()) }
func voteKey(eventID, userID common.Address) []byte {
	return []byte(prefixVote + eventID.Hex() + ":" + userID.Hex())
}
func filterKey(eventID common.Address, name string) []byte {
	return []byte(prefixFilter + eventID.Hex() + ":" + name)
}

// PutEvent persists (or overwrites) the event descriptor. Idempotent.
func (s *Store) PutEvent(e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put(eventKey(e.EventID), data, nil)
}

// GetEvent returns the event, or nil if it does not exist.
func (s *Store) GetEvent(id common.Address) (*Event, error) {
	data, err := s.db.Get(eventKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEventIDs returns every known event address.
func (s *Store) ListEventIDs() ([]common.Address, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixEvent)), nil)
	defer iter.Release()

	var ids []common.Address
	for iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		ids = append(ids, e.EventID)
	}
	return ids, iter.Error()
}

// DeleteEvent removes an event and its filter handles, leaving votes
// and metadata for callers who want to archive first. Idempotent.
func (s *Store) DeleteEvent(id common.Address) error {
	batch := new(leveldb.Batch)
	batch.Delete(eventKey(id))

	iter := s.db.NewIterator(util.BytesPrefix(filterKey(id, "")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// PutParticipants unions addrs into the event's participant set
// (idempotent union, not overwrite).
func (s *Store) PutParticipants(eventID common.Address, addrs []common.Address) error {
	s.participantsMu.Lock()
	set, ok := s.participants[eventID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[common.Address]()
		s.participants[eventID] = set
	}
	set.Append(addrs...)
	snapshot := set.ToSlice()
	s.participantsMu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Put(participantKey(eventID), data, nil)
}

// ExistsParticipant is the O(1) membership check ingress relies on.
func (s *Store) ExistsParticipant(eventID, userID common.Address) bool {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()

	set, ok := s.participants[eventID]
	if !ok {
		return false
	}
	return set.Contains(userID)
}

// ParticipantCount returns len(Participants[event_id]).
func (s *Store) ParticipantCount(eventID common.Address) int {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()

	set, ok := s.participants[eventID]
	if !ok {
		return 0
	}
	return set.Cardinality()
}

// PutVote overwrites by (event_id, user_id). Callers enforce the
// last-writer-wins-by-timestamp ordering of spec.md §5 before calling
// this; the store itself simply overwrites whatever key it's given.
func (s *Store) PutVote(v *Vote) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(voteKey(v.EventID, v.UserID), data, nil)
}

// GetVote returns the current vote for (event_id, user_id), or nil.
func (s *Store) GetVote(eventID, userID common.Address) (*Vote, error) {
	data, err := s.db.Get(voteKey(eventID, userID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v Vote
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVotes returns every vote currently on file for an event.
func (s *Store) ListVotes(eventID common.Address) ([]*Vote, error) {
	prefix := []byte(prefixVote + eventID.Hex() + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var votes []*Vote
	for iter.Next() {
		var v Vote
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			continue
		}
		votes = append(votes, &v)
	}
	return votes, iter.Error()
}

// CountVotes is a convenience wrapper for heuristics that only need
// the count, not the full vote list.
func (s *Store) CountVotes(eventID common.Address) (int, error) {
	votes, err := s.ListVotes(eventID)
	if err != nil {
		return 0, err
	}
	return len(votes), nil
}

// GroupVotesByRepresentation builds the map the consensus engine groups
// on: representation string -> votes sharing it.
func (s *Store) GroupVotesByRepresentation(eventID common.Address) (map[string][]*Vote, error) {
	votes, err := s.ListVotes(eventID)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]*Vote)
	for _, v := range votes {
		rep := v.Representation()
		groups[rep] = append(groups[rep], v)
	}
	return groups, nil
}

// PutFilterID records the opaque filter handle for (event_id, name).
func (s *Store) PutFilterID(eventID common.Address, name, filterID string) error {
	h := FilterHandle{EventID: eventID, FilterName: name, FilterID: filterID}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Put(filterKey(eventID, name), data, nil)
}

// ListFilterIDs returns every (name, filter_id) pair recorded for an
// event, ordered by name for determinism.
func (s *Store) ListFilterIDs(eventID common.Address) ([]FilterHandle, error) {
	prefix := filterKey(eventID, "")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var handles []FilterHandle
	for iter.Next() {
		var h FilterHandle
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			continue
		}
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].FilterName < handles[j].FilterName })
	return handles, iter.Error()
}

// GetMetadata returns an event's metadata, or a zero-value metadata if
// none has been written yet.
func (s *Store) GetMetadata(eventID common.Address) (*EventMetadata, error) {
	data, err := s.db.Get(metadataKey(eventID), nil)
	if err == leveldb.ErrNotFound {
		return &EventMetadata{RoundRewards: make(map[common.Address]UserReward)}, nil
	}
	if err != nil {
		return nil, err
	}
	var m EventMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PutMetadata persists metadata. is_consensus_reached is monotonic;
// callers (consensus.CheckConsensus) are responsible for never flipping
// it back to false — the store performs a plain overwrite.
func (s *Store) PutMetadata(eventID common.Address, m *EventMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Put(metadataKey(eventID), data, nil)
}

// PutRewards persists the reward set computed for an event,
// overwriting any earlier one. Its only caller is
// consensus.Engine.CheckConsensus, which writes it once per event, when
// it first flips is_consensus_reached.
func (s *Store) PutRewards(rs *RewardSet) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return s.db.Put(rewardsKey(rs.EventID), data, nil)
}

// GetRewardsAligned returns the (users, eth, token) triple in
// insertion order, as required by the on-chain setRewards call.
func (s *Store) GetRewardsAligned(eventID common.Address) ([]common.Address, []string, []string, error) {
	data, err := s.db.Get(rewardsKey(eventID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	var rs RewardSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, nil, nil, err
	}
	return rs.Users, rs.Eth, rs.Token, nil
}

// FlushAll drops every namespace. Used only at startup, since filter
// cursors are re-created from "earliest" (spec.md §4.B).
func (s *Store) FlushAll() error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.participantsMu.Lock()
	s.participants = make(map[common.Address]mapset.Set[common.Address])
	s.participantsMu.Unlock()
	return nil
}
