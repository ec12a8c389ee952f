// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Data Model

// Package store implements the persistence layer of spec.md §4.B. It is
// backed by github.com/syndtr/goleveldb (the teacher's own embedded KV
// dependency) rather than a hand-rolled storage engine: the spec treats
// the embedded store's engine as an external collaborator, specified
// only at the operations below.
package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EventState is the ordered phase machine of spec.md §4.D. Only
// forward transitions are accepted by the filter pump.
type EventState uint8

const (
	StateApplications EventState = iota
	StateVoting
	StateConsensusReached
	StateValidationRound
	StateFinalized
	StateErrored
)

func (s EventState) String() string {
	switch s {
	case StateApplications:
		return "Applications"
	case StateVoting:
		return "Voting"
	case StateConsensusReached:
		return "ConsensusReached"
	case StateValidationRound:
		return "ValidationRound"
	case StateFinalized:
		return "Finalized"
	case StateErrored:
		return "Errored"
	default:
		return fmt.Sprintf("EventState(%d)", uint8(s))
	}
}

// Event is the immutable-ish on-chain descriptor of spec.md §3, keyed
// by its contract address. Dynamic fields (State, IsMasterNode,
// RewardsValidationRound) are mutated in place by the filter pump; it
// does not take the scheduler's event lock for these writes.
type Event struct {
	EventID       common.Address `json:"event_id"`
	Owner         common.Address `json:"owner"`
	TokenAddress  common.Address `json:"token_address"`
	NodeAddresses []common.Address `json:"node_addresses"`

	ApplicationStart int64 `json:"application_start"`
	ApplicationEnd   int64 `json:"application_end"`
	EventStart       int64 `json:"event_start"`
	EventEnd         int64 `json:"event_end"`
	LeftoversRecoverableAfter int64 `json:"leftovers_recoverable_after"`

	EventName    string `json:"event_name"`
	DataFeedHash string `json:"data_feed_hash"`

	MinTotalVotes      int64 `json:"min_total_votes"`
	MinConsensusVotes  int64 `json:"min_consensus_votes"`
	MinConsensusRatio  int64 `json:"min_consensus_ratio"`  // percentage, 0-100
	MinParticipantRatio int64 `json:"min_participant_ratio"` // percentage, 0-100; see Open Question in DESIGN.md
	MaxUsers           int64 `json:"max_users"`

	State                  EventState `json:"state"`
	IsMasterNode           bool       `json:"is_master_node"`
	RewardsValidationRound int        `json:"rewards_validation_round"`

	// NodeWebsocketPorts maps a resolver's address to the gossip port
	// it advertises, so gossip.Actor never hard-codes a port (the
	// normative resolution of the §9 design note on the two websocket
	// module copies).
	NodeWebsocketPorts map[common.Address]int `json:"node_websocket_ports"`
}

// Validate checks the invariants of spec.md §3.
func (e *Event) Validate() error {
	if e.EventStart > e.EventEnd {
		return fmt.Errorf("event %s: event_start > event_end", e.EventID)
	}
	if e.ApplicationStart >= e.ApplicationEnd {
		return fmt.Errorf("event %s: application window not strictly monotone", e.EventID)
	}
	if e.MinConsensusVotes > e.MinTotalVotes || e.MinTotalVotes > e.MaxUsers {
		return fmt.Errorf("event %s: min_consensus_votes <= min_total_votes <= max_users violated", e.EventID)
	}
	if len(e.NodeAddresses) < 1 {
		return fmt.Errorf("event %s: node_addresses must be non-empty", e.EventID)
	}
	if e.RewardsValidationRound < 1 || e.RewardsValidationRound > len(e.NodeAddresses) {
		return fmt.Errorf("event %s: rewards_validation_round out of range", e.EventID)
	}
	return nil
}

// EventMetadata is kept separate from Event so it can be updated
// without racing the immutable descriptor (spec.md §3).
type EventMetadata struct {
	IsConsensusReached bool              `json:"is_consensus_reached"`
	ConsensusAnswers   []string          `json:"consensus_answers"`
	RoundRewards       map[common.Address]UserReward `json:"round_rewards"`
}

// UserReward is one user's share of the current round's reward.
type UserReward struct {
	Eth   string `json:"eth"`   // decimal string of a uint256, avoids float round-tripping
	Token string `json:"token"`
}

// Answer is one (sort_key, value) pair within a Vote.
type Answer struct {
	SortKey string `json:"sort_key"`
	Value   string `json:"value"`
}

// Vote is identified by (EventID, UserID); later writes replace
// earlier ones for the same identity (spec.md §3, §5).
type Vote struct {
	EventID   common.Address `json:"event_id"`
	UserID    common.Address `json:"user_id"`
	NodeID    common.Address `json:"node_id"`
	Timestamp int64          `json:"timestamp"`
	Answers   []Answer       `json:"answers"`
}

// Representation is the canonical grouping key used by the consensus
// engine: answers sorted by sort_key then value, serialized
// deterministically (spec.md §3, §4.G).
func (v *Vote) Representation() string {
	sorted := make([]Answer, len(v.Answers))
	copy(sorted, v.Answers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SortKey != sorted[j].SortKey {
			return sorted[i].SortKey < sorted[j].SortKey
		}
		return sorted[i].Value < sorted[j].Value
	})

	var b strings.Builder
	for i, a := range sorted {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(a.SortKey)
		b.WriteByte('=')
		b.WriteString(a.Value)
	}
	return b.String()
}

// FilterHandle is the opaque (event_id, filter_name) -> filter id
// mapping returned by the chain client.
type FilterHandle struct {
	EventID    common.Address `json:"event_id"`
	FilterName string         `json:"filter_name"`
	FilterID   string         `json:"filter_id"`
}

// RewardSet holds the parallel (users, eth, token) lists the on-chain
// setRewards call requires aligned (spec.md §3).
type RewardSet struct {
	EventID common.Address   `json:"event_id"`
	Users   []common.Address `json:"users"`
	Eth     []string         `json:"eth"`
	Token   []string         `json:"token"`
}
