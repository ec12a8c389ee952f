// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Vote Ingress

// Package ingress implements the Vote Ingress pipeline of spec.md
// §4.E: validate, authenticate, and persist an incoming vote, then
// schedule a consensus check. The pipeline is a plain sequence of
// guard clauses returning a 3-valued Status, grounded the same way the
// teacher validates inbound RPC payloads in
// cmd/equa-beacon-engine/engine before touching any shared state.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/verity-oracle/oracle-node/chain"
	"github.com/verity-oracle/oracle-node/consensus"
	"github.com/verity-oracle/oracle-node/scheduler"
	"github.com/verity-oracle/oracle-node/store"
	"github.com/verity-oracle/oracle-node/voteauth"
)

// Status is the 3-valued outcome of Ingest. There is no "error" value
// distinct from Rejected: every failure mode spec.md §4.E names is a
// hard rejection, never a best-effort partial accept (the resolved
// anomaly in spec.md §9 against silently tolerating bad signatures).
type Status int

const (
	Accepted Status = iota
	Rejected
	Stale
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// VoteData is exactly what the submitter signs: task_id, user_id, and
// the answers, mirroring original_source/app/common.py's is_vote_signed
// (no node_id, no timestamp — both are server-authoritative).
type VoteData struct {
	TaskID  common.Address `json:"task_id"`
	UserID  common.Address `json:"user_id"`
	Answers []store.Answer `json:"answers"`
}

// VotePayload is the wire shape of an inbound vote submission, per
// spec.md §6: {data, signedData}.
type VotePayload struct {
	Data       VoteData `json:"data"`
	SignedData string   `json:"signedData"`
}

// Ingress owns the vote acceptance pipeline for every event.
type Ingress struct {
	store      *store.Store
	chain      *chain.Chain
	scheduler  *scheduler.Scheduler
	consensus  *consensus.Engine
	ownAddress common.Address
}

func New(st *store.Store, ch *chain.Chain, sch *scheduler.Scheduler, ce *consensus.Engine, ownAddress common.Address) *Ingress {
	return &Ingress{store: st, chain: ch, scheduler: sch, consensus: ce, ownAddress: ownAddress}
}

// Ingest runs the seven-step pipeline of spec.md §4.E:
//  1. schema check (handled by the caller's JSON decode plus the field
//     presence this function assumes)
//  2. the signature must recover to data.user_id (hard reject on mismatch)
//  3. the event must exist, must not have already reached consensus, and
//     now must fall within [event_start, event_end]
//  4. the submitter must be a recorded participant
//  5. the vote is persisted with node_id = own_address, timestamp = now
//  6. (peer re-broadcast is the caller's responsibility, e.g. gossip.Actor)
//  7. a consensus check is scheduled under the event's lock
func (ig *Ingress) Ingest(ctx context.Context, payload VotePayload) (Status, error) {
	eventID := payload.Data.TaskID
	userID := payload.Data.UserID

	sig, err := decodeSignature(payload.SignedData)
	if err != nil {
		log.Debug("vote rejected: malformed signature", "event", eventID, "user", userID, "error", err)
		return Rejected, nil
	}
	ok, err := voteauth.VerifySignedBy(payload.Data, sig, userID)
	if err != nil || !ok {
		log.Debug("vote rejected: signature does not recover to user_id", "event", eventID, "user", userID)
		return Rejected, nil
	}

	event, err := ig.store.GetEvent(eventID)
	if err != nil {
		return Rejected, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event == nil {
		log.Debug("vote rejected: unknown event", "event", eventID)
		return Rejected, nil
	}

	meta, err := ig.store.GetMetadata(eventID)
	if err != nil {
		return Rejected, fmt.Errorf("load metadata %s: %w", eventID, err)
	}
	if meta.IsConsensusReached {
		log.Debug("vote rejected: consensus already reached", "event", eventID, "user", userID)
		return Rejected, nil
	}

	now := time.Now().Unix()
	if now < event.EventStart || now > event.EventEnd {
		log.Debug("vote rejected: outside event window", "event", eventID, "user", userID, "now", now, "start", event.EventStart, "end", event.EventEnd)
		return Rejected, nil
	}

	if !ig.store.ExistsParticipant(eventID, userID) {
		log.Debug("vote rejected: not a participant", "event", eventID, "user", userID)
		return Rejected, nil
	}

	existing, err := ig.store.GetVote(eventID, userID)
	if err != nil {
		return Rejected, err
	}
	if existing != nil && existing.Timestamp >= now {
		log.Debug("vote rejected: stale timestamp", "event", eventID, "user", userID)
		return Stale, nil
	}

	vote := &store.Vote{
		EventID:   eventID,
		UserID:    userID,
		NodeID:    ig.ownAddress,
		Timestamp: now,
		Answers:   payload.Data.Answers,
	}
	if err := ig.store.PutVote(vote); err != nil {
		return Rejected, fmt.Errorf("persist vote: %w", err)
	}
	log.Info("vote accepted", "event", eventID, "user", userID, "at", time.Unix(now, 0))

	ig.scheduleConsensusCheck(eventID)
	return Accepted, nil
}

// scheduleConsensusCheck enqueues a consensus recomputation guarded by
// the event's own lock, so concurrent votes for the same event never
// race the consensus calculation (spec.md §5).
func (ig *Ingress) scheduleConsensusCheck(eventID common.Address) {
	ig.scheduler.AddJob("check-consensus:"+eventID.Hex(), func(ctx context.Context) error {
		lock := ig.scheduler.EventLock(eventID.Hex())
		lock.Lock()
		defer lock.Unlock()
		return ig.consensus.CheckConsensus(ctx, eventID)
	})
}

func decodeSignature(hexSig string) ([]byte, error) {
	if len(hexSig) < 2 || hexSig[0] != '0' || (hexSig[1] != 'x' && hexSig[1] != 'X') {
		return nil, fmt.Errorf("signature must be 0x-prefixed")
	}
	raw := common.FromHex(hexSig)
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must decode to 65 bytes, got %d", len(raw))
	}
	return raw, nil
}
