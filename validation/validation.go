// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Validation Protocol

// Package validation implements the multi-round master-node handoff of
// spec.md §4.H: the master publishes a reward set on-chain, the other
// resolvers independently recompute it and vote ok/nok, and a dispute
// promotes the next resolver in node_addresses to master.
package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/verity-oracle/oracle-node/chain"
	"github.com/verity-oracle/oracle-node/consensus"
	"github.com/verity-oracle/oracle-node/reward"
	"github.com/verity-oracle/oracle-node/store"
)

const verityEventContract = "VerityEvent"

// Protocol wires the Store and Chain Client for the two round
// responsibilities: publishing rewards as master, and validating them
// as a peer.
type Protocol struct {
	store *store.Store
	chain *chain.Chain
}

func New(st *store.Store, ch *chain.Chain) *Protocol {
	return &Protocol{store: st, chain: ch}
}

// CurrentMaster returns node_addresses[round-1], the 1-indexed rule of
// spec.md §4.D/§4.H.
func CurrentMaster(event *store.Event, round int) (common.Address, error) {
	if round < 1 || round > len(event.NodeAddresses) {
		return common.Address{}, fmt.Errorf("round %d out of range for %d resolvers", round, len(event.NodeAddresses))
	}
	return event.NodeAddresses[round-1], nil
}

// SetConsensusRewards is called once this node has been elected master
// for the current round (either after the Consensus Engine's first
// reward determination, or after a ValidationRestart re-election). It
// transacts setRewards(users, eth, tok) on the event contract.
func (p *Protocol) SetConsensusRewards(ctx context.Context, eventID common.Address) error {
	users, eth, tok, err := p.store.GetRewardsAligned(eventID)
	if err != nil {
		return fmt.Errorf("load rewards for %s: %w", eventID, err)
	}
	if len(users) == 0 {
		return fmt.Errorf("no rewards on file for %s", eventID)
	}

	ethAmounts := decimalsToUint256(eth)
	tokAmounts := decimalsToUint256(tok)

	hash, err := p.chain.Transact(ctx, verityEventContract, eventID, "setRewards", users, ethAmounts, tokAmounts)
	if err != nil {
		log.Error("setRewards transaction failed", "event", eventID, "error", err)
		return err
	}
	log.Info("rewards published", "event", eventID, "tx", hash.Hex())
	return nil
}

// ValidateRewards independently recomputes the reward split for the
// current round and compares it against the reward set this node
// stored in its own Store, then transacts validateRewards(round, ok).
// The rewards the master published on-chain are not read. Called by
// non-master nodes on a ValidationStarted or ValidationRestart log
// entry.
func (p *Protocol) ValidateRewards(ctx context.Context, eventID common.Address, round int) error {
	event, err := p.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("unknown event %s", eventID)
	}

	ok, err := p.recomputeMatches(ctx, eventID, event)
	if err != nil {
		log.Error("failed to recompute rewards for validation", "event", eventID, "round", round, "error", err)
		ok = false
	}

	hash, err := p.chain.Transact(ctx, verityEventContract, eventID, "validateRewards", round, ok)
	if err != nil {
		log.Error("validateRewards transaction failed", "event", eventID, "round", round, "error", err)
		return err
	}
	log.Info("validated rewards", "event", eventID, "round", round, "ok", ok, "tx", hash.Hex())
	return nil
}

// recomputeMatches reruns the Consensus Engine's pure computation
// (Calculate + reward.Determine) and compares the result, field by
// field, against what is currently on file in the Store for this
// event: the reward set this node itself computed and persisted in
// consensus.Engine.CheckConsensus, not the master's on-chain rewards.
// Determinism (testable property 4) is what makes this comparison
// meaningful: every honest node computes byte-identical output from
// the same inputs.
func (p *Protocol) recomputeMatches(ctx context.Context, eventID common.Address, event *store.Event) (bool, error) {
	votes, err := p.store.ListVotes(eventID)
	if err != nil {
		return false, err
	}
	groups, err := p.store.GroupVotesByRepresentation(eventID)
	if err != nil {
		return false, err
	}
	result, ok := consensus.Calculate(event, groups, len(votes))
	if !ok {
		return false, nil
	}

	var balances struct {
		EthTotal   *big.Int
		TokenTotal *big.Int
	}
	if err := p.chain.Call(ctx, verityEventContract, eventID, "getBalance", &balances); err != nil {
		return false, err
	}
	ethTotal := new(uint256.Int).SetFromBig(balances.EthTotal)
	tokenTotal := new(uint256.Int).SetFromBig(balances.TokenTotal)
	recomputed := reward.Determine(eventID, result.ConsensusUsers, ethTotal, tokenTotal)

	onChainUsers, onChainEth, onChainTok, err := p.store.GetRewardsAligned(eventID)
	if err != nil {
		return false, err
	}
	return sameRewardSet(recomputed.Users, recomputed.Eth, recomputed.Token, onChainUsers, onChainEth, onChainTok), nil
}

func sameRewardSet(usersA []common.Address, ethA, tokA []string, usersB []common.Address, ethB, tokB []string) bool {
	if len(usersA) != len(usersB) || len(ethA) != len(usersA) || len(tokA) != len(usersA) ||
		len(ethB) != len(usersB) || len(tokB) != len(usersB) {
		return false
	}
	for i := range usersA {
		if usersA[i] != usersB[i] || ethA[i] != ethB[i] || tokA[i] != tokB[i] {
			return false
		}
	}
	return true
}

func decimalsToUint256(values []string) []*uint256.Int {
	out := make([]*uint256.Int, len(values))
	for i, v := range values {
		n := new(uint256.Int)
		n.SetFromDecimal(v)
		out[i] = n
	}
	return out
}
