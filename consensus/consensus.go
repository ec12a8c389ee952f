// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Consensus Engine

// Package consensus implements the heuristics, plurality computation,
// and reward determination of spec.md §4.G. Grouping and grouping-tie
// resolution are pure, CPU-bound functions (Calculate) so they can run
// without yielding mid-calculation, per the atomicity requirement in
// spec.md §5; CheckConsensus is the only entry point that touches the
// Store and must run under the event's scheduler lock.
package consensus

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/verity-oracle/oracle-node/chain"
	"github.com/verity-oracle/oracle-node/reward"
	"github.com/verity-oracle/oracle-node/scheduler"
	"github.com/verity-oracle/oracle-node/store"
)

const verityEventContract = "VerityEvent"

// RewardPublisher is invoked by CheckConsensus when the local node is
// master for the event's current round. It is supplied by the wiring
// code in cmd/oraclenode (validation.SetConsensusRewards) rather than
// imported directly, so this package never depends on the validation
// package — the design note in spec.md §9 against global singletons
// extended to avoiding a consensus<->validation import cycle.
type RewardPublisher func(ctx context.Context, eventID common.Address) error

// Engine ties the Store and Chain Client together to decide when and
// how consensus is reached.
type Engine struct {
	store     *store.Store
	chain     *chain.Chain
	scheduler *scheduler.Scheduler
	publish   RewardPublisher
}

func New(st *store.Store, ch *chain.Chain, sch *scheduler.Scheduler, publish RewardPublisher) *Engine {
	return &Engine{store: st, chain: ch, scheduler: sch, publish: publish}
}

// ShouldCalculate implements the heuristic of spec.md §4.G: both the
// absolute vote count and the participant-ratio thresholds must hold.
func ShouldCalculate(event *store.Event, participantCount, voteCount int) bool {
	if int64(voteCount) < event.MinTotalVotes {
		log.Debug("should not calculate consensus: vote count below minimum",
			"event", event.EventID, "votes", voteCount, "min", event.MinTotalVotes)
		return false
	}
	if participantCount == 0 {
		return false
	}
	ratio := (voteCount * 100) / participantCount
	if int64(ratio) < event.MinParticipantRatio {
		log.Debug("should not calculate consensus: participant ratio below minimum",
			"event", event.EventID, "ratio", ratio, "min", event.MinParticipantRatio)
		return false
	}
	return true
}

// Result is the outcome of Calculate: the winning representation, the
// users who voted for it, and a representative vote to mark as the
// canonical consensus answer.
type Result struct {
	Representation string
	ConsensusUsers []common.Address
	Sample         *store.Vote
}

// Calculate groups votes by representation and applies the absolute
// and ratio thresholds of spec.md §4.G. It returns ok=false when no
// representation clears both thresholds.
func Calculate(event *store.Event, groups map[string][]*store.Vote, totalVotes int) (Result, bool) {
	if len(groups) == 0 {
		return Result{}, false
	}

	reps := make([]string, 0, len(groups))
	for rep := range groups {
		reps = append(reps, rep)
	}
	// Largest group wins; ties broken by lexicographic order of the
	// representation string, for reproducibility across nodes
	// (spec.md §4.G step 2).
	sort.Slice(reps, func(i, j int) bool {
		li, lj := len(groups[reps[i]]), len(groups[reps[j]])
		if li != lj {
			return li > lj
		}
		return reps[i] < reps[j]
	})
	winner := reps[0]
	winningVotes := groups[winner]

	if int64(len(winningVotes)) < event.MinConsensusVotes {
		log.Info("consensus not reached: below min_consensus_votes",
			"event", event.EventID, "size", len(winningVotes), "min", event.MinConsensusVotes)
		return Result{}, false
	}
	if totalVotes == 0 || (len(winningVotes)*100)/totalVotes < int(event.MinConsensusRatio) {
		log.Info("consensus not reached: below min_consensus_ratio",
			"event", event.EventID, "size", len(winningVotes), "total", totalVotes)
		return Result{}, false
	}

	users := make([]common.Address, len(winningVotes))
	for i, v := range winningVotes {
		users[i] = v.UserID
	}

	return Result{
		Representation: winner,
		ConsensusUsers: users,
		Sample:         winningVotes[0],
	}, true
}

// CheckConsensus is the full spec.md §4.G pipeline: heuristic, compute,
// monotonic metadata flip, reward determination, and — if the local
// node is master — scheduling reward publication. Callers must hold
// scheduler.EventLock(eventID) for the duration of this call.
func (e *Engine) CheckConsensus(ctx context.Context, eventID common.Address) error {
	event, err := e.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event == nil {
		return fmt.Errorf("unknown event %s", eventID)
	}

	votes, err := e.store.ListVotes(eventID)
	if err != nil {
		return err
	}
	if !ShouldCalculate(event, e.store.ParticipantCount(eventID), len(votes)) {
		return nil
	}

	groups, err := e.store.GroupVotesByRepresentation(eventID)
	if err != nil {
		return err
	}
	result, ok := Calculate(event, groups, len(votes))
	if !ok {
		return nil
	}

	meta, err := e.store.GetMetadata(eventID)
	if err != nil {
		return err
	}
	if meta.IsConsensusReached {
		log.Debug("consensus already recorded", "event", eventID)
		return nil
	}
	meta.IsConsensusReached = true
	meta.ConsensusAnswers = []string{result.Representation}
	if err := e.store.PutMetadata(eventID, meta); err != nil {
		return err
	}
	log.Info("consensus reached", "event", eventID, "users", len(result.ConsensusUsers))

	var balances struct {
		EthTotal   *big.Int
		TokenTotal *big.Int
	}
	if err := e.chain.Call(ctx, verityEventContract, eventID, "getBalance", &balances); err != nil {
		return fmt.Errorf("get balance for %s: %w", eventID, err)
	}

	ethTotal := new(uint256.Int).SetFromBig(balances.EthTotal)
	tokenTotal := new(uint256.Int).SetFromBig(balances.TokenTotal)
	rs := reward.Determine(eventID, result.ConsensusUsers, ethTotal, tokenTotal)
	if err := e.store.PutRewards(rs); err != nil {
		return err
	}

	if event.IsMasterNode {
		e.scheduler.AddJob("set-consensus-rewards:"+eventID.Hex(), func(ctx context.Context) error {
			return e.publish(ctx, eventID)
		})
	} else {
		log.Info("not master node, waiting for rewards to be set", "event", eventID)
	}
	return nil
}
