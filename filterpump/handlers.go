// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Event Filter Pump handlers

package filterpump

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/verity-oracle/oracle-node/store"
	"github.com/verity-oracle/oracle-node/validation"
)

// handleJoinEvent unions the newly-joined addresses into the
// participant set (spec.md §4.D). JoinEvent must process before
// StateTransition in the same cycle so a vote window never opens on a
// stale participant count; filterOrder enforces that ordering.
func (p *Pump) handleJoinEvent(eventID common.Address, entries []types.Log) error {
	users := make([]common.Address, 0, len(entries))
	for _, l := range entries {
		user, err := p.unpackJoinedUser(l)
		if err != nil {
			log.Error("failed to decode JoinEvent log", "event", eventID, "error", err)
			continue
		}
		users = append(users, user)
	}
	if len(users) == 0 {
		return nil
	}
	if err := p.store.PutParticipants(eventID, users); err != nil {
		return fmt.Errorf("persist participants for %s: %w", eventID, err)
	}
	log.Info("participants joined", "event", eventID, "count", len(users))
	return nil
}

func (p *Pump) unpackJoinedUser(l types.Log) (common.Address, error) {
	a, err := p.abiForEvent()
	if err != nil {
		return common.Address{}, err
	}
	event, ok := a.Events["JoinEvent"]
	if !ok {
		return common.Address{}, fmt.Errorf("contract has no JoinEvent event")
	}
	unpacked, err := event.Inputs.Unpack(l.Data)
	if err != nil {
		return common.Address{}, err
	}
	if len(unpacked) == 0 {
		return common.Address{}, fmt.Errorf("JoinEvent log carried no data")
	}
	addr, ok := unpacked[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("JoinEvent first field is not an address")
	}
	return addr, nil
}

// handleStateTransition moves the event forward in the phase machine
// of spec.md §3/§4.D. Only forward transitions are accepted; a log
// reporting a state the event has already passed is logged and
// dropped, since filter replay can redeliver old entries.
func (p *Pump) handleStateTransition(eventID common.Address, entries []types.Log) error {
	if len(entries) == 0 {
		return nil
	}
	event, err := p.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("state transition for unknown event %s", eventID)
	}

	newState, err := p.latestState(entries)
	if err != nil {
		return err
	}
	if newState <= event.State {
		log.Debug("ignoring non-forward state transition", "event", eventID, "current", event.State, "reported", newState)
		return nil
	}
	event.State = newState
	if err := p.store.PutEvent(event); err != nil {
		return err
	}
	log.Info("event state transitioned", "event", eventID, "state", newState)
	return nil
}

func (p *Pump) latestState(entries []types.Log) (store.EventState, error) {
	a, err := p.abiForEvent()
	if err != nil {
		return 0, err
	}
	def, ok := a.Events["StateTransition"]
	if !ok {
		return 0, fmt.Errorf("contract has no StateTransition event")
	}

	var latest store.EventState
	for _, l := range entries {
		unpacked, err := def.Inputs.Unpack(l.Data)
		if err != nil || len(unpacked) == 0 {
			continue
		}
		s, ok := unpacked[0].(uint8)
		if !ok {
			continue
		}
		if store.EventState(s) > latest {
			latest = store.EventState(s)
		}
	}
	return latest, nil
}

// handleErrorEvent marks the event Errored and logs the on-chain
// reason; it never transacts, since nothing downstream recovers an
// errored event automatically (spec.md §4.D).
func (p *Pump) handleErrorEvent(eventID common.Address, entries []types.Log) error {
	event, err := p.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("error event for unknown event %s", eventID)
	}
	event.State = store.StateErrored
	if err := p.store.PutEvent(event); err != nil {
		return err
	}
	log.Error("event reported on-chain error", "event", eventID, "entries", len(entries))
	return nil
}

// handleValidationStarted sets Event.rewards_validation_round to the
// log's own validationRound argument and, unless the local node is
// that round's master, schedules a validateRewards vote (spec.md
// §4.D, §4.H). The master published the rewards that triggered this
// very log, so it does not validate its own round.
func (p *Pump) handleValidationStarted(ctx context.Context, eventID common.Address, entries []types.Log) error {
	if len(entries) == 0 {
		return nil
	}
	event, err := p.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("validation started for unknown event %s", eventID)
	}

	round, err := p.unpackValidationRound("ValidationStarted", entries[0])
	if err != nil {
		return err
	}
	event.RewardsValidationRound = round
	if err := p.store.PutEvent(event); err != nil {
		return err
	}

	master, err := validation.CurrentMaster(event, round)
	if err != nil {
		return err
	}
	if master == p.ownAddress {
		log.Debug("skipping self-validation as round master", "event", eventID, "round", round)
		return nil
	}

	p.scheduler.AddJob(fmt.Sprintf("validate-rewards:%s:%d", eventID.Hex(), round), func(ctx context.Context) error {
		return p.validation.ValidateRewards(ctx, eventID, round)
	})
	log.Info("scheduled reward validation", "event", eventID, "round", round)
	return nil
}

// handleValidationRestart re-elects the master for the log's own
// validationRound argument (spec.md §4.H) and, if the local node is
// now master, schedules a fresh setRewards publication; every other
// resolver schedules a validateRewards vote for that round instead.
func (p *Pump) handleValidationRestart(ctx context.Context, eventID common.Address, entries []types.Log) error {
	if len(entries) == 0 {
		return nil
	}
	event, err := p.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("validation restart for unknown event %s", eventID)
	}

	round, err := p.unpackValidationRound("ValidationRestart", entries[0])
	if err != nil {
		return err
	}
	if round > len(event.NodeAddresses) {
		log.Error("validation restart exhausted all resolvers", "event", eventID, "round", round)
		return nil
	}

	newMaster, err := validation.CurrentMaster(event, round)
	if err != nil {
		return err
	}
	event.RewardsValidationRound = round
	event.IsMasterNode = newMaster == p.ownAddress
	if err := p.store.PutEvent(event); err != nil {
		return err
	}
	log.Info("validation round restarted", "event", eventID, "round", round, "master", newMaster)

	if event.IsMasterNode {
		p.scheduler.AddJob("set-consensus-rewards:"+eventID.Hex(), func(ctx context.Context) error {
			return p.validation.SetConsensusRewards(ctx, eventID)
		})
	} else {
		p.scheduler.AddJob(fmt.Sprintf("validate-rewards:%s:%d", eventID.Hex(), round), func(ctx context.Context) error {
			return p.validation.ValidateRewards(ctx, eventID, round)
		})
	}
	return nil
}

// unpackValidationRound decodes the validationRound argument carried
// by a ValidationStarted/ValidationRestart log (spec.md §4.D).
func (p *Pump) unpackValidationRound(eventName string, l types.Log) (int, error) {
	a, err := p.abiForEvent()
	if err != nil {
		return 0, err
	}
	def, ok := a.Events[eventName]
	if !ok {
		return 0, fmt.Errorf("contract has no %s event", eventName)
	}
	unpacked, err := def.Inputs.Unpack(l.Data)
	if err != nil {
		return 0, err
	}
	if len(unpacked) == 0 {
		return 0, fmt.Errorf("%s log carried no data", eventName)
	}
	round, ok := unpacked[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s validationRound field is not a uint256", eventName)
	}
	return int(round.Int64()), nil
}

func (p *Pump) abiForEvent() (abi.ABI, error) {
	return p.chain.ABI(verityEventContract)
}
