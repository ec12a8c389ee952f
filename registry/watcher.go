// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Registry Watcher

// Package registry implements spec.md §4.C: the single long-lived
// filter on the event registry contract that discovers new events and
// hands each one to the filter pump for bootstrap. Modeled on the
// teacher's engine.slotTicker/slotProcessor split in
// cmd/equa-beacon-engine/engine: one cron body requests new log
// entries, decodes them, and fans each discovered address out to the
// filter pump rather than processing inline.
package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/verity-oracle/oracle-node/chain"
	"github.com/verity-oracle/oracle-node/filterpump"
	"github.com/verity-oracle/oracle-node/store"
)

const (
	registryContract   = "VerityEventRegistry"
	newEventLogName    = "NewEvent"
)

// Watcher owns the registry's single filter and drives bootstrap of
// newly discovered events.
type Watcher struct {
	store          *store.Store
	chain          *chain.Chain
	pump           *filterpump.Pump
	registryAddr   common.Address
}

func New(st *store.Store, ch *chain.Chain, pump *filterpump.Pump, registryAddr common.Address) *Watcher {
	return &Watcher{store: st, chain: ch, pump: pump, registryAddr: registryAddr}
}

// Bootstrap implements spec.md §4.C step 1: flush the local store (all
// filter cursors are re-derived from "earliest" on every startup, so no
// stale cursor survives a restart), install the registry filter, and
// process whatever history it returns before returning.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	if err := w.store.FlushAll(); err != nil {
		return fmt.Errorf("flush store at startup: %w", err)
	}

	filterID, err := w.chain.InstallFilter(ctx, registryContract, w.registryAddr, newEventLogName, "earliest")
	if err != nil {
		return fmt.Errorf("install registry filter: %w", err)
	}
	if err := w.store.PutFilterID(w.registryAddr, newEventLogName, string(filterID)); err != nil {
		return err
	}

	entries, err := w.chain.GetAllEntries(ctx, filterID)
	if err != nil {
		return fmt.Errorf("read registry history: %w", err)
	}
	return w.processEntries(ctx, entries)
}

// Drain is the registry's cron body: pull whatever new entries have
// accumulated since the last cycle and bootstrap each discovered
// event. A drain error for one entry never blocks the others (spec.md
// §4.C's isolation requirement, mirrored from the filter pump).
func (w *Watcher) Drain(ctx context.Context) error {
	handles, err := w.store.ListFilterIDs(w.registryAddr)
	if err != nil {
		return err
	}
	var filterID chain.FilterID
	for _, h := range handles {
		if h.FilterName == newEventLogName {
			filterID = chain.FilterID(h.FilterID)
			break
		}
	}
	if filterID == "" {
		return fmt.Errorf("registry filter not installed, call Bootstrap first")
	}

	entries, err := w.chain.GetLogs(ctx, filterID)
	if err != nil {
		return fmt.Errorf("drain registry filter: %w", err)
	}
	return w.processEntries(ctx, entries)
}

func (w *Watcher) processEntries(ctx context.Context, entries []types.Log) error {
	for _, l := range entries {
		eventID, err := w.decodeEventAddress(l)
		if err != nil {
			log.Error("failed to decode NewEvent log", "error", err)
			continue
		}
		log.Info("discovered event", "event", eventID)
		if err := w.pump.Bootstrap(ctx, eventID); err != nil {
			log.Error("failed to bootstrap discovered event", "event", eventID, "error", err)
			continue
		}
	}
	return nil
}

func (w *Watcher) decodeEventAddress(l types.Log) (common.Address, error) {
	a, err := w.chain.ABI(registryContract)
	if err != nil {
		return common.Address{}, err
	}
	def, ok := a.Events[newEventLogName]
	if !ok {
		return common.Address{}, fmt.Errorf("registry contract has no %s event", newEventLogName)
	}
	unpacked, err := def.Inputs.Unpack(l.Data)
	if err != nil {
		return common.Address{}, err
	}
	if len(unpacked) == 0 {
		return common.Address{}, fmt.Errorf("%s log carried no data", newEventLogName)
	}
	addr, ok := unpacked[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s first field is not an address", newEventLogName)
	}
	return addr, nil
}
