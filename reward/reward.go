// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Reward Determination

// Package reward implements the reward-function contract of spec.md
// §4.G: non-negative integer eth/token amounts per consensus-set user,
// Σ eth <= eth_total, Σ token <= tok_total, deterministic and stable
// under permutation of the user set. Built on
// github.com/holiman/uint256 (the teacher's own big-number type) so no
// float ever enters the computation, per the spec's explicit
// integer-only requirement and the §9 note flagging the source's
// hard-coded {eth:1, token:2} placeholder as non-normative.
package reward

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/verity-oracle/oracle-node/store"
)

// Determine computes the reference split of spec.md §4.G: floor-divide
// each balance by the consensus set size, then award the remainder to
// users sorted by address ascending, one wei/unit each until exhausted.
func Determine(eventID common.Address, consensusUsers []common.Address, ethTotal, tokenTotal *uint256.Int) *store.RewardSet {
	sorted := make([]common.Address, len(consensusUsers))
	copy(sorted, consensusUsers)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	n := uint64(len(sorted))
	rs := &store.RewardSet{
		EventID: eventID,
		Users:   sorted,
		Eth:     make([]string, n),
		Token:   make([]string, n),
	}
	if n == 0 {
		return rs
	}

	ethShares, ethRemainder := splitEven(ethTotal, n)
	tokenShares, tokenRemainder := splitEven(tokenTotal, n)

	for i := range sorted {
		eth := new(uint256.Int).Set(ethShares)
		tok := new(uint256.Int).Set(tokenShares)
		if uint64(i) < ethRemainder {
			eth.AddUint64(eth, 1)
		}
		if uint64(i) < tokenRemainder {
			tok.AddUint64(tok, 1)
		}
		rs.Eth[i] = eth.Dec()
		rs.Token[i] = tok.Dec()
	}
	return rs
}

// splitEven floor-divides total by n and returns the per-user share
// plus the remainder (< n), the number of users entitled to one extra
// unit. With those extra units the shares always sum exactly to total,
// which satisfies the <= bound of spec.md §8 property 5 with equality.
func splitEven(total *uint256.Int, n uint64) (share *uint256.Int, remainder uint64) {
	divisor := uint256.NewInt(n)
	share = new(uint256.Int).Div(total, divisor)
	rem := new(uint256.Int).Mod(total, divisor)
	return share, rem.Uint64()
}
