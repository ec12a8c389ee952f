package consensus

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/verity-oracle/oracle-node/store"
)

func testEvent(addr common.Address) *store.Event {
	return &store.Event{
		EventID:                addr,
		NodeAddresses:          []common.Address{common.HexToAddress("0xaa"), common.HexToAddress("0xbb")},
		MinTotalVotes:          2,
		MinConsensusVotes:      2,
		MinConsensusRatio:      50,
		MinParticipantRatio:    50,
		MaxUsers:               10,
		RewardsValidationRound: 1,
	}
}

func TestShouldCalculate(t *testing.T) {
	event := testEvent(common.HexToAddress("0x01"))

	require.False(t, ShouldCalculate(event, 0, 0), "no participants means no ratio to clear")
	require.False(t, ShouldCalculate(event, 10, 1), "one vote is below min_total_votes")
	require.True(t, ShouldCalculate(event, 4, 2), "2 votes / 4 participants clears both thresholds")
	require.False(t, ShouldCalculate(event, 100, 2), "2 votes / 100 participants is below min_participant_ratio")
}

func TestCalculateTieBreaksLexicographically(t *testing.T) {
	event := testEvent(common.HexToAddress("0x01"))
	event.MinConsensusVotes = 1
	event.MinConsensusRatio = 0

	groups := map[string][]*store.Vote{
		"zzz=1": {{UserID: common.HexToAddress("0x10")}},
		"aaa=1": {{UserID: common.HexToAddress("0x11")}},
	}
	result, ok := Calculate(event, groups, 2)
	require.True(t, ok)
	require.Equal(t, "aaa=1", result.Representation, "equal-size groups break ties lexicographically")
}

func TestCalculateRejectsBelowConsensusRatio(t *testing.T) {
	event := testEvent(common.HexToAddress("0x01"))
	event.MinConsensusVotes = 1
	event.MinConsensusRatio = 90

	groups := map[string][]*store.Vote{
		"a": {{UserID: common.HexToAddress("0x10")}},
		"b": {{UserID: common.HexToAddress("0x11")}},
	}
	_, ok := Calculate(event, groups, 2)
	require.False(t, ok, "50%% winner can't clear a 90%% consensus ratio requirement")
}

func TestCheckConsensusShortCircuitsOnceReached(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	eventID := common.HexToAddress("0x01")
	event := testEvent(eventID)
	event.MinTotalVotes = 1
	event.MinConsensusVotes = 1
	event.MinConsensusRatio = 0
	require.NoError(t, st.PutEvent(event))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{common.HexToAddress("0x10")}))
	require.NoError(t, st.PutVote(&store.Vote{EventID: eventID, UserID: common.HexToAddress("0x10"), Answers: []store.Answer{{SortKey: "a", Value: "1"}}}))
	require.NoError(t, st.PutMetadata(eventID, &store.EventMetadata{IsConsensusReached: true}))

	published := 0
	publish := func(ctx context.Context, id common.Address) error {
		published++
		return nil
	}
	engine := New(st, nil, nil, publish)

	// Consensus was already recorded, so CheckConsensus must return
	// before ever calling the chain client (nil here) for balances.
	require.NoError(t, engine.CheckConsensus(context.Background(), eventID))
	require.Equal(t, 0, published, "already-reached consensus must not re-publish rewards")
}
