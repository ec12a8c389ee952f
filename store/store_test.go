package store

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestParticipantsUnionAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)

	eventID := common.HexToAddress("0x01")
	a := common.HexToAddress("0x10")
	b := common.HexToAddress("0x11")

	require.NoError(t, st.PutParticipants(eventID, []common.Address{a}))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{b}))
	require.Equal(t, 2, st.ParticipantCount(eventID))
	require.True(t, st.ExistsParticipant(eventID, a))
	require.True(t, st.ExistsParticipant(eventID, b))
	require.NoError(t, st.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, 2, reopened.ParticipantCount(eventID), "participant mirror rebuilds from goleveldb on reopen")
}

func TestGroupVotesByRepresentation(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	eventID := common.HexToAddress("0x01")
	same := []Answer{{SortKey: "z", Value: "1"}, {SortKey: "a", Value: "2"}}
	reordered := []Answer{{SortKey: "a", Value: "2"}, {SortKey: "z", Value: "1"}}

	require.NoError(t, st.PutVote(&Vote{EventID: eventID, UserID: common.HexToAddress("0x10"), Answers: same}))
	require.NoError(t, st.PutVote(&Vote{EventID: eventID, UserID: common.HexToAddress("0x11"), Answers: reordered}))
	require.NoError(t, st.PutVote(&Vote{EventID: eventID, UserID: common.HexToAddress("0x12"), Answers: []Answer{{SortKey: "a", Value: "3"}}}))

	groups, err := st.GroupVotesByRepresentation(eventID)
	require.NoError(t, err)
	require.Len(t, groups, 2, "answer-order-insensitive votes group together")

	for rep, votes := range groups {
		if len(votes) == 2 {
			require.Equal(t, "a=2|z=1", rep)
		}
	}
}

func TestPutVoteOverwritesByUser(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	eventID := common.HexToAddress("0x01")
	user := common.HexToAddress("0x10")

	require.NoError(t, st.PutVote(&Vote{EventID: eventID, UserID: user, Timestamp: 1}))
	require.NoError(t, st.PutVote(&Vote{EventID: eventID, UserID: user, Timestamp: 2}))

	votes, err := st.ListVotes(eventID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.EqualValues(t, 2, votes[0].Timestamp)
}

func TestEventValidate(t *testing.T) {
	good := &Event{
		EventID:                common.HexToAddress("0x01"),
		ApplicationStart:       1,
		ApplicationEnd:         2,
		EventStart:             3,
		EventEnd:               4,
		MinConsensusVotes:      1,
		MinTotalVotes:          2,
		MaxUsers:               5,
		NodeAddresses:          []common.Address{common.HexToAddress("0x02")},
		RewardsValidationRound: 1,
	}
	require.NoError(t, good.Validate())

	bad := *good
	bad.EventStart = 100
	require.Error(t, bad.Validate())
}
