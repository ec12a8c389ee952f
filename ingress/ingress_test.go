package ingress

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/verity-oracle/oracle-node/consensus"
	"github.com/verity-oracle/oracle-node/scheduler"
	"github.com/verity-oracle/oracle-node/store"
	"github.com/verity-oracle/oracle-node/voteauth"
)

func setup(t *testing.T) (*Ingress, *store.Store, common.Address, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(context.Background(), 4)
	t.Cleanup(sched.Stop)

	ownAddress := common.HexToAddress("0xaa")
	engine := consensus.New(st, nil, sched, func(ctx context.Context, id common.Address) error { return nil })
	ig := New(st, nil, sched, engine, ownAddress)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	userID := crypto.PubkeyToAddress(key.PublicKey)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	return ig, st, userID, hexKey
}

func signedVote(t *testing.T, eventID, userID common.Address, answers []store.Answer, privHex string) VotePayload {
	t.Helper()
	data := VoteData{TaskID: eventID, UserID: userID, Answers: answers}
	sig, err := voteauth.Sign(data, privHex)
	require.NoError(t, err)
	return VotePayload{Data: data, SignedData: sig}
}

func baseEvent(eventID common.Address) *store.Event {
	return &store.Event{
		EventID:                eventID,
		State:                  store.StateVoting,
		NodeAddresses:          []common.Address{common.HexToAddress("0x99")},
		RewardsValidationRound: 1,
		MinTotalVotes:          2, // one vote never reaches the (nil) chain client via CheckConsensus
		EventStart:             0,
		EventEnd:               4102444800, // far future, keeps "now" inside the window
	}
}

func TestIngestAcceptsValidVote(t *testing.T) {
	ig, st, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")

	require.NoError(t, st.PutEvent(baseEvent(eventID)))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{userID}))

	payload := signedVote(t, eventID, userID, []store.Answer{{SortKey: "a", Value: "1"}}, privHex)

	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Accepted, status)
}

func TestIngestRejectsNonParticipant(t *testing.T) {
	ig, st, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")
	require.NoError(t, st.PutEvent(baseEvent(eventID)))
	// no PutParticipants call

	payload := signedVote(t, eventID, userID, nil, privHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Rejected, status)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	ig, st, userID, _ := setup(t)
	eventID := common.HexToAddress("0x01")
	require.NoError(t, st.PutEvent(baseEvent(eventID)))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{userID}))

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherHex := common.Bytes2Hex(crypto.FromECDSA(otherKey))

	payload := signedVote(t, eventID, userID, nil, otherHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Rejected, status, "a signature from a different key must not recover to user_id")
}

func TestIngestRejectsOutsideVotingWindow(t *testing.T) {
	ig, st, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")
	event := baseEvent(eventID)
	event.EventStart = 4102444800 // starts far in the future
	event.EventEnd = 4102448400
	require.NoError(t, st.PutEvent(event))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{userID}))

	payload := signedVote(t, eventID, userID, nil, privHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Rejected, status)
}

func TestIngestRejectsWhenConsensusAlreadyReached(t *testing.T) {
	ig, st, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")
	require.NoError(t, st.PutEvent(baseEvent(eventID)))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{userID}))
	require.NoError(t, st.PutMetadata(eventID, &store.EventMetadata{IsConsensusReached: true}))

	payload := signedVote(t, eventID, userID, nil, privHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Rejected, status, "a late vote after consensus is reached must be rejected")
}

func TestIngestRejectsUnknownEvent(t *testing.T) {
	ig, _, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")

	payload := signedVote(t, eventID, userID, nil, privHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Rejected, status)
}

func TestIngestStampsOwnNodeIDAndServerTimestamp(t *testing.T) {
	ig, st, userID, privHex := setup(t)
	eventID := common.HexToAddress("0x01")
	require.NoError(t, st.PutEvent(baseEvent(eventID)))
	require.NoError(t, st.PutParticipants(eventID, []common.Address{userID}))

	before := int64(0)
	payload := signedVote(t, eventID, userID, []store.Answer{{SortKey: "a", Value: "1"}}, privHex)
	status, err := ig.Ingest(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, Accepted, status)

	vote, err := st.GetVote(eventID, userID)
	require.NoError(t, err)
	require.NotNil(t, vote)
	require.Equal(t, common.HexToAddress("0xaa"), vote.NodeID, "node_id must be the node's own address, never client-supplied")
	require.Greater(t, vote.Timestamp, before, "timestamp must be server time, never client-supplied")
}
