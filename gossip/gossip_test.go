package gossip

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/verity-oracle/oracle-node/consensus"
	"github.com/verity-oracle/oracle-node/ingress"
	"github.com/verity-oracle/oracle-node/scheduler"
	"github.com/verity-oracle/oracle-node/store"
	"github.com/verity-oracle/oracle-node/voteauth"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(context.Background(), 4)
	t.Cleanup(sched.Stop)

	own := common.HexToAddress("0xaa")
	engine := consensus.New(st, nil, sched, func(ctx context.Context, id common.Address) error { return nil })
	ig := ingress.New(st, nil, sched, engine, own)
	return New(own, ig, 1<<20)
}

func TestDedupSuppressesRepeatedPayload(t *testing.T) {
	a := newTestActor(t)
	payload := []byte(`{"event_id":"0x01"}`)

	require.False(t, a.seen(payload), "first sighting is never already-seen")
	require.True(t, a.seen(payload), "second sighting of the same bytes is a dup")
}

func TestDedupDistinguishesDifferentPayloads(t *testing.T) {
	a := newTestActor(t)
	require.False(t, a.seen([]byte(`{"a":1}`)))
	require.False(t, a.seen([]byte(`{"a":2}`)))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID: common.HexToAddress("0x01"),
		Vote: ingress.VotePayload{
			Data: ingress.VoteData{
				TaskID:  common.HexToAddress("0x01"),
				UserID:  common.HexToAddress("0x02"),
				Answers: []store.Answer{{SortKey: "a", Value: "1"}},
			},
			SignedData: "0xdeadbeef",
		},
	}
	payload, err := voteauth.CanonicalJSON(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, unmarshalEnvelope(payload, &out))
	require.Equal(t, env.EventID, out.EventID)
	require.Equal(t, env.Vote.Data.UserID, out.Vote.Data.UserID)
	require.Equal(t, env.Vote.SignedData, out.Vote.SignedData)
}
