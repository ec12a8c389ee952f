package voteauth

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	EventID common.Address `json:"event_id"`
	Value   int            `json:"value"`
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	data := samplePayload{EventID: common.HexToAddress("0x01"), Value: 7}
	sigHex, err := Sign(data, hexKey)
	require.NoError(t, err)

	sig := common.FromHex(sigHex)
	recovered, err := Recover(data, sig)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)

	ok, err := VerifySignedBy(data, sig, addr)
	require.NoError(t, err)
	require.True(t, ok)

	other := common.HexToAddress("0xdeadbeef")
	ok, err = VerifySignedBy(data, sig, other)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanonicalJSONHasNoWhitespace(t *testing.T) {
	data := samplePayload{EventID: common.HexToAddress("0x01"), Value: 1}
	out, err := CanonicalJSON(data)
	require.NoError(t, err)
	require.NotContains(t, string(out), " ")
	require.NotContains(t, string(out), "\n")
}
