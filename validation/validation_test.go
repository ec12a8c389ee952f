package validation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/verity-oracle/oracle-node/store"
)

func TestCurrentMaster(t *testing.T) {
	event := &store.Event{
		NodeAddresses: []common.Address{
			common.HexToAddress("0x01"),
			common.HexToAddress("0x02"),
			common.HexToAddress("0x03"),
		},
	}

	m, err := CurrentMaster(event, 1)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x01"), m)

	m, err = CurrentMaster(event, 3)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x03"), m)

	_, err = CurrentMaster(event, 0)
	require.Error(t, err, "round is 1-indexed")

	_, err = CurrentMaster(event, 4)
	require.Error(t, err, "round can't exceed the resolver count")
}

func TestSameRewardSet(t *testing.T) {
	users := []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}
	require.True(t, sameRewardSet(users, []string{"1", "2"}, []string{"3", "4"}, users, []string{"1", "2"}, []string{"3", "4"}))
	require.False(t, sameRewardSet(users, []string{"1", "2"}, []string{"3", "4"}, users, []string{"1", "9"}, []string{"3", "4"}))
	require.False(t, sameRewardSet(users, []string{"1"}, []string{"3"}, users, []string{"1", "2"}, []string{"3", "4"}))
}

func TestDecimalsToUint256(t *testing.T) {
	out := decimalsToUint256([]string{"0", "123", "999999999999999999"})
	require.Len(t, out, 3)
	require.Equal(t, "0", out[0].Dec())
	require.Equal(t, "123", out[1].Dec())
	require.Equal(t, "999999999999999999", out[2].Dec())
}
