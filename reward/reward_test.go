package reward

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestDetermineSplitsExactlyAndDeterministically(t *testing.T) {
	eventID := common.HexToAddress("0x01")
	users := []common.Address{
		common.HexToAddress("0x03"),
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
	}
	eth := uint256.NewInt(100)
	tok := uint256.NewInt(10)

	rs := Determine(eventID, users, eth, tok)

	require.Equal(t, []common.Address{
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
		common.HexToAddress("0x03"),
	}, rs.Users, "users are sorted ascending by address regardless of input order")

	var ethSum, tokSum uint256.Int
	for i := range rs.Eth {
		var e, tk uint256.Int
		require.NoError(t, e.SetFromDecimal(rs.Eth[i]))
		require.NoError(t, tk.SetFromDecimal(rs.Token[i]))
		ethSum.Add(&ethSum, &e)
		tokSum.Add(&tokSum, &tk)
	}
	require.Equal(t, eth.Dec(), ethSum.Dec(), "eth shares sum exactly to the total")
	require.Equal(t, tok.Dec(), tokSum.Dec(), "token shares sum exactly to the total")

	rs2 := Determine(eventID, []common.Address{users[1], users[2], users[0]}, eth, tok)
	require.Equal(t, rs.Eth, rs2.Eth, "permuting the input user order does not change the output")
	require.Equal(t, rs.Token, rs2.Token, "permuting the input user order does not change the output")
}

func TestDetermineEmptyConsensusSet(t *testing.T) {
	rs := Determine(common.HexToAddress("0x01"), nil, uint256.NewInt(5), uint256.NewInt(5))
	require.Empty(t, rs.Users)
	require.Empty(t, rs.Eth)
	require.Empty(t, rs.Token)
}
