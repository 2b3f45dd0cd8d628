package chain

import (
	"math/big"
	"strings"
	"testing"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func parsedChannelManagerABI(t *testing.T) ethabi.ABI {
	t.Helper()
	parsed, err := ethabi.JSON(strings.NewReader(channelManagerABI))
	require.NoError(t, err)
	return parsed
}

func TestChannelManagerABIPacksSequencer(t *testing.T) {
	abi := parsedChannelManagerABI(t)
	data, err := abi.Pack("sequencer")
	require.NoError(t, err)
	require.Len(t, data, 4) // selector only, no arguments
}

func TestChannelManagerABIPacksGetUserChannelLength(t *testing.T) {
	abi := parsedChannelManagerABI(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000abc")
	data, err := abi.Pack("getUserChannelLength", owner)
	require.NoError(t, err)
	require.Len(t, data, 4+32)
}

func TestChannelManagerABIPacksUserChannels(t *testing.T) {
	abi := parsedChannelManagerABI(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000abc")
	data, err := abi.Pack("userChannels", owner, big.NewInt(3))
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
}

func TestChannelManagerABIPacksFinalCloseBySequencer(t *testing.T) {
	abi := parsedChannelManagerABI(t)
	var channelID [32]byte
	recipients := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x2")}
	amounts := []*big.Int{big.NewInt(100), big.NewInt(200)}
	_, err := abi.Pack("finalCloseBySequencer", channelID, big.NewInt(1), big.NewInt(2), recipients, amounts, []byte{0xde, 0xad})
	require.NoError(t, err)
}
