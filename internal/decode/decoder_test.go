package decode

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const trustlineUpdateABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_creditor", "type": "address"},
			{"indexed": true, "name": "_debtor", "type": "address"},
			{"indexed": false, "name": "_creditlineGiven", "type": "uint256"},
			{"indexed": false, "name": "_creditlineReceived", "type": "uint256"}
		],
		"name": "TrustlineUpdate",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_from", "type": "address"},
			{"indexed": true, "name": "_to", "type": "address"},
			{"indexed": false, "name": "_value", "type": "uint256"}
		],
		"name": "BalanceUpdate",
		"type": "event"
	}
]`

func mustParseABI(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(raw))
	require.NoError(t, err)
	return parsed
}

func TestNewTopicIndex_RegistersEveryEventPerAddress(t *testing.T) {
	contractABI := mustParseABI(t, trustlineUpdateABIJSON)
	addr := "0x1111111111111111111111111111111111111111"

	idx := NewTopicIndex(map[string]abi.ABI{addr: contractABI})

	require.Equal(t, []string{addr}, idx.Addresses())

	trustlineTopic := crypto.Keccak256Hash([]byte("TrustlineUpdate(address,address,uint256,uint256)"))
	_, ok := idx.byTopic[topicKey{address: common.HexToAddress(addr), topic: trustlineTopic}]
	require.True(t, ok)
}

func TestDecodeLog_TrustlineUpdate(t *testing.T) {
	contractABI := mustParseABI(t, trustlineUpdateABIJSON)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	creditor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	debtor := common.HexToAddress("0x3333333333333333333333333333333333333333")

	idx := NewTopicIndex(map[string]abi.ABI{addr.Hex(): contractABI})

	event := contractABI.Events["TrustlineUpdate"]
	packed, err := event.Inputs.NonIndexed().Pack(big.NewInt(1000), big.NewInt(2000))
	require.NoError(t, err)

	log := types.Log{
		Address: addr,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(creditor.Bytes()),
			common.BytesToHash(debtor.Bytes()),
		},
		Data:        packed,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xaaaa"),
		BlockHash:   common.HexToHash("0xbbbb"),
		TxIndex:     1,
		Index:       2,
	}

	decoded, err := idx.DecodeLog(log)
	require.NoError(t, err)
	require.Equal(t, "TrustlineUpdate", decoded.Name)
	require.Equal(t, addr.Hex(), decoded.Address)
	require.Equal(t, uint64(42), decoded.BlockNumber)
	require.Equal(t, creditor.Hex(), decoded.Args["_creditor"])
	require.Equal(t, debtor.Hex(), decoded.Args["_debtor"])
	require.Equal(t, big.NewInt(1000), decoded.Args["_creditlineGiven"])
	require.Equal(t, big.NewInt(2000), decoded.Args["_creditlineReceived"])
}

func TestDecodeLog_UnknownTopicIsNotFatal(t *testing.T) {
	contractABI := mustParseABI(t, trustlineUpdateABIJSON)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	idx := NewTopicIndex(map[string]abi.ABI{addr.Hex(): contractABI})

	log := types.Log{
		Address: addr,
		Topics:  []common.Hash{common.HexToHash("0xdeadbeef")},
	}

	_, err := idx.DecodeLog(log)
	require.ErrorIs(t, err, ErrUnknownTopic)
}
