package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// Canonical 4-byte selectors for the account execution entry points.
	executeSelector      = hexutil.MustDecode("0xb61d27f6")
	executeBatchSelector = hexutil.MustDecode("0x47e1da2a")
)

func TestEncodeCallsSingleUsesExecute(t *testing.T) {
	target := common.HexToAddress("0x0000000000000000000000000000000000000011")
	data, err := EncodeCalls([]Call{{Target: target, Value: big.NewInt(42), Data: []byte{0x01, 0x02}}})
	require.NoError(t, err)
	assert.Equal(t, executeSelector, data[:4])

	out, err := accountABIParsed.Methods["execute"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, target, out[0].(common.Address))
	assert.Equal(t, int64(42), out[1].(*big.Int).Int64())
	assert.Equal(t, []byte{0x01, 0x02}, out[2].([]byte))
}

func TestEncodeCallsBatchUsesExecuteBatch(t *testing.T) {
	calls := []Call{
		{Target: common.HexToAddress("0x0000000000000000000000000000000000000011"), Data: []byte{0xaa}},
		{Target: common.HexToAddress("0x0000000000000000000000000000000000000022"), Data: []byte{0xbb}},
		{Target: common.HexToAddress("0x0000000000000000000000000000000000000033")},
	}
	data, err := EncodeCalls(calls)
	require.NoError(t, err)
	assert.Equal(t, executeBatchSelector, data[:4])

	out, err := accountABIParsed.Methods["executeBatch"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	targets := out[0].([]common.Address)
	values := out[1].([]*big.Int)
	payloads := out[2].([][]byte)
	require.Len(t, targets, 3)
	assert.Equal(t, calls[1].Target, targets[1])
	assert.Zero(t, values[2].Sign())
	assert.Equal(t, []byte{0xbb}, payloads[1])
	assert.Empty(t, payloads[2])
}

func TestEncodeCallsEmpty(t *testing.T) {
	_, err := EncodeCalls(nil)
	assert.Error(t, err)
}
