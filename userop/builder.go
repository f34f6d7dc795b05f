package userop

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is one sub-call of a relayed operation: a target, an attached value,
// and the call payload.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Account execution entry points. One call uses the single-call form, more
// than one the batched form; the account contract executes a batch
// atomically. Policy checks (allowed targets, spending limits) live on the
// account contract, not here.
const accountABI = `[
	{"type":"function","name":"execute","inputs":[
		{"name":"dest","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"func","type":"bytes"}]},
	{"type":"function","name":"executeBatch","inputs":[
		{"name":"dest","type":"address[]"},
		{"name":"value","type":"uint256[]"},
		{"name":"func","type":"bytes[]"}]}
]`

var accountABIParsed = mustABI(accountABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("userop: bad account abi: %v", err))
	}
	return parsed
}

// EncodeExecute encodes a single sub-call into the account's execute form.
func EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	return accountABIParsed.Pack("execute", target, bigOrZero(value), emptyBytesIfNil(data))
}

// EncodeExecuteBatch encodes multiple sub-calls into the account's
// executeBatch form.
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	payloads := make([][]byte, len(calls))
	for i, call := range calls {
		targets[i] = call.Target
		values[i] = bigOrZero(call.Value)
		payloads[i] = emptyBytesIfNil(call.Data)
	}
	return accountABIParsed.Pack("executeBatch", targets, values, payloads)
}

// EncodeCalls encodes one or more sub-calls into the single calldata blob
// the account executes: the execute form for exactly one call, the
// executeBatch form otherwise.
func EncodeCalls(calls []Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, fmt.Errorf("at least one call is required")
	case 1:
		return EncodeExecute(calls[0].Target, calls[0].Value, calls[0].Data)
	default:
		return EncodeExecuteBatch(calls)
	}
}

func emptyBytesIfNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
