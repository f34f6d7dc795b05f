// Package registry is the on-chain surface the payment gate and revenue
// router consume: resource lookups, funding configuration, gateway payment
// verification, sequence-number reads, and calldata builders for the write
// path (writes go through the relayed-operation engine).
package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/userop"
)

// Caller performs read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const entryPointABI = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
		{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
		"outputs":[{"name":"nonce","type":"uint256"}]}
]`

const registryABI = `[
	{"type":"function","name":"getResource","stateMutability":"view","inputs":[
		{"name":"resourceId","type":"string"}],
		"outputs":[
			{"name":"owner","type":"address"},
			{"name":"price","type":"uint256"},
			{"name":"poolFunded","type":"bool"},
			{"name":"exists","type":"bool"}]},
	{"type":"function","name":"getFundingConfig","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],
		"outputs":[
			{"name":"needsFunding","type":"bool"},
			{"name":"splitRatioBps","type":"uint256"}]},
	{"type":"function","name":"getFundingAccounts","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],
		"outputs":[
			{"name":"pool","type":"address"},
			{"name":"wallet","type":"address"}]},
	{"type":"function","name":"recordUsage","inputs":[
		{"name":"resourceId","type":"string"},
		{"name":"amount","type":"uint256"}]}
]`

const gatewayABI = `[
	{"type":"function","name":"verifyPayment","stateMutability":"view","inputs":[
		{"name":"paymentId","type":"bytes32"}],
		"outputs":[
			{"name":"payer","type":"address"},
			{"name":"recipient","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"settled","type":"bool"}]}
]`

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

var (
	entryPointParsed = mustABI(entryPointABI)
	registryParsed   = mustABI(registryABI)
	gatewayParsed    = mustABI(gatewayABI)
	erc20Parsed      = mustABI(erc20ABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("registry: bad abi: %v", err))
	}
	return parsed
}

// RoutingInfo is the routing view of one paid resource, resolved once per
// request from three on-chain views and not cached across requests.
type RoutingInfo struct {
	Owner         common.Address
	Price         *big.Int
	PoolFunded    bool
	NeedsFunding  bool
	SplitRatioBps uint32
	Pool          common.Address
	Wallet        common.Address
}

// SplitsToPool reports whether proceeds for this resource route through the
// reserve pool: pool-funded, positive split ratio, and both funding
// accounts resolvable.
func (r *RoutingInfo) SplitsToPool() bool {
	return r.PoolFunded && r.SplitRatioBps > 0 &&
		r.Pool != (common.Address{}) && r.Wallet != (common.Address{})
}

// PaymentRecord is the gateway contract's view of one committed payment.
type PaymentRecord struct {
	Payer     common.Address
	Recipient common.Address
	Amount    *big.Int
	Settled   bool
}

// Registry reads the resource registry, the payment gateway, and the entry
// point through one chain RPC connection.
type Registry struct {
	caller     Caller
	entryPoint common.Address
	registry   common.Address
	gateway    common.Address
}

// New creates a Registry bound to the three contract addresses.
func New(caller Caller, entryPoint, registryAddr, gateway common.Address) *Registry {
	return &Registry{
		caller:     caller,
		entryPoint: entryPoint,
		registry:   registryAddr,
		gateway:    gateway,
	}
}

// NextNonce reads the authoritative next sequence number for account from
// the entry point. Implements userop.NonceReader.
func (r *Registry) NextNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := r.call(ctx, r.entryPoint, entryPointParsed, "getNonce", account, new(big.Int))
	if err != nil {
		return nil, err
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce output %T", out[0])
	}
	return nonce, nil
}

// ResolveRouting derives the RoutingInfo for one resource. Returns
// tollgate.ErrResourceNotFound for unregistered resources.
func (r *Registry) ResolveRouting(ctx context.Context, resourceID string) (*RoutingInfo, error) {
	out, err := r.call(ctx, r.registry, registryParsed, "getResource", resourceID)
	if err != nil {
		return nil, err
	}
	info := &RoutingInfo{
		Owner:      out[0].(common.Address),
		Price:      out[1].(*big.Int),
		PoolFunded: out[2].(bool),
	}
	if exists := out[3].(bool); !exists {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrResourceNotFound, resourceID)
	}

	out, err = r.call(ctx, r.registry, registryParsed, "getFundingConfig", info.Owner)
	if err != nil {
		return nil, err
	}
	info.NeedsFunding = out[0].(bool)
	info.SplitRatioBps = uint32(out[1].(*big.Int).Uint64())

	out, err = r.call(ctx, r.registry, registryParsed, "getFundingAccounts", info.Owner)
	if err != nil {
		return nil, err
	}
	info.Pool = out[0].(common.Address)
	info.Wallet = out[1].(common.Address)

	return info, nil
}

// VerifyPayment reads the gateway payment record behind an opaque
// reference. Returns the record; callers decide on settled state and
// amount sufficiency.
func (r *Registry) VerifyPayment(ctx context.Context, reference string) (*PaymentRecord, error) {
	out, err := r.call(ctx, r.gateway, gatewayParsed, "verifyPayment", ReferenceKey(reference))
	if err != nil {
		return nil, err
	}
	return &PaymentRecord{
		Payer:     out[0].(common.Address),
		Recipient: out[1].(common.Address),
		Amount:    out[2].(*big.Int),
		Settled:   out[3].(bool),
	}, nil
}

// RecordUsageCall builds the registry usage-recording sub-call for the
// relayed write path.
func (r *Registry) RecordUsageCall(resourceID string, amount *big.Int) (userop.Call, error) {
	data, err := registryParsed.Pack("recordUsage", resourceID, amount)
	if err != nil {
		return userop.Call{}, fmt.Errorf("failed to pack recordUsage: %w", err)
	}
	return userop.Call{Target: r.registry, Data: data}, nil
}

// ERC20TransferCall builds a token transfer sub-call for the relayed write
// path.
func ERC20TransferCall(asset, to common.Address, amount *big.Int) (userop.Call, error) {
	data, err := erc20Parsed.Pack("transfer", to, amount)
	if err != nil {
		return userop.Call{}, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return userop.Call{Target: asset, Data: data}, nil
}

// ReferenceKey maps an opaque payment reference to the gateway's bytes32
// key: 32-byte hex references are used directly, anything else is hashed.
func ReferenceKey(reference string) [32]byte {
	if strings.HasPrefix(reference, "0x") && len(reference) == 66 {
		if raw := common.FromHex(reference); len(raw) == 32 {
			var key [32]byte
			copy(key[:], raw)
			return key
		}
	}
	return [32]byte(crypto.Keccak256Hash([]byte(reference)))
}

func (r *Registry) call(ctx context.Context, target common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := parsed.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}
