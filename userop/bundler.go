package userop

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Bundler is the relay network surface the submission engine consumes: gas
// estimation for an unsigned operation, submission of a signed one, and
// receipt lookup by operation hash.
type Bundler interface {
	EstimateGas(ctx context.Context, op *UserOperation) (*GasEstimate, error)
	SendOperation(ctx context.Context, op *UserOperation) (common.Hash, error)
	// GetReceipt returns nil, nil while no terminal receipt exists yet.
	GetReceipt(ctx context.Context, opHash common.Hash) (*Receipt, error)
}

// GasEstimate is the relay's cost estimate for an operation.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// Receipt is the terminal outcome of a relayed operation.
type Receipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Receipt    struct {
		TransactionHash common.Hash `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// BundlerClient talks to one fixed relay endpoint over JSON-RPC.
type BundlerClient struct {
	rpc        *rpc.Client
	entryPoint common.Address
}

// DialBundler connects to the relay endpoint at url.
func DialBundler(ctx context.Context, url string, entryPoint common.Address) (*BundlerClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bundler at %s: %w", url, err)
	}
	return NewBundlerClient(client, entryPoint), nil
}

// NewBundlerClient wraps an existing RPC client.
func NewBundlerClient(client *rpc.Client, entryPoint common.Address) *BundlerClient {
	return &BundlerClient{rpc: client, entryPoint: entryPoint}
}

// EstimateGas asks the relay to estimate the operation's gas components.
// The operation may carry a dummy signature; estimation does not verify it.
func (c *BundlerClient) EstimateGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	var estimate GasEstimate
	err := c.rpc.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, c.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}
	return &estimate, nil
}

// SendOperation submits a signed operation and returns its operation hash.
func (c *BundlerClient) SendOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var opHash common.Hash
	if err := c.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, err
	}
	return opHash, nil
}

// GetReceipt looks up the terminal receipt for an operation. Returns
// nil, nil while the operation is still pending.
func (c *BundlerClient) GetReceipt(ctx context.Context, opHash common.Hash) (*Receipt, error) {
	var receipt *Receipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash); err != nil {
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	return receipt, nil
}

// Close releases the underlying RPC connection.
func (c *BundlerClient) Close() {
	c.rpc.Close()
}

// IsReplacementUnderpriced reports whether err is the relay's transient
// fee-collision rejection, the one condition worth a single fee-bumped
// resubmission.
func IsReplacementUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "replacement underpriced")
}

var _ Bundler = (*BundlerClient)(nil)

// Fee and gas bound constants for the submission engine.
var (
	// DefaultPriorityFee is the fixed priority premium, 1 gwei.
	DefaultPriorityFee = big.NewInt(1_000_000_000)
)

const (
	// feeCeilingFactor caps maxFeePerGas at this multiple of the baseline.
	feeCeilingFactor = 2
	// gasSafetyFactor is applied to every estimated gas component.
	gasSafetyFactor = 2
	// bumpNumerator/bumpDenominator scale fees to 2.2x on a fee collision.
	bumpNumerator   = 11
	bumpDenominator = 5
)
