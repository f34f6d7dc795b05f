package userop

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tollgate-sh/tollgate"
)

// FeeReader reads the network fee baseline. *ethclient.Client satisfies it.
type FeeReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Result is the terminal outcome of a submitted operation.
type Result struct {
	OperationHash   common.Hash
	TransactionHash common.Hash
	Success         bool
}

// pendingRecord marks one outstanding operation per signing account. It is
// cleared on a terminal receipt or on a successful probe, never by a
// timeout alone.
type pendingRecord struct {
	nonce  *big.Int
	opHash common.Hash
}

// Submitter builds, estimates, signs, submits, and confirms relayed
// operations. It tracks at most one outstanding operation per account so
// two logically concurrent submissions cannot race at the same sequence
// number.
type Submitter struct {
	bundler    Bundler
	fees       FeeReader
	alloc      *NonceAllocator
	key        *ecdsa.PrivateKey
	entryPoint common.Address
	chainID    *big.Int

	receiptTimeout time.Duration
	pollInterval   time.Duration
	priorityFee    *big.Int
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[common.Address]*pendingRecord
}

// SubmitterOption customizes a Submitter.
type SubmitterOption func(*Submitter)

// WithReceiptTimeout overrides the bounded receipt-polling timeout.
func WithReceiptTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.receiptTimeout = d }
}

// WithPollInterval overrides the fixed receipt-polling interval.
func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.pollInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) { s.logger = logger }
}

// NewSubmitter creates a submission engine for one signing identity.
func NewSubmitter(
	bundler Bundler,
	fees FeeReader,
	alloc *NonceAllocator,
	key *ecdsa.PrivateKey,
	entryPoint common.Address,
	chainID *big.Int,
	opts ...SubmitterOption,
) *Submitter {
	s := &Submitter{
		bundler:        bundler,
		fees:           fees,
		alloc:          alloc,
		key:            key,
		entryPoint:     entryPoint,
		chainID:        chainID,
		receiptTimeout: tollgate.DefaultReceiptTimeout,
		pollInterval:   tollgate.DefaultPollInterval,
		priorityFee:    DefaultPriorityFee,
		logger:         slog.Default(),
		pending:        make(map[common.Address]*pendingRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitParams)

type submitParams struct {
	initCode []byte
}

// WithInitCode attaches the account deployment payload, needed only on the
// first operation of an undeployed account.
func WithInitCode(initCode []byte) SubmitOption {
	return func(p *submitParams) { p.initCode = initCode }
}

// dummySignature is structurally valid but cryptographically meaningless;
// the relay accepts it for gas estimation.
var dummySignature = append(bytes.Repeat([]byte{0xff}, 64), 0x1c)

// Submit executes calls as one relayed operation from sender and waits for
// a terminal receipt. Exactly one network submission happens, or two after
// a single fee bump on a recognized fee collision. The sequence number is
// permanently consumed even if the submission ultimately times out.
func (s *Submitter) Submit(ctx context.Context, sender common.Address, calls []Call, opts ...SubmitOption) (*Result, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("at least one call is required")
	}
	var params submitParams
	for _, opt := range opts {
		opt(&params)
	}

	callData, err := EncodeCalls(calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode calls: %w", err)
	}

	if err := s.alloc.Sync(ctx, sender); err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	nonce, err := s.alloc.Allocate(sender)
	if err != nil {
		return nil, err
	}

	baseline, err := s.fees.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fee baseline read failed: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	maxFee := new(big.Int).Mul(baseline, big.NewInt(feeCeilingFactor))
	priority := new(big.Int).Set(s.priorityFee)
	if priority.Cmp(maxFee) > 0 {
		priority.Set(maxFee)
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             params.initCode,
		CallData:             callData,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		Signature:            dummySignature,
	}

	estimate, err := s.bundler.EstimateGas(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	op.PreVerificationGas = withSafetyMargin(estimate.PreVerificationGas)
	op.VerificationGasLimit = withSafetyMargin(estimate.VerificationGasLimit)
	op.CallGasLimit = withSafetyMargin(estimate.CallGasLimit)

	if err := s.checkPendingConflict(ctx, sender, nonce); err != nil {
		return nil, err
	}

	if err := op.Sign(s.key, s.entryPoint, s.chainID); err != nil {
		return nil, err
	}

	opHash, err := s.bundler.SendOperation(ctx, op)
	if IsReplacementUnderpriced(err) {
		s.logger.Warn("operation underpriced, bumping fees",
			"sender", sender.Hex(), "nonce", nonce.String())
		bumpFees(op)
		if err := op.Sign(s.key, s.entryPoint, s.chainID); err != nil {
			return nil, err
		}
		opHash, err = s.bundler.SendOperation(ctx, op)
		if IsReplacementUnderpriced(err) {
			return nil, fmt.Errorf("%w: %v", tollgate.ErrReplacementUnderpriced, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("operation submission failed: %w", err)
	}

	s.mu.Lock()
	s.pending[sender] = &pendingRecord{nonce: nonce, opHash: opHash}
	s.mu.Unlock()

	s.logger.Info("operation submitted",
		"sender", sender.Hex(), "nonce", nonce.String(), "opHash", opHash.Hex())

	return s.awaitReceipt(ctx, sender, opHash)
}

// checkPendingConflict fails fast when another operation is outstanding at
// the same sequence number. A stale record with a landed receipt is cleared
// instead.
func (s *Submitter) checkPendingConflict(ctx context.Context, sender common.Address, nonce *big.Int) error {
	s.mu.Lock()
	record, exists := s.pending[sender]
	s.mu.Unlock()
	if !exists || record.nonce.Cmp(nonce) != 0 {
		return nil
	}

	receipt, err := s.bundler.GetReceipt(ctx, record.opHash)
	if err != nil {
		return fmt.Errorf("%w: pending receipt probe failed: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	if receipt == nil {
		return fmt.Errorf("%w: account %s nonce %s", tollgate.ErrConflictingSubmission, sender.Hex(), nonce.String())
	}

	s.clearPending(sender, record.opHash)
	return nil
}

// awaitReceipt polls at a fixed interval until a terminal receipt or the
// bounded timeout. A timeout does not clear the pending record; only a
// terminal receipt (here or via ProbeReceipt) does.
func (s *Submitter) awaitReceipt(ctx context.Context, sender common.Address, opHash common.Hash) (*Result, error) {
	deadline := time.NewTimer(s.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: operation %s after %s", tollgate.ErrReceiptTimeout, opHash.Hex(), s.receiptTimeout)
		case <-ticker.C:
			receipt, err := s.bundler.GetReceipt(ctx, opHash)
			if err != nil {
				s.logger.Warn("receipt poll failed", "opHash", opHash.Hex(), "error", err)
				continue
			}
			if receipt == nil {
				continue
			}
			s.clearPending(sender, opHash)
			return &Result{
				OperationHash:   opHash,
				TransactionHash: receipt.Receipt.TransactionHash,
				Success:         receipt.Success,
			}, nil
		}
	}
}

// ProbeReceipt checks whether an operation reached a terminal outcome,
// clearing the pending record if so. Callers use it to reconcile after an
// ErrReceiptTimeout.
func (s *Submitter) ProbeReceipt(ctx context.Context, sender common.Address, opHash common.Hash) (*Result, error) {
	receipt, err := s.bundler.GetReceipt(ctx, opHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	if receipt == nil {
		return nil, nil
	}
	s.clearPending(sender, opHash)
	return &Result{
		OperationHash:   opHash,
		TransactionHash: receipt.Receipt.TransactionHash,
		Success:         receipt.Success,
	}, nil
}

// Pending returns the outstanding operation hash for an account, if any.
func (s *Submitter) Pending(sender common.Address) (common.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.pending[sender]
	if !ok {
		return common.Hash{}, false
	}
	return record.opHash, true
}

func (s *Submitter) clearPending(sender common.Address, opHash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.pending[sender]; ok && record.opHash == opHash {
		delete(s.pending, sender)
	}
}

// bumpFees rescales both fee fields to 2.2x their previous values, clamping
// the priority fee to the new ceiling.
func bumpFees(op *UserOperation) {
	op.MaxFeePerGas = scaleFee(op.MaxFeePerGas)
	op.MaxPriorityFeePerGas = scaleFee(op.MaxPriorityFeePerGas)
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		op.MaxPriorityFeePerGas = new(big.Int).Set(op.MaxFeePerGas)
	}
}

func scaleFee(v *big.Int) *big.Int {
	scaled := new(big.Int).Mul(bigOrZero(v), big.NewInt(bumpNumerator))
	return scaled.Div(scaled, big.NewInt(bumpDenominator))
}

func withSafetyMargin(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul((*big.Int)(v), big.NewInt(gasSafetyFactor))
}
