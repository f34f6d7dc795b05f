// Package revenue routes settled proceeds after a payment clears: either a
// basis-point split between a reserve pool and an operating wallet plus a
// usage-recording write, or usage recording alone. Routing runs detached
// from the request that triggered it; its failures are logged, never
// surfaced, and never unwind the settled payment.
package revenue

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tollgate-sh/tollgate/registry"
	"github.com/tollgate-sh/tollgate/userop"
)

// bpsDenominator is the basis-point scale: 10000 bps = 100%.
const bpsDenominator = 10_000

// Engine submits relayed operations. *userop.Submitter satisfies it.
type Engine interface {
	Submit(ctx context.Context, sender common.Address, calls []userop.Call, opts ...userop.SubmitOption) (*userop.Result, error)
}

// UsageRecorder builds the usage-recording sub-call. *registry.Registry
// satisfies it.
type UsageRecorder interface {
	RecordUsageCall(resourceID string, amount *big.Int) (userop.Call, error)
}

// Router executes post-settlement proceeds routing from the operator
// account, the programmable account holding the just-settled funds.
type Router struct {
	engine   Engine
	recorder UsageRecorder
	operator common.Address
	asset    common.Address
	timeout  time.Duration
	logger   *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithTimeout bounds each detached routing run.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a Router paying out of operator in asset.
func NewRouter(engine Engine, recorder UsageRecorder, operator, asset common.Address, opts ...Option) *Router {
	r := &Router{
		engine:   engine,
		recorder: recorder,
		operator: operator,
		asset:    asset,
		timeout:  5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SplitAmount computes the pool and wallet shares of total at the given
// basis-point ratio. The two shares always sum to total; rounding dust goes
// to the wallet.
func SplitAmount(total *big.Int, splitRatioBps uint32) (pool, wallet *big.Int) {
	pool = new(big.Int).Mul(total, big.NewInt(int64(splitRatioBps)))
	pool.Div(pool, big.NewInt(bpsDenominator))
	wallet = new(big.Int).Sub(total, pool)
	return pool, wallet
}

// Route pays out total for one settled request. Pool-routed resources get a
// split transfer pair (zero-value legs skipped) batched with the usage
// write into one relayed operation; everything else records usage only,
// with the proceeds staying wherever they landed.
func (r *Router) Route(ctx context.Context, resourceID string, total *big.Int, routing *registry.RoutingInfo) error {
	usageCall, err := r.recorder.RecordUsageCall(resourceID, total)
	if err != nil {
		return err
	}

	var calls []userop.Call
	if routing.SplitsToPool() {
		poolShare, walletShare := SplitAmount(total, routing.SplitRatioBps)
		if poolShare.Sign() > 0 {
			call, err := registry.ERC20TransferCall(r.asset, routing.Pool, poolShare)
			if err != nil {
				return err
			}
			calls = append(calls, call)
		}
		if walletShare.Sign() > 0 {
			call, err := registry.ERC20TransferCall(r.asset, routing.Wallet, walletShare)
			if err != nil {
				return err
			}
			calls = append(calls, call)
		}
	}
	calls = append(calls, usageCall)

	result, err := r.engine.Submit(ctx, r.operator, calls)
	if err != nil {
		return fmt.Errorf("revenue routing for %s failed: %w", resourceID, err)
	}
	if !result.Success {
		return fmt.Errorf("revenue routing for %s reverted in %s", resourceID, result.TransactionHash.Hex())
	}
	return nil
}

// RecordUsage writes usage statistics only, the gateway-path bookkeeping:
// the gateway contract already applied the split transactionally.
func (r *Router) RecordUsage(ctx context.Context, resourceID string, total *big.Int) error {
	usageCall, err := r.recorder.RecordUsageCall(resourceID, total)
	if err != nil {
		return err
	}
	result, err := r.engine.Submit(ctx, r.operator, []userop.Call{usageCall})
	if err != nil {
		return fmt.Errorf("usage recording for %s failed: %w", resourceID, err)
	}
	if !result.Success {
		return fmt.Errorf("usage recording for %s reverted in %s", resourceID, result.TransactionHash.Hex())
	}
	return nil
}

// RouteAsync runs Route detached from the calling request. A failed split
// never blocks or reverses the settled payment; it is logged for manual
// reconciliation.
func (r *Router) RouteAsync(resourceID string, total *big.Int, routing *registry.RoutingInfo) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Route(ctx, resourceID, total, routing); err != nil {
			r.logger.Error("revenue routing failed",
				"resource", resourceID, "amount", total.String(), "error", err)
		}
	}()
}

// RecordUsageAsync runs RecordUsage detached from the calling request.
func (r *Router) RecordUsageAsync(resourceID string, total *big.Int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.RecordUsage(ctx, resourceID, total); err != nil {
			r.logger.Error("usage recording failed",
				"resource", resourceID, "amount", total.String(), "error", err)
		}
	}()
}
