package userop

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tollgate-sh/tollgate"
)

// NonceReader reads the authoritative next sequence number for an account.
// The entry point contract is the usual implementation.
type NonceReader interface {
	NextNonce(ctx context.Context, account common.Address) (*big.Int, error)
}

// NonceAllocator hands out unique, strictly increasing sequence numbers for
// signing accounts. It is synced against the authoritative source and
// thereafter advanced purely in memory, so many concurrent submissions can
// share one signing identity without colliding.
//
// State is process-local and non-durable. Running multiple processes behind
// one signing identity requires an external coordinator instead.
type NonceAllocator struct {
	reader NonceReader

	mu       sync.Mutex
	counters map[common.Address]*big.Int
	inflight map[common.Address]chan struct{}
}

// NewNonceAllocator creates an allocator backed by reader.
func NewNonceAllocator(reader NonceReader) *NonceAllocator {
	return &NonceAllocator{
		reader:   reader,
		counters: make(map[common.Address]*big.Int),
		inflight: make(map[common.Address]chan struct{}),
	}
}

// Sync reads the authoritative next sequence number for account and raises
// the local counter to it if it is higher. The local counter is never
// lowered: once advanced, local state wins. Concurrent Syncs for the same
// account collapse into a single in-flight read.
func (a *NonceAllocator) Sync(ctx context.Context, account common.Address) error {
	a.mu.Lock()
	if done, ok := a.inflight[account]; ok {
		a.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	a.inflight[account] = done
	a.mu.Unlock()

	next, err := a.reader.NextNonce(ctx, account)

	a.mu.Lock()
	delete(a.inflight, account)
	close(done)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to read next nonce for %s: %w", account.Hex(), err)
	}
	current, synced := a.counters[account]
	if !synced || next.Cmp(current) > 0 {
		a.counters[account] = new(big.Int).Set(next)
	}
	a.mu.Unlock()
	return nil
}

// Allocate returns the current counter value for account and increments it
// in one indivisible step. No I/O happens under the lock, so two concurrent
// callers can never receive the same value. Fails with ErrNotSynced before
// the first successful Sync for the account.
func (a *NonceAllocator) Allocate(account common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, synced := a.counters[account]
	if !synced {
		return nil, fmt.Errorf("%w: account %s", tollgate.ErrNotSynced, account.Hex())
	}
	allocated := new(big.Int).Set(current)
	current.Add(current, big.NewInt(1))
	return allocated, nil
}

// Current returns the next value Allocate would hand out, or nil if the
// account has never been synced. Intended for tests and diagnostics.
func (a *NonceAllocator) Current(account common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.counters[account]
	if !ok {
		return nil
	}
	return new(big.Int).Set(current)
}
