// Package vault defines the Vault collaborator spec.md §1 describes as "an
// external Vault that can debit/credit USD* to/from a user's external
// wallet on command". The core never calls it directly; pkg/margin
// translates the signed deltas pkg/position and pkg/collateral return into
// Vault calls after the transaction's bookkeeping phase has completed.
package vault

import (
	"context"
	"errors"
	"fmt"
)

// ErrInsufficientWalletBalance is returned by Debit when the caller's
// external wallet does not hold enough USD* to cover the requested debit.
var ErrInsufficientWalletBalance = errors.New("vault: insufficient wallet balance")

// Vault moves USD* between a user's external wallet and the engine's
// custody. Amounts are micro-USD* (spec.md §6's fixed-point scaling).
type Vault interface {
	// Debit pulls amount of USD* from caller's wallet into custody.
	Debit(ctx context.Context, caller string, amount uint64) error
	// Credit pays amount of USD* from custody into caller's wallet.
	Credit(ctx context.Context, caller string, amount uint64) error
}

// Memory is an in-process Vault used by tests and cmd/marginsim; it is not
// a real token-transfer integration, which spec.md §1 scopes out of core.
type Memory struct {
	balances map[string]uint64
}

// NewMemory creates a Memory vault seeded with the given wallet balances.
func NewMemory(seed map[string]uint64) *Memory {
	balances := make(map[string]uint64, len(seed))
	for k, v := range seed {
		balances[k] = v
	}
	return &Memory{balances: balances}
}

// Debit implements Vault.
func (m *Memory) Debit(_ context.Context, caller string, amount uint64) error {
	if m.balances[caller] < amount {
		return fmt.Errorf("%w: caller=%s amount=%d balance=%d", ErrInsufficientWalletBalance, caller, amount, m.balances[caller])
	}
	m.balances[caller] -= amount
	return nil
}

// Credit implements Vault.
func (m *Memory) Credit(_ context.Context, caller string, amount uint64) error {
	m.balances[caller] += amount
	return nil
}

// Balance returns caller's current wallet balance; a test/demo helper, not
// part of the Vault interface.
func (m *Memory) Balance(caller string) uint64 {
	return m.balances[caller]
}
