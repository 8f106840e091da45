package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/models"
)

// Ledger holds per-account, per-asset balances and exposes the atomic
// primitives every other component moves money through. Implementations
// must serialize operations per (account, asset) pair; operations on
// unrelated pairs may run fully in parallel.
//
// Transfers always go through Settle. Callers must never emulate a
// transfer with a separate Debit and Credit.
type Ledger interface {
	// Lock moves amount from available to locked. Fails with
	// insufficient_funds when available < amount.
	Lock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error

	// Unlock moves amount from locked back to available. A shortfall in
	// locked is an invariant violation (invalid_state), not a user error.
	Unlock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error

	// Settle atomically debits from's locked balance and credits to's
	// available balance. Used when a match consumes previously locked
	// funds.
	Settle(ctx context.Context, from, to int64, asset string, amount decimal.Decimal) error

	// Credit adds amount to available. Used for binary payouts and
	// deposits.
	Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error

	// Debit removes amount from available. Fails with insufficient_funds
	// when available < amount. Used for withdrawal flows.
	Debit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error

	// Balance returns the current balance. Accounts spring into
	// existence zeroed on first touch and are never deleted.
	Balance(ctx context.Context, userID int64, asset string) (models.Balance, error)
}
