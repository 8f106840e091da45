package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/models"
)

// Movement is one ledger settle inside a fill: amount moves from the
// payer's locked balance to the payee's available balance.
type Movement struct {
	From   int64
	To     int64
	Asset  string
	Amount decimal.Decimal
}

// Unlock releases previously reserved funds back to available, e.g. the
// price-improvement refund when a taker buy executes below its limit.
type Unlock struct {
	UserID int64
	Asset  string
	Amount decimal.Decimal
}

// OrderUpdate is the post-fill state of one side of a match.
type OrderUpdate struct {
	ID       int64
	Filled   decimal.Decimal
	Reserved decimal.Decimal
	Status   models.OrderStatus
}

// Fill is everything one match changes. The engine computes it; the
// store applies it as a single atomic unit, so readers can never
// observe the trade without its ledger settles or vice versa.
type Fill struct {
	Trade       models.Trade
	Taker       OrderUpdate
	Maker       OrderUpdate
	Settlements []Movement
	Unlocks     []Unlock
}

// Store persists orders and trades and applies the ledger side effects
// that must commit together with them. The matching engine owns the
// in-memory book; the store is the durable record.
type Store interface {
	// CreateOrder locks o.Reserved in lockAsset for o.UserID, then
	// persists the order, assigning its ID. All-or-nothing.
	CreateOrder(ctx context.Context, o *models.Order, lockAsset string) error

	// ApplyFill atomically applies one match: both order updates, the
	// immutable trade, every settlement, every unlock.
	ApplyFill(ctx context.Context, f Fill) error

	// CancelOrder releases the order's remaining reservation in
	// unlockAsset and marks it cancelled. Fails with not_found when the
	// order does not exist or is not owned by userID, invalid_state when
	// it is already terminal.
	CancelOrder(ctx context.Context, orderID, userID int64, unlockAsset string) (models.Order, error)

	// Activate moves a pending stop-limit order to open once its trigger
	// price has been crossed.
	Activate(ctx context.Context, orderID int64) error

	// ReleaseReserve unlocks amount of a non-terminal order's remaining
	// reservation, e.g. the slippage buffer left over after a market buy
	// fills completely.
	ReleaseReserve(ctx context.Context, orderID, userID int64, asset string, amount decimal.Decimal) error

	// Order returns one order by ID.
	Order(ctx context.Context, orderID int64) (models.Order, error)

	// OpenOrders returns every non-terminal order, oldest first. Used to
	// rebuild the in-memory book at startup.
	OpenOrders(ctx context.Context) ([]models.Order, error)

	// OrdersByUser returns a user's orders, newest first.
	OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)

	// Trades returns the most recent trades for a pair.
	Trades(ctx context.Context, pair string, limit int) ([]models.Trade, error)

	// TradesByUser returns trades where the user was maker or taker.
	TradesByUser(ctx context.Context, userID int64) ([]models.Trade, error)
}
