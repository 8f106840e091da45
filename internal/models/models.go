package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Side is the direction of a spot order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes how an order enters the book.
type OrderType string

const (
	OrderTypeLimit     OrderType = "limit"
	OrderTypeMarket    OrderType = "market"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus follows the order lifecycle. A stop-limit order is
// "pending" until its trigger price is crossed; "filled" and
// "cancelled" are terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further mutation.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order represents a spot order on a trading pair.
//
// Reserved tracks the funds still locked in the ledger on behalf of
// this order: quote currency for buys, base quantity for sells. It
// shrinks with every fill and is released in full on cancel.
type Order struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Pair         string          `json:"pair"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Filled       decimal.Decimal `json:"filled"`
	Reserved     decimal.Decimal `json:"reserved"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"` // Used for time priority
}

// Remaining is the quantity not yet matched.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Trade represents one executed match. Trades are immutable: they are
// the audit trail of the matching engine.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Pair         string          `json:"pair"`
	MakerOrderID int64           `json:"maker_order_id"`
	TakerOrderID int64           `json:"taker_order_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `json:"taker_fee_rate"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Direction of a binary contract: a bet that the price ends above (up)
// or below (down) the strike.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ContractStatus is the binary contract lifecycle. A contract leaves
// "OPEN" exactly once.
type ContractStatus string

const (
	ContractOpen ContractStatus = "OPEN"
	ContractWin  ContractStatus = "WIN"
	ContractLoss ContractStatus = "LOSS"
)

// BinaryContract is a time-boxed up/down option. StrikePrice is
// captured from the oracle at creation and never recomputed; ExitPrice
// and ProfitLoss are zero until settlement.
type BinaryContract struct {
	ID          uuid.UUID       `json:"id"`
	UserID      int64           `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Direction   Direction       `json:"direction"`
	Stake       decimal.Decimal `json:"stake"`
	StakeAsset  string          `json:"stake_asset"`
	StrikePrice decimal.Decimal `json:"strike_price"`
	PayoutRate  decimal.Decimal `json:"payout_rate"` // percentage, e.g. 85
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      ContractStatus  `json:"status"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
	CreatedAt   time.Time       `json:"created_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
}

// Balance holds one account's funds in one asset. Mutated only through
// the ledger primitives.
type Balance struct {
	UserID    int64           `json:"user_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Pair is the static configuration of a trading pair.
type Pair struct {
	Symbol         string          `json:"symbol"` // e.g. "BTC-USD"
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	MakerFeeRate   decimal.Decimal `json:"maker_fee_rate"` // fraction, e.g. 0.001
	TakerFeeRate   decimal.Decimal `json:"taker_fee_rate"`
	BasePrecision  int32           `json:"base_precision"`
	QuotePrecision int32           `json:"quote_precision"`
}

// Asset is the static configuration of a tradeable symbol for binary
// contracts.
type Asset struct {
	Symbol     string          `json:"symbol"`
	PayoutRate decimal.Decimal `json:"payout_rate"` // percentage
	Precision  int32           `json:"precision"`
}

// Withdrawal is a pending request to move funds out of the system.
// The amount is debited at request time and credited back on reject.
type Withdrawal struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"` // "pending", "approved", "rejected"
	CreatedAt time.Time       `json:"created_at"`
}
