package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/models"
)

// OrderStore implements exchange.Store. Every mutation that touches
// both an order and the ledger runs in one transaction, so a crash can
// never leave a trade without its settles or an order without its
// reservation.
type OrderStore struct {
	db *DB
}

// NewOrderStore creates a Postgres-backed order store over db.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

var _ exchange.Store = (*OrderStore)(nil)

const orderColumns = "id, user_id, pair, side, type, price::text, trigger_price::text, quantity::text, filled::text, reserved::text, status, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var price, trigger, quantity, filled, reserved string
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side, &o.Type,
		&price, &trigger, &quantity, &filled, &reserved, &o.Status, &o.CreatedAt)
	if err != nil {
		return o, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Price, price}, {&o.TriggerPrice, trigger}, {&o.Quantity, quantity},
		{&o.Filled, filled}, {&o.Reserved, reserved},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return o, err
		}
	}
	return o, nil
}

// CreateOrder locks the reservation and inserts the order atomically.
func (s *OrderStore) CreateOrder(ctx context.Context, o *models.Order, lockAsset string) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTx(ctx, tx, o.UserID, lockAsset, o.Reserved); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, pair, side, type, price, trigger_price, quantity, filled, reserved, status)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10)
			 RETURNING id, created_at`,
			o.UserID, o.Pair, o.Side, o.Type, o.Price.String(), o.TriggerPrice.String(),
			o.Quantity.String(), o.Filled.String(), o.Reserved.String(), o.Status).
			Scan(&o.ID, &o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
}

// ApplyFill commits one match as a single transaction: both order
// updates, the trade row, every settlement and unlock.
func (s *OrderStore) ApplyFill(ctx context.Context, f exchange.Fill) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, u := range []exchange.OrderUpdate{f.Taker, f.Maker} {
			tag, err := tx.Exec(ctx,
				"UPDATE orders SET filled = $2::numeric, reserved = $3::numeric, status = $4 WHERE id = $1",
				u.ID, u.Filled.String(), u.Reserved.String(), u.Status)
			if err != nil {
				return fmt.Errorf("failed to update order %d: %w", u.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return apperr.New(apperr.KindNotFound, "order %d", u.ID)
			}
		}

		t := f.Trade
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, pair, maker_order_id, taker_order_id, price, quantity, maker_fee_rate, taker_fee_rate, executed_at)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)`,
			t.ID, t.Pair, t.MakerOrderID, t.TakerOrderID, t.Price.String(), t.Quantity.String(),
			t.MakerFeeRate.String(), t.TakerFeeRate.String(), t.ExecutedAt)
		if err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}

		for _, m := range f.Settlements {
			if err := settleTx(ctx, tx, m.From, m.To, m.Asset, m.Amount); err != nil {
				return err
			}
		}
		for _, u := range f.Unlocks {
			if err := unlockTx(ctx, tx, u.UserID, u.Asset, u.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// CancelOrder releases the remaining reservation and marks the order
// cancelled. The row lock makes concurrent cancels race safely: the
// loser sees a terminal status.
func (s *OrderStore) CancelOrder(ctx context.Context, orderID, userID int64, unlockAsset string) (models.Order, error) {
	var out models.Order
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
			orderID, userID))
		if err != nil {
			if err == pgx.ErrNoRows {
				return apperr.New(apperr.KindNotFound, "order %d", orderID)
			}
			return fmt.Errorf("failed to get order: %w", err)
		}
		if o.Status.Terminal() {
			return apperr.New(apperr.KindInvalidState, "order %d is %s", orderID, o.Status)
		}

		if o.Reserved.IsPositive() {
			if err := unlockTx(ctx, tx, userID, unlockAsset, o.Reserved); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			"UPDATE orders SET status = $2, reserved = 0 WHERE id = $1",
			orderID, models.OrderStatusCancelled)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		o.Status = models.OrderStatusCancelled
		o.Reserved = decimal.Zero
		out = o
		return nil
	})
	return out, err
}

// Activate moves a pending stop-limit order to open.
func (s *OrderStore) Activate(ctx context.Context, orderID int64) error {
	tag, err := s.db.Pool.Exec(ctx,
		"UPDATE orders SET status = $2 WHERE id = $1 AND status = $3",
		orderID, models.OrderStatusOpen, models.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("failed to activate order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindInvalidState, "order %d is not pending", orderID)
	}
	return nil
}

// ReleaseReserve unlocks part of a live order's reservation.
func (s *OrderStore) ReleaseReserve(ctx context.Context, orderID, userID int64, asset string, amount decimal.Decimal) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		var reservedStr string
		var status models.OrderStatus
		err := tx.QueryRow(ctx,
			"SELECT reserved::text, status FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
			orderID, userID).Scan(&reservedStr, &status)
		if err != nil {
			if err == pgx.ErrNoRows {
				return apperr.New(apperr.KindNotFound, "order %d", orderID)
			}
			return fmt.Errorf("failed to get order: %w", err)
		}
		reserved, err := parseDec(reservedStr)
		if err != nil {
			return err
		}
		if reserved.LessThan(amount) {
			return apperr.New(apperr.KindInvalidState, "order %d reserves %s, cannot release %s", orderID, reserved, amount)
		}

		if err := unlockTx(ctx, tx, userID, asset, amount); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE orders SET reserved = $2::numeric WHERE id = $1",
			orderID, reserved.Sub(amount).String())
		if err != nil {
			return fmt.Errorf("failed to release reserve: %w", err)
		}
		return nil
	})
}

// Order returns one order by ID.
func (s *OrderStore) Order(ctx context.Context, orderID int64) (models.Order, error) {
	o, err := scanOrder(s.db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return o, apperr.New(apperr.KindNotFound, "order %d", orderID)
		}
		return o, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *OrderStore) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OpenOrders returns every non-terminal order, oldest first.
func (s *OrderStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status IN ($1, $2, $3) ORDER BY created_at ASC",
		models.OrderStatusPending, models.OrderStatusOpen, models.OrderStatusPartiallyFilled)
}

// OrdersByUser returns a user's orders, newest first.
func (s *OrderStore) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
}

const tradeColumns = "id, pair, maker_order_id, taker_order_id, price::text, quantity::text, maker_fee_rate::text, taker_fee_rate::text, executed_at"

func scanTrade(row rowScanner) (models.Trade, error) {
	var t models.Trade
	var price, quantity, makerFee, takerFee string
	err := row.Scan(&t.ID, &t.Pair, &t.MakerOrderID, &t.TakerOrderID,
		&price, &quantity, &makerFee, &takerFee, &t.ExecutedAt)
	if err != nil {
		return t, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&t.Price, price}, {&t.Quantity, quantity},
		{&t.MakerFeeRate, makerFee}, {&t.TakerFeeRate, takerFee},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (s *OrderStore) queryTrades(ctx context.Context, query string, args ...any) ([]models.Trade, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Trades returns the most recent trades for a pair.
func (s *OrderStore) Trades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	return s.queryTrades(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE pair = $1 ORDER BY executed_at DESC LIMIT $2",
		pair, limit)
}

// TradesByUser returns trades where the user was maker or taker.
func (s *OrderStore) TradesByUser(ctx context.Context, userID int64) ([]models.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT DISTINCT t.id, t.pair, t.maker_order_id, t.taker_order_id, t.price::text, t.quantity::text, t.maker_fee_rate::text, t.taker_fee_rate::text, t.executed_at
		 FROM trades t
		 JOIN orders o ON t.maker_order_id = o.id OR t.taker_order_id = o.id
		 WHERE o.user_id = $1
		 ORDER BY t.executed_at DESC`,
		userID)
}
