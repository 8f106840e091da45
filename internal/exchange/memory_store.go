package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/ledger"
	"github.com/tradecore/exchange/internal/models"
)

// MemoryStore is an in-process Store backed by a ledger.Ledger. It is
// the reference implementation the engine tests run against; the
// Postgres store in internal/db provides the same contract.
type MemoryStore struct {
	mu     sync.Mutex
	ledger ledger.Ledger
	nextID int64
	orders map[int64]models.Order
	trades []models.Trade
}

// NewMemoryStore creates an empty store over l.
func NewMemoryStore(l ledger.Ledger) *MemoryStore {
	return &MemoryStore{
		ledger: l,
		nextID: 1,
		orders: make(map[int64]models.Order),
	}
}

// CreateOrder locks the reservation, then records the order.
func (s *MemoryStore) CreateOrder(ctx context.Context, o *models.Order, lockAsset string) error {
	if err := s.ledger.Lock(ctx, o.UserID, lockAsset, o.Reserved); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.nextID
	s.nextID++
	s.orders[o.ID] = *o
	return nil
}

// ApplyFill applies order updates, the trade, and all ledger moves
// under one critical section. Orders are validated before any ledger
// move so a failure leaves the records untouched.
func (s *MemoryStore) ApplyFill(ctx context.Context, f Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, upd := range []OrderUpdate{f.Taker, f.Maker} {
		if _, ok := s.orders[upd.ID]; !ok {
			return apperr.New(apperr.KindNotFound, "order %d", upd.ID)
		}
	}

	for _, m := range f.Settlements {
		if err := s.ledger.Settle(ctx, m.From, m.To, m.Asset, m.Amount); err != nil {
			return err
		}
	}
	for _, u := range f.Unlocks {
		if err := s.ledger.Unlock(ctx, u.UserID, u.Asset, u.Amount); err != nil {
			return err
		}
	}

	for _, upd := range []OrderUpdate{f.Taker, f.Maker} {
		o := s.orders[upd.ID]
		o.Filled = upd.Filled
		o.Reserved = upd.Reserved
		o.Status = upd.Status
		s.orders[upd.ID] = o
	}
	s.trades = append(s.trades, f.Trade)
	return nil
}

// CancelOrder releases the reservation and marks the order cancelled.
// The unlock happens before the record flips, so a ledger failure
// leaves the order in place.
func (s *MemoryStore) CancelOrder(ctx context.Context, orderID, userID int64, unlockAsset string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return models.Order{}, apperr.New(apperr.KindNotFound, "order %d", orderID)
	}
	if o.Status.Terminal() {
		return models.Order{}, apperr.New(apperr.KindInvalidState, "order %d is %s", orderID, o.Status)
	}
	if o.Reserved.IsPositive() {
		if err := s.ledger.Unlock(ctx, userID, unlockAsset, o.Reserved); err != nil {
			return models.Order{}, err
		}
	}
	o.Status = models.OrderStatusCancelled
	o.Reserved = decimal.Zero
	s.orders[orderID] = o
	return o, nil
}

// Activate opens a pending stop-limit order.
func (s *MemoryStore) Activate(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "order %d", orderID)
	}
	if o.Status != models.OrderStatusPending {
		return apperr.New(apperr.KindInvalidState, "order %d is %s, not pending", orderID, o.Status)
	}
	o.Status = models.OrderStatusOpen
	s.orders[orderID] = o
	return nil
}

// ReleaseReserve unlocks part of an order's remaining reservation.
func (s *MemoryStore) ReleaseReserve(ctx context.Context, orderID, userID int64, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "order %d", orderID)
	}
	if err := s.ledger.Unlock(ctx, userID, asset, amount); err != nil {
		return err
	}
	o.Reserved = o.Reserved.Sub(amount)
	s.orders[orderID] = o
	return nil
}

// Order returns one order by ID.
func (s *MemoryStore) Order(ctx context.Context, orderID int64) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, apperr.New(apperr.KindNotFound, "order %d", orderID)
	}
	return o, nil
}

// OpenOrders returns non-terminal orders, oldest first.
func (s *MemoryStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// OrdersByUser returns a user's orders, newest first.
func (s *MemoryStore) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Trades returns the most recent trades for a pair.
func (s *MemoryStore) Trades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.trades[i].Pair == pair {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

// TradesByUser returns trades the user participated in, newest first.
func (s *MemoryStore) TradesByUser(ctx context.Context, userID int64) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mine := make(map[int64]bool)
	for id, o := range s.orders {
		if o.UserID == userID {
			mine[id] = true
		}
	}
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if mine[t.MakerOrderID] || mine[t.TakerOrderID] {
			out = append(out, t)
		}
	}
	return out, nil
}
