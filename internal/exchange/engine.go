package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/oracle"
)

// PairSource is the read-only lookup of trading pair configuration.
type PairSource interface {
	Pair(symbol string) (models.Pair, error)
}

// StaticPairs is a fixed PairSource.
type StaticPairs map[string]models.Pair

// Pair returns the configuration for symbol.
func (s StaticPairs) Pair(symbol string) (models.Pair, error) {
	p, ok := s[symbol]
	if !ok {
		return models.Pair{}, apperr.New(apperr.KindNotFound, "unknown pair %s", symbol)
	}
	return p, nil
}

// marketBuyBuffer pads the reserve for market buys, whose true fill
// price is unknown at lock time. Leftover is unlocked after the fill.
var marketBuyBuffer = decimal.NewFromFloat(1.05)

// Engine is the order book and matching engine. Matching is serialized
// per trading pair by the pair's book mutex; unrelated pairs match in
// parallel. The engine computes fills as pure data and hands them to
// the Store, which applies each one atomically.
type Engine struct {
	store    Store
	oracle   oracle.PriceOracle
	pairs    PairSource
	treasury int64
	log      *zap.Logger

	mu    sync.Mutex // guards books map
	books map[string]*book
}

// NewEngine creates an engine. Fees accrue to the treasury account.
func NewEngine(store Store, po oracle.PriceOracle, pairs PairSource, treasury int64, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    store,
		oracle:   po,
		pairs:    pairs,
		treasury: treasury,
		log:      log,
		books:    make(map[string]*book),
	}
}

// PlaceOrderRequest carries the caller's order parameters.
type PlaceOrderRequest struct {
	UserID       int64
	Pair         string
	Side         models.Side
	Type         models.OrderType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
}

// PlaceOrder validates the request, reserves funds, persists the order
// and runs the matching pass. The returned order reflects the state
// after matching; trades are the fills it produced.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, []models.Trade, error) {
	pcfg, err := e.validate(&req)
	if err != nil {
		return models.Order{}, nil, err
	}

	reserve, lockAsset, err := e.reserveFor(ctx, pcfg, req)
	if err != nil {
		return models.Order{}, nil, err
	}

	order := &models.Order{
		UserID:       req.UserID,
		Pair:         req.Pair,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Quantity:     req.Quantity,
		Filled:       decimal.Zero,
		Reserved:     reserve,
		Status:       models.OrderStatusOpen,
		CreatedAt:    time.Now(),
	}
	if req.Type == models.OrderTypeStopLimit {
		order.Status = models.OrderStatusPending
	}

	if err := e.store.CreateOrder(ctx, order, lockAsset); err != nil {
		return models.Order{}, nil, err
	}

	b := e.bookFor(pcfg)
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.Status == models.OrderStatusPending {
		b.addStop(order)
		return *order, nil, nil
	}

	trades, err := e.matchLocked(ctx, b, order)
	if err != nil {
		return *order, trades, err
	}
	return *order, trades, nil
}

// CancelOrder releases the unfilled remainder's reservation and marks
// the order cancelled.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) (models.Order, error) {
	o, err := e.store.Order(ctx, orderID)
	if err != nil || o.UserID != userID {
		return models.Order{}, apperr.New(apperr.KindNotFound, "order %d", orderID)
	}
	pcfg, err := e.pairs.Pair(o.Pair)
	if err != nil {
		return models.Order{}, err
	}

	b := e.bookFor(pcfg)
	b.mu.Lock()
	defer b.mu.Unlock()

	cancelled, err := e.store.CancelOrder(ctx, orderID, userID, reserveAsset(pcfg, o.Side))
	if err != nil {
		return models.Order{}, err
	}
	b.remove(orderID)
	return cancelled, nil
}

// CheckTriggers activates parked stop-limit orders whose trigger price
// has been crossed and submits them to the book. Intended to run on the
// scheduler's cadence alongside settlement.
func (e *Engine) CheckTriggers(ctx context.Context) {
	e.mu.Lock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.Unlock()

	for _, b := range books {
		b.mu.Lock()
		if len(b.stops) == 0 {
			b.mu.Unlock()
			continue
		}
		price, err := e.oracle.Price(ctx, b.pair.Symbol)
		if err != nil {
			// No price, no trigger decision. Stops stay parked.
			b.mu.Unlock()
			continue
		}

		var parked, triggered []*models.Order
		for _, o := range b.stops {
			if stopCrossed(o, price) {
				triggered = append(triggered, o)
			} else {
				parked = append(parked, o)
			}
		}
		b.stops = parked

		for _, o := range triggered {
			if err := e.store.Activate(ctx, o.ID); err != nil {
				e.log.Error("activate stop order", zap.Int64("order_id", o.ID), zap.Error(err))
				// Park it again rather than dropping it from the book.
				b.stops = append(b.stops, o)
				continue
			}
			o.Status = models.OrderStatusOpen
			if _, err := e.matchLocked(ctx, b, o); err != nil {
				e.log.Error("match triggered stop order", zap.Int64("order_id", o.ID), zap.Error(err))
			}
		}
		b.mu.Unlock()
	}
}

// LoadOpen rebuilds the in-memory books from the store at startup.
func (e *Engine) LoadOpen(ctx context.Context) error {
	orders, err := e.store.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for i := range orders {
		o := orders[i]
		pcfg, err := e.pairs.Pair(o.Pair)
		if err != nil {
			e.log.Warn("open order on unknown pair", zap.Int64("order_id", o.ID), zap.String("pair", o.Pair))
			continue
		}
		b := e.bookFor(pcfg)
		b.mu.Lock()
		if o.Status == models.OrderStatusPending {
			b.addStop(&o)
		} else {
			b.add(&o)
		}
		b.mu.Unlock()
	}
	return nil
}

// Depth returns a copy of the resting orders on both sides of a pair.
func (e *Engine) Depth(pair string) ([]models.Order, []models.Order, error) {
	pcfg, err := e.pairs.Pair(pair)
	if err != nil {
		return nil, nil, err
	}
	b := e.bookFor(pcfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	buys, sells := b.snapshot()
	return buys, sells, nil
}

// OrdersByUser returns a user's orders, newest first.
func (e *Engine) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return e.store.OrdersByUser(ctx, userID)
}

// TradesByPair returns the most recent trades on a pair.
func (e *Engine) TradesByPair(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	return e.store.Trades(ctx, pair, limit)
}

// TradesByUser returns trades a user participated in.
func (e *Engine) TradesByUser(ctx context.Context, userID int64) ([]models.Trade, error) {
	return e.store.TradesByUser(ctx, userID)
}

func (e *Engine) bookFor(pcfg models.Pair) *book {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[pcfg.Symbol]
	if !ok {
		b = newBook(pcfg)
		e.books[pcfg.Symbol] = b
	}
	return b
}

func (e *Engine) validate(req *PlaceOrderRequest) (models.Pair, error) {
	pcfg, err := e.pairs.Pair(req.Pair)
	if err != nil {
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder, "unknown pair %s", req.Pair)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder, "side must be buy or sell")
	}
	if !req.Quantity.IsPositive() {
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder, "quantity must be positive")
	}
	if !req.Quantity.Equal(req.Quantity.Round(pcfg.BasePrecision)) {
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder,
			"quantity exceeds %s precision of %d decimals", pcfg.Base, pcfg.BasePrecision)
	}

	switch req.Type {
	case models.OrderTypeMarket:
		req.Price = decimal.Zero
		req.TriggerPrice = decimal.Zero
	case models.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return models.Pair{}, apperr.New(apperr.KindInvalidOrder, "limit orders require a positive price")
		}
		req.TriggerPrice = decimal.Zero
	case models.OrderTypeStopLimit:
		if !req.Price.IsPositive() || !req.TriggerPrice.IsPositive() {
			return models.Pair{}, apperr.New(apperr.KindInvalidOrder,
				"stop-limit orders require a positive price and trigger price")
		}
	default:
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder, "unknown order type %q", req.Type)
	}

	if !req.Price.IsZero() && !req.Price.Equal(req.Price.Round(pcfg.QuotePrecision)) {
		return models.Pair{}, apperr.New(apperr.KindInvalidOrder,
			"price exceeds %s precision of %d decimals", pcfg.Quote, pcfg.QuotePrecision)
	}
	return pcfg, nil
}

// reserveFor computes the funds to lock before the order exists: quote
// for buys (oracle-estimated with a slippage buffer for market buys),
// base quantity for sells.
func (e *Engine) reserveFor(ctx context.Context, pcfg models.Pair, req PlaceOrderRequest) (decimal.Decimal, string, error) {
	if req.Side == models.SideSell {
		return req.Quantity, pcfg.Base, nil
	}
	if req.Type == models.OrderTypeMarket {
		p, err := e.oracle.Price(ctx, pcfg.Symbol)
		if err != nil {
			return decimal.Zero, "", err
		}
		return p.Mul(marketBuyBuffer).Mul(req.Quantity), pcfg.Quote, nil
	}
	return req.Price.Mul(req.Quantity), pcfg.Quote, nil
}

func reserveAsset(pcfg models.Pair, side models.Side) string {
	if side == models.SideBuy {
		return pcfg.Quote
	}
	return pcfg.Base
}

func stopCrossed(o *models.Order, price decimal.Decimal) bool {
	if o.Side == models.SideBuy {
		return price.GreaterThanOrEqual(o.TriggerPrice)
	}
	return price.LessThanOrEqual(o.TriggerPrice)
}
