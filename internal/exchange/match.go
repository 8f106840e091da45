package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/exchange/internal/models"
)

// matchLocked walks the opposite side of the book in price-time
// priority and executes fills against the taker until its quantity is
// exhausted or no compatible maker remains. Callers hold b.mu, which is
// what serializes all matching for the pair. Any remainder rests in the
// book, market remainders included; immediate-or-cancel callers cancel
// explicitly.
func (e *Engine) matchLocked(ctx context.Context, b *book, taker *models.Order) ([]models.Trade, error) {
	makers := b.sells
	if taker.Side == models.SideSell {
		makers = b.buys
	}

	var trades []models.Trade
	for _, maker := range makers {
		if !taker.Remaining().IsPositive() {
			break
		}
		if maker.Status != models.OrderStatusOpen && maker.Status != models.OrderStatusPartiallyFilled {
			continue
		}
		if !maker.Remaining().IsPositive() {
			continue
		}
		// Makers are sorted best price first, so the first
		// incompatible price ends the pass. Market takers skip no
		// candidate on price grounds.
		if taker.Type != models.OrderTypeMarket && !priceCompatible(taker, maker) {
			break
		}

		f, ok := e.buildFill(b.pair, taker, maker)
		if !ok {
			continue
		}
		if err := e.store.ApplyFill(ctx, f); err != nil {
			e.log.Error("apply fill",
				zap.Int64("taker_order_id", taker.ID),
				zap.Int64("maker_order_id", maker.ID),
				zap.Error(err))
			b.compact()
			// The taker is still open in the store; rest it so it
			// remains matchable instead of orphaned until a restart.
			if !taker.Status.Terminal() && taker.Remaining().IsPositive() {
				b.add(taker)
			}
			return trades, err
		}
		applyUpdate(taker, pickUpdate(f, taker.ID))
		applyUpdate(maker, pickUpdate(f, maker.ID))
		trades = append(trades, f.Trade)

		// A market-buy remainder filling as maker returns its unused
		// slippage buffer; once terminal it can no longer be cancelled.
		if maker.Side == models.SideBuy && maker.Status == models.OrderStatusFilled && maker.Reserved.IsPositive() {
			if err := e.store.ReleaseReserve(ctx, maker.ID, maker.UserID, b.pair.Quote, maker.Reserved); err != nil {
				return trades, err
			}
			maker.Reserved = decimal.Zero
		}
	}
	b.compact()

	// A fully filled market buy returns its unused slippage buffer.
	if taker.Side == models.SideBuy && taker.Status == models.OrderStatusFilled && taker.Reserved.IsPositive() {
		if err := e.store.ReleaseReserve(ctx, taker.ID, taker.UserID, b.pair.Quote, taker.Reserved); err != nil {
			return trades, err
		}
		taker.Reserved = decimal.Zero
	}

	if !taker.Status.Terminal() && taker.Remaining().IsPositive() {
		b.add(taker)
	}
	return trades, nil
}

// buildFill computes one match between taker and maker as pure data:
// trade record, both order updates and every ledger movement. Execution
// price is always the maker's resting price; when the maker is a
// priceless market remainder the taker's limit forms the price, and two
// priceless orders cannot match at all.
func (e *Engine) buildFill(pcfg models.Pair, taker, maker *models.Order) (Fill, bool) {
	p := maker.Price
	if p.IsZero() {
		p = taker.Price
	}
	if p.IsZero() {
		return Fill{}, false
	}

	q := decimal.Min(taker.Remaining(), maker.Remaining())

	// A market buy can only spend what it reserved. Cap the quantity at
	// what the remaining reserve affords at this price.
	buyO, sellO := taker, maker
	if taker.Side == models.SideSell {
		buyO, sellO = maker, taker
	}
	if buyO.Type == models.OrderTypeMarket {
		afford := buyO.Reserved.Div(p).RoundDown(pcfg.BasePrecision)
		q = decimal.Min(q, afford)
	}
	if !q.IsPositive() {
		return Fill{}, false
	}

	total := p.Mul(q)

	// The resting order is the maker; fees come out of each side's
	// proceeds. The buyer receives base, the seller receives quote.
	buyerRate, sellerRate := pcfg.TakerFeeRate, pcfg.MakerFeeRate
	if buyO == maker {
		buyerRate, sellerRate = pcfg.MakerFeeRate, pcfg.TakerFeeRate
	}
	baseFee := q.Mul(buyerRate).Round(pcfg.BasePrecision)
	quoteFee := total.Mul(sellerRate).Round(pcfg.QuotePrecision)

	f := Fill{
		Trade: models.Trade{
			ID:           uuid.New(),
			Pair:         pcfg.Symbol,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Price:        p,
			Quantity:     q,
			MakerFeeRate: pcfg.MakerFeeRate,
			TakerFeeRate: pcfg.TakerFeeRate,
			ExecutedAt:   time.Now(),
		},
		Settlements: []Movement{
			{From: sellO.UserID, To: buyO.UserID, Asset: pcfg.Base, Amount: q.Sub(baseFee)},
			{From: buyO.UserID, To: sellO.UserID, Asset: pcfg.Quote, Amount: total.Sub(quoteFee)},
		},
	}
	if baseFee.IsPositive() {
		f.Settlements = append(f.Settlements,
			Movement{From: sellO.UserID, To: e.treasury, Asset: pcfg.Base, Amount: baseFee})
	}
	if quoteFee.IsPositive() {
		f.Settlements = append(f.Settlements,
			Movement{From: buyO.UserID, To: e.treasury, Asset: pcfg.Quote, Amount: quoteFee})
	}

	// Reserve bookkeeping. The seller reserved base quantity; the buyer
	// reserved quote. A limit taker buying below its limit gets the
	// difference unlocked immediately, keeping reserved == remaining ×
	// limit at all times.
	sellReserved := sellO.Reserved.Sub(q)
	buyConsumed := total
	if buyO == taker && !buyO.Price.IsZero() && buyO.Price.GreaterThan(p) {
		refund := buyO.Price.Sub(p).Mul(q)
		f.Unlocks = append(f.Unlocks, Unlock{UserID: buyO.UserID, Asset: pcfg.Quote, Amount: refund})
		buyConsumed = buyConsumed.Add(refund)
	}
	buyReserved := buyO.Reserved.Sub(buyConsumed)

	buyUpd := OrderUpdate{ID: buyO.ID, Filled: buyO.Filled.Add(q), Reserved: buyReserved}
	sellUpd := OrderUpdate{ID: sellO.ID, Filled: sellO.Filled.Add(q), Reserved: sellReserved}
	buyUpd.Status = statusFor(buyO, buyUpd.Filled)
	sellUpd.Status = statusFor(sellO, sellUpd.Filled)

	if taker == buyO {
		f.Taker, f.Maker = buyUpd, sellUpd
	} else {
		f.Taker, f.Maker = sellUpd, buyUpd
	}
	return f, true
}

func priceCompatible(taker, maker *models.Order) bool {
	if maker.Price.IsZero() {
		// Priceless market remainder: any priced taker can cross it.
		return true
	}
	if taker.Side == models.SideBuy {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

func statusFor(o *models.Order, filled decimal.Decimal) models.OrderStatus {
	if filled.GreaterThanOrEqual(o.Quantity) {
		return models.OrderStatusFilled
	}
	return models.OrderStatusPartiallyFilled
}

func pickUpdate(f Fill, orderID int64) OrderUpdate {
	if f.Taker.ID == orderID {
		return f.Taker
	}
	return f.Maker
}

func applyUpdate(o *models.Order, upd OrderUpdate) {
	o.Filled = upd.Filled
	o.Reserved = upd.Reserved
	o.Status = upd.Status
}
