package exchange

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/models"
)

// book holds the resting orders of one trading pair, partitioned by
// side. Buys are kept highest price first, sells lowest price first,
// ties broken by insertion time. Pending stop-limit orders park in
// stops until triggered. Only the matching engine mutates a book, under
// its mutex.
type book struct {
	mu    sync.Mutex
	pair  models.Pair
	buys  []*models.Order
	sells []*models.Order
	stops []*models.Order
}

func newBook(pair models.Pair) *book {
	return &book{pair: pair}
}

// add inserts a resting order and restores price-time priority.
// Zero-price market remainders accept any price, so they outrank every
// limit price on both sides; ties break on insertion time. Callers hold
// b.mu.
func (b *book) add(order *models.Order) {
	if order.Side == models.SideBuy {
		b.buys = append(b.buys, order)
		// Highest price first.
		sort.Slice(b.buys, func(i, j int) bool {
			return lessPriority(b.buys[i], b.buys[j], func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
		})
	} else {
		b.sells = append(b.sells, order)
		// Lowest price first.
		sort.Slice(b.sells, func(i, j int) bool {
			return lessPriority(b.sells[i], b.sells[j], func(a, c decimal.Decimal) bool { return a.LessThan(c) })
		})
	}
}

func lessPriority(a, c *models.Order, better func(decimal.Decimal, decimal.Decimal) bool) bool {
	if a.Price.IsZero() != c.Price.IsZero() {
		return a.Price.IsZero()
	}
	if a.Price.Equal(c.Price) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return better(a.Price, c.Price)
}

// addStop parks a pending stop-limit order. Callers hold b.mu.
func (b *book) addStop(order *models.Order) {
	b.stops = append(b.stops, order)
}

// compact drops terminal orders from both sides. Callers hold b.mu.
func (b *book) compact() {
	keep := func(orders []*models.Order) []*models.Order {
		var out []*models.Order
		for _, o := range orders {
			if !o.Status.Terminal() && o.Remaining().IsPositive() {
				out = append(out, o)
			}
		}
		return out
	}
	b.buys = keep(b.buys)
	b.sells = keep(b.sells)
}

// remove takes an order out of whichever slice holds it. Callers hold
// b.mu.
func (b *book) remove(orderID int64) bool {
	for _, orders := range []*[]*models.Order{&b.buys, &b.sells, &b.stops} {
		for i, o := range *orders {
			if o.ID == orderID {
				*orders = append((*orders)[:i], (*orders)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// snapshot copies both sides for read-only consumers. Callers hold b.mu.
func (b *book) snapshot() (buys, sells []models.Order) {
	for _, o := range b.buys {
		buys = append(buys, *o)
	}
	for _, o := range b.sells {
		sells = append(sells, *o)
	}
	return buys, sells
}
