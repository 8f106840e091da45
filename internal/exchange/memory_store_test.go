package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/ledger"
	"github.com/tradecore/exchange/internal/models"
)

func storeWithOrder(t *testing.T, userID int64, asset, reserve string) (*MemoryStore, *ledger.Memory, *models.Order) {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewMemory()
	s := NewMemoryStore(l)
	if err := l.Credit(ctx, userID, asset, dec(reserve)); err != nil {
		t.Fatal(err)
	}
	o := &models.Order{
		UserID: userID, Pair: "ETH-USD", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Price: dec("10"), Quantity: dec("1"), Filled: decimal.Zero,
		Reserved: dec(reserve), Status: models.OrderStatusOpen,
	}
	if err := s.CreateOrder(ctx, o, asset); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return s, l, o
}

// A fill whose ledger moves cannot be applied must leave the order
// records and trade log untouched.
func TestMemoryStore_ApplyFillLedgerFailureLeavesRecords(t *testing.T) {
	ctx := context.Background()
	s, _, o := storeWithOrder(t, 1, "USD", "10")

	bad := Fill{
		Trade: models.Trade{Pair: "ETH-USD", TakerOrderID: o.ID, MakerOrderID: o.ID},
		Taker: OrderUpdate{ID: o.ID, Filled: dec("1"), Reserved: decimal.Zero, Status: models.OrderStatusFilled},
		Maker: OrderUpdate{ID: o.ID, Filled: dec("1"), Reserved: decimal.Zero, Status: models.OrderStatusFilled},
		// More than the 10 locked: the settle must fail.
		Settlements: []Movement{{From: 1, To: 2, Asset: "USD", Amount: dec("999")}},
	}
	if err := s.ApplyFill(ctx, bad); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}

	got, err := s.Order(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Filled.IsZero() || got.Status != models.OrderStatusOpen || !got.Reserved.Equal(dec("10")) {
		t.Errorf("order mutated after failed fill: %+v", got)
	}
	trades, _ := s.Trades(ctx, "ETH-USD", 0)
	if len(trades) != 0 {
		t.Errorf("trade recorded for a failed fill: %+v", trades)
	}
}

// A fill naming an unknown order must fail before any ledger move.
func TestMemoryStore_ApplyFillUnknownOrderNoLedgerMoves(t *testing.T) {
	ctx := context.Background()
	s, l, o := storeWithOrder(t, 1, "USD", "10")

	bad := Fill{
		Taker:       OrderUpdate{ID: o.ID, Filled: dec("1"), Status: models.OrderStatusFilled},
		Maker:       OrderUpdate{ID: 9999, Filled: dec("1"), Status: models.OrderStatusFilled},
		Settlements: []Movement{{From: 1, To: 2, Asset: "USD", Amount: dec("10")}},
	}
	if err := s.ApplyFill(ctx, bad); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Locked.Equal(dec("10")) {
		t.Errorf("ledger moved for a rejected fill: %+v", b)
	}
}

// A cancel whose unlock fails must not flip the order to cancelled.
func TestMemoryStore_CancelKeepsOrderOnUnlockFailure(t *testing.T) {
	ctx := context.Background()
	s, l, o := storeWithOrder(t, 1, "USD", "10")

	// Drain the locked bucket out from under the order so the cancel's
	// unlock has nothing to release.
	if err := l.Unlock(ctx, 1, "USD", dec("10")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CancelOrder(ctx, o.ID, 1, "USD"); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	got, err := s.Order(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.OrderStatusOpen || !got.Reserved.Equal(dec("10")) {
		t.Errorf("failed cancel mutated order: %+v", got)
	}
}
