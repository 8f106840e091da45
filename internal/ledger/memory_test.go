package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMemory_LockUnlock(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	if err := l.Credit(ctx, 1, "USD", dec("1000")); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := l.Lock(ctx, 1, "USD", dec("600")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("400")) || !b.Locked.Equal(dec("600")) {
		t.Errorf("after lock: available=%s locked=%s", b.Available, b.Locked)
	}

	// Locking more than available must fail without mutating anything.
	err := l.Lock(ctx, 1, "USD", dec("500"))
	if !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Errorf("expected insufficient_funds, got %v", err)
	}
	b, _ = l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("400")) || !b.Locked.Equal(dec("600")) {
		t.Errorf("failed lock mutated balance: available=%s locked=%s", b.Available, b.Locked)
	}

	if err := l.Unlock(ctx, 1, "USD", dec("600")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	b, _ = l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("1000")) || !b.Locked.IsZero() {
		t.Errorf("after unlock: available=%s locked=%s", b.Available, b.Locked)
	}
}

func TestMemory_UnlockBeyondLockedIsInvalidState(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.Credit(ctx, 1, "USD", dec("100"))
	l.Lock(ctx, 1, "USD", dec("50"))

	err := l.Unlock(ctx, 1, "USD", dec("51"))
	if !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("expected invalid_state, got %v", err)
	}
}

func TestMemory_Settle(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.Credit(ctx, 1, "USD", dec("500"))
	l.Lock(ctx, 1, "USD", dec("500"))

	if err := l.Settle(ctx, 1, 2, "USD", dec("500")); err != nil {
		t.Fatalf("settle: %v", err)
	}

	from, _ := l.Balance(ctx, 1, "USD")
	to, _ := l.Balance(ctx, 2, "USD")
	if !from.Locked.IsZero() || !from.Available.IsZero() {
		t.Errorf("payer not emptied: %+v", from)
	}
	if !to.Available.Equal(dec("500")) {
		t.Errorf("payee available = %s, want 500", to.Available)
	}

	// Settling without locked funds is an invariant violation.
	err := l.Settle(ctx, 1, 2, "USD", dec("1"))
	if !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("expected invalid_state, got %v", err)
	}
}

func TestMemory_DebitInsufficient(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.Credit(ctx, 7, "BTC", dec("0.5"))

	err := l.Debit(ctx, 7, "BTC", dec("0.6"))
	if !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Errorf("expected insufficient_funds, got %v", err)
	}
	if err := l.Debit(ctx, 7, "BTC", dec("0.5")); err != nil {
		t.Errorf("debit: %v", err)
	}
}

// Value is conserved across any interleaving of concurrent settles:
// the sum of available+locked over all accounts never changes.
func TestMemory_ConcurrentSettleConservation(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	const accounts = 4
	const perAccount = "1000"
	for id := int64(1); id <= accounts; id++ {
		l.Credit(ctx, id, "USD", dec(perAccount))
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= accounts; id++ {
		wg.Add(1)
		go func(from int64) {
			defer wg.Done()
			to := from%accounts + 1
			for i := 0; i < 100; i++ {
				if err := l.Lock(ctx, from, "USD", dec("1")); err != nil {
					continue
				}
				if err := l.Settle(ctx, from, to, "USD", dec("1")); err != nil {
					t.Errorf("settle: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	total := decimal.Zero
	for id := int64(1); id <= accounts; id++ {
		b, _ := l.Balance(ctx, id, "USD")
		if b.Available.IsNegative() || b.Locked.IsNegative() {
			t.Errorf("account %d went negative: %+v", id, b)
		}
		total = total.Add(b.Available).Add(b.Locked)
	}
	if !total.Equal(dec("4000")) {
		t.Errorf("total = %s, want 4000", total)
	}
}
