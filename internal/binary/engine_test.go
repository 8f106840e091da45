package binary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/ledger"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/oracle"
)

const treasuryID int64 = 100

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testAssets() StaticAssets {
	return StaticAssets{
		"BTC-USD": {Symbol: "BTC-USD", PayoutRate: dec("85"), Precision: 2},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *ledger.Memory, *oracle.Static) {
	t.Helper()
	l := ledger.NewMemory()
	store := NewMemoryStore(l)
	po := oracle.NewStatic()
	e := NewEngine(store, po, testAssets(), "USD", treasuryID, nil)
	return e, store, l, po
}

func expire(t *testing.T, store *MemoryStore, c models.BinaryContract) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	cc := store.contracts[c.ID]
	cc.ExpiresAt = time.Now().Add(-time.Second)
	store.contracts[c.ID] = cc
}

func TestEngine_CreateContract(t *testing.T) {
	e, _, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("50000"))

	c, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
		Stake: dec("40"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !c.StrikePrice.Equal(dec("50000")) {
		t.Errorf("strike = %s, want oracle price 50000", c.StrikePrice)
	}
	if !c.PayoutRate.Equal(dec("85")) {
		t.Errorf("payout rate = %s, want 85", c.PayoutRate)
	}
	if c.Status != models.ContractOpen {
		t.Errorf("status = %s, want OPEN", c.Status)
	}

	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("60")) || !b.Locked.Equal(dec("40")) {
		t.Errorf("stake not locked: %+v", b)
	}
}

func TestEngine_CreateContractRejections(t *testing.T) {
	e, _, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("10"))
	po.SetPrice("BTC-USD", dec("50000"))

	tests := []struct {
		name string
		req  CreateContractRequest
		kind apperr.Kind
	}{
		{
			name: "BadDirection",
			req:  CreateContractRequest{UserID: 1, Symbol: "BTC-USD", Direction: "SIDEWAYS", Stake: dec("5"), DurationSeconds: 60},
			kind: apperr.KindInvalidOrder,
		},
		{
			name: "ZeroStake",
			req:  CreateContractRequest{UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp, Stake: decimal.Zero, DurationSeconds: 60},
			kind: apperr.KindInvalidOrder,
		},
		{
			name: "ZeroDuration",
			req:  CreateContractRequest{UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp, Stake: dec("5")},
			kind: apperr.KindInvalidOrder,
		},
		{
			name: "UnknownAsset",
			req:  CreateContractRequest{UserID: 1, Symbol: "XAU-USD", Direction: models.DirectionUp, Stake: dec("5"), DurationSeconds: 60},
			kind: apperr.KindInvalidOrder,
		},
		{
			name: "StakeOverBalance",
			req:  CreateContractRequest{UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp, Stake: dec("11"), DurationSeconds: 60},
			kind: apperr.KindInsufficientFunds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateContract(ctx, tt.req)
			if !apperr.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestEngine_CreateContractNoPrice(t *testing.T) {
	e, _, l, _ := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))

	_, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
		Stake: dec("40"), DurationSeconds: 60,
	})
	if !apperr.Is(err, apperr.KindMarketUnavailable) {
		t.Errorf("expected market_unavailable, got %v", err)
	}

	// No stake may be locked for a rejected contract.
	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Locked.IsZero() {
		t.Errorf("rejected contract left %s locked", b.Locked)
	}
}

func TestEngine_SettleWin(t *testing.T) {
	e, store, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("50000"))

	c, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
		Stake: dec("40"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	expire(t, store, c)
	po.SetPrice("BTC-USD", dec("50001"))

	n, err := e.SettleExpired(ctx)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled %d contracts, want 1", n)
	}

	got, _ := store.Contract(ctx, c.ID)
	if got.Status != models.ContractWin {
		t.Errorf("status = %s, want WIN", got.Status)
	}
	if !got.ExitPrice.Equal(dec("50001")) {
		t.Errorf("exit price = %s", got.ExitPrice)
	}
	if !got.ProfitLoss.Equal(dec("34")) {
		t.Errorf("profit = %s, want 34 (40 × 85%%)", got.ProfitLoss)
	}

	// 100 − 40 staked + 74 paid out (stake + profit).
	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("134")) || !b.Locked.IsZero() {
		t.Errorf("after win: available=%s locked=%s, want 134/0", b.Available, b.Locked)
	}
}

func TestEngine_SettleLossAndTie(t *testing.T) {
	e, store, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("100"))

	up, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
		Stake: dec("30"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	down, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionDown,
		Stake: dec("20"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	expire(t, store, up)
	expire(t, store, down)

	// Exit price exactly at the strike: both directions lose.
	n, err := e.SettleExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("settled %d, want 2", n)
	}

	gotUp, _ := store.Contract(ctx, up.ID)
	gotDown, _ := store.Contract(ctx, down.ID)
	if gotUp.Status != models.ContractLoss || gotDown.Status != models.ContractLoss {
		t.Errorf("tie outcomes = %s/%s, want LOSS/LOSS", gotUp.Status, gotDown.Status)
	}
	if !gotUp.ProfitLoss.Equal(dec("-30")) || !gotDown.ProfitLoss.Equal(dec("-20")) {
		t.Errorf("tie P/L = %s/%s, want -30/-20", gotUp.ProfitLoss, gotDown.ProfitLoss)
	}

	// Stakes forfeited to the treasury.
	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("50")) || !b.Locked.IsZero() {
		t.Errorf("after losses: %+v", b)
	}
	tb, _ := l.Balance(ctx, treasuryID, "USD")
	if !tb.Available.Equal(dec("50")) {
		t.Errorf("treasury = %s, want 50", tb.Available)
	}
}

// Settling twice in a row credits each winning contract exactly once.
func TestEngine_SettleExpiredIdempotent(t *testing.T) {
	e, store, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("100"))

	c, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
		Stake: dec("40"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	expire(t, store, c)
	po.SetPrice("BTC-USD", dec("101"))

	if n, _ := e.SettleExpired(ctx); n != 1 {
		t.Fatalf("first pass settled %d, want 1", n)
	}
	if n, _ := e.SettleExpired(ctx); n != 0 {
		t.Fatalf("second pass settled %d, want 0", n)
	}

	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("134")) {
		t.Errorf("double credit: available = %s, want 134", b.Available)
	}
}

// Overlapping settlement passes must not double-credit either.
func TestEngine_ConcurrentSettlePasses(t *testing.T) {
	e, store, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("1000"))
	po.SetPrice("BTC-USD", dec("100"))

	var contracts []models.BinaryContract
	for i := 0; i < 10; i++ {
		c, err := e.CreateContract(ctx, CreateContractRequest{
			UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp,
			Stake: dec("10"), DurationSeconds: 60,
		})
		if err != nil {
			t.Fatal(err)
		}
		contracts = append(contracts, c)
	}
	for _, c := range contracts {
		expire(t, store, c)
	}
	po.SetPrice("BTC-USD", dec("101"))

	var wg sync.WaitGroup
	total := make([]int, 4)
	for i := range total {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			n, err := e.SettleExpired(ctx)
			if err != nil {
				t.Errorf("settle: %v", err)
			}
			total[slot] = n
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, n := range total {
		settled += n
	}
	if settled != 10 {
		t.Errorf("passes settled %d contracts in total, want exactly 10", settled)
	}

	// 1000 − 100 staked + 10 × 18.5 payout.
	b, _ := l.Balance(ctx, 1, "USD")
	if !b.Available.Equal(dec("1085")) {
		t.Errorf("available = %s, want 1085", b.Available)
	}
}

// A missing price leaves the contract OPEN for the next pass; it never
// blocks the rest of the batch.
func TestEngine_SettleSkipsUnavailablePrice(t *testing.T) {
	l := ledger.NewMemory()
	store := NewMemoryStore(l)
	po := oracle.NewStatic()
	assets := StaticAssets{
		"BTC-USD": {Symbol: "BTC-USD", PayoutRate: dec("85")},
		"ETH-USD": {Symbol: "ETH-USD", PayoutRate: dec("80")},
	}
	e := NewEngine(store, po, assets, "USD", treasuryID, nil)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("100"))
	po.SetPrice("ETH-USD", dec("10"))

	btc, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionDown, Stake: dec("10"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	eth, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "ETH-USD", Direction: models.DirectionDown, Stake: dec("10"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	expire(t, store, btc)
	expire(t, store, eth)

	// BTC loses its price feed; ETH settles, BTC stays OPEN.
	blank := oracle.NewStatic()
	blank.SetPrice("ETH-USD", dec("9"))
	e.oracle = blank

	n, err := e.SettleExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("settled %d, want 1 (ETH only)", n)
	}
	gotBTC, _ := store.Contract(ctx, btc.ID)
	if gotBTC.Status != models.ContractOpen {
		t.Errorf("BTC contract = %s, want still OPEN", gotBTC.Status)
	}
	gotETH, _ := store.Contract(ctx, eth.ID)
	if gotETH.Status != models.ContractWin {
		t.Errorf("ETH contract = %s, want WIN", gotETH.Status)
	}
}

// A settlement whose ledger moves fail must leave the contract OPEN so
// a later pass can retry it.
func TestMemoryStore_SettleLedgerFailureKeepsContractOpen(t *testing.T) {
	e, store, l, po := newTestEngine(t)
	ctx := context.Background()
	l.Credit(ctx, 1, "USD", dec("100"))
	po.SetPrice("BTC-USD", dec("50000"))

	c, err := e.CreateContract(ctx, CreateContractRequest{
		UserID: 1, Symbol: "BTC-USD", Direction: models.DirectionUp, Stake: dec("50"), DurationSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Drain the locked stake out from under the contract so the settle
	// has nothing to collect.
	if err := l.Unlock(ctx, 1, "USD", dec("50")); err != nil {
		t.Fatal(err)
	}

	settled, err := store.Settle(ctx, Settlement{
		ContractID: c.ID, UserID: 1, StakeAsset: "USD", Stake: dec("50"),
		Outcome: models.ContractLoss, ExitPrice: dec("49000"), ProfitLoss: dec("-50"),
		Treasury: treasuryID, SettledAt: time.Now(),
	})
	if settled || !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("settle = (%v, %v), want (false, invalid_state)", settled, err)
	}

	got, _ := store.Contract(ctx, c.ID)
	if got.Status != models.ContractOpen {
		t.Errorf("contract = %s after failed settle, want OPEN", got.Status)
	}
	if got.SettledAt != nil {
		t.Errorf("settled_at recorded for a failed settle: %v", got.SettledAt)
	}
}
