package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/models"
)

// Memory is an in-process Ledger. Each (account, asset) balance carries
// its own mutex, so contention is scoped to the balance being touched.
type Memory struct {
	mu       sync.Mutex // guards the accounts map only
	accounts map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*entry)}
}

func key(userID int64, asset string) string {
	return fmt.Sprintf("%d/%s", userID, asset)
}

func (m *Memory) entry(userID int64, asset string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, asset)
	e, ok := m.accounts[k]
	if !ok {
		e = &entry{available: decimal.Zero, locked: decimal.Zero}
		m.accounts[k] = e
	}
	return e
}

// Lock moves amount from available to locked.
func (m *Memory) Lock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	e := m.entry(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds,
			"account %d has %s %s available, need %s", userID, e.available, asset, amount)
	}
	e.available = e.available.Sub(amount)
	e.locked = e.locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to available.
func (m *Memory) Unlock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	e := m.entry(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked.LessThan(amount) {
		return apperr.New(apperr.KindInvalidState,
			"account %d has %s %s locked, cannot unlock %s", userID, e.locked, asset, amount)
	}
	e.locked = e.locked.Sub(amount)
	e.available = e.available.Add(amount)
	return nil
}

// Settle moves amount from from's locked balance into to's available
// balance. Both entries are held for the duration so no torn state is
// observable; entries are acquired in key order to avoid deadlock.
func (m *Memory) Settle(ctx context.Context, from, to int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	src := m.entry(from, asset)
	dst := m.entry(to, asset)
	if src == dst {
		// Self-settle: locked funds return to the same account's
		// available balance.
		src.mu.Lock()
		defer src.mu.Unlock()
		if src.locked.LessThan(amount) {
			return apperr.New(apperr.KindInvalidState,
				"account %d has %s %s locked, cannot settle %s", from, src.locked, asset, amount)
		}
		src.locked = src.locked.Sub(amount)
		src.available = src.available.Add(amount)
		return nil
	}

	first, second := src, dst
	if key(from, asset) > key(to, asset) {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if src.locked.LessThan(amount) {
		return apperr.New(apperr.KindInvalidState,
			"account %d has %s %s locked, cannot settle %s", from, src.locked, asset, amount)
	}
	src.locked = src.locked.Sub(amount)
	dst.available = dst.available.Add(amount)
	return nil
}

// Credit adds amount to available.
func (m *Memory) Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	e := m.entry(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = e.available.Add(amount)
	return nil
}

// Debit removes amount from available.
func (m *Memory) Debit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	e := m.entry(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds,
			"account %d has %s %s available, need %s", userID, e.available, asset, amount)
	}
	e.available = e.available.Sub(amount)
	return nil
}

// Balance returns a copy of the current balance.
func (m *Memory) Balance(ctx context.Context, userID int64, asset string) (models.Balance, error) {
	e := m.entry(userID, asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Balance{
		UserID:    userID,
		Asset:     asset,
		Available: e.available,
		Locked:    e.locked,
	}, nil
}

// Balances returns every asset balance an account holds, sorted by
// asset.
func (m *Memory) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	prefix := fmt.Sprintf("%d/", userID)

	m.mu.Lock()
	entries := make(map[string]*entry)
	for k, e := range m.accounts {
		if strings.HasPrefix(k, prefix) {
			entries[strings.TrimPrefix(k, prefix)] = e
		}
	}
	m.mu.Unlock()

	assets := make([]string, 0, len(entries))
	for asset := range entries {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]models.Balance, 0, len(assets))
	for _, asset := range assets {
		e := entries[asset]
		e.mu.Lock()
		out = append(out, models.Balance{
			UserID:    userID,
			Asset:     asset,
			Available: e.available,
			Locked:    e.locked,
		})
		e.mu.Unlock()
	}
	return out, nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.New(apperr.KindInvalidState, "negative amount %s", amount)
	}
	return nil
}
