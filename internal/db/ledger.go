package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/ledger"
	"github.com/tradecore/exchange/internal/models"
)

// Ledger implements ledger.Ledger on top of the balances table. Each
// primitive runs in its own transaction and serializes on the balance
// row via SELECT ... FOR UPDATE; the in-transaction helpers below are
// shared with OrderStore and ContractStore so a fill or settlement can
// fold the same moves into one larger transaction.
type Ledger struct {
	db *DB
}

// NewLedger creates a Postgres-backed ledger over db.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

var _ ledger.Ledger = (*Ledger)(nil)

// lockBalanceRow pins the (user, asset) row for the rest of tx,
// creating it zeroed on first touch.
func lockBalanceRow(ctx context.Context, tx pgx.Tx, userID int64, asset string) (available, locked decimal.Decimal, err error) {
	_, err = tx.Exec(ctx,
		"INSERT INTO balances (user_id, asset) VALUES ($1, $2) ON CONFLICT (user_id, asset) DO NOTHING",
		userID, asset)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var availStr, lockedStr string
	err = tx.QueryRow(ctx,
		"SELECT available::text, locked::text FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE",
		userID, asset).Scan(&availStr, &lockedStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("failed to lock balance row: %w", err)
	}
	if available, err = parseDec(availStr); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if locked, err = parseDec(lockedStr); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return available, locked, nil
}

func writeBalance(ctx context.Context, tx pgx.Tx, userID int64, asset string, available, locked decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		"UPDATE balances SET available = $3::numeric, locked = $4::numeric WHERE user_id = $1 AND asset = $2",
		userID, asset, available.String(), locked.String())
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.New(apperr.KindInvalidState, "negative ledger amount %s", amount)
	}
	return nil
}

func lockTx(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, locked, err := lockBalanceRow(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds, "user %d has %s %s available, needs %s", userID, available, asset, amount)
	}
	return writeBalance(ctx, tx, userID, asset, available.Sub(amount), locked.Add(amount))
}

func unlockTx(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, locked, err := lockBalanceRow(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if locked.LessThan(amount) {
		return apperr.New(apperr.KindInvalidState, "user %d has %s %s locked, cannot unlock %s", userID, locked, asset, amount)
	}
	return writeBalance(ctx, tx, userID, asset, available.Add(amount), locked.Sub(amount))
}

func creditTx(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, locked, err := lockBalanceRow(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	return writeBalance(ctx, tx, userID, asset, available.Add(amount), locked)
}

func debitTx(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, locked, err := lockBalanceRow(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds, "user %d has %s %s available, needs %s", userID, available, asset, amount)
	}
	return writeBalance(ctx, tx, userID, asset, available.Sub(amount), locked)
}

// debitLockedTx removes amount from the locked bucket without touching
// available. Used when locked funds leave the system, as on an approved
// withdrawal.
func debitLockedTx(ctx context.Context, tx pgx.Tx, userID int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	available, locked, err := lockBalanceRow(ctx, tx, userID, asset)
	if err != nil {
		return err
	}
	if locked.LessThan(amount) {
		return apperr.New(apperr.KindInvalidState, "user %d has %s %s locked, cannot debit %s", userID, locked, asset, amount)
	}
	return writeBalance(ctx, tx, userID, asset, available, locked.Sub(amount))
}

// settleTx moves amount from from's locked balance to to's available
// balance. Rows are pinned in user-ID order so two settles between the
// same accounts never deadlock.
func settleTx(ctx context.Context, tx pgx.Tx, from, to int64, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from == to {
		return unlockTx(ctx, tx, from, asset, amount)
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	if _, _, err := lockBalanceRow(ctx, tx, first, asset); err != nil {
		return err
	}
	if _, _, err := lockBalanceRow(ctx, tx, second, asset); err != nil {
		return err
	}

	fromAvail, fromLocked, err := lockBalanceRow(ctx, tx, from, asset)
	if err != nil {
		return err
	}
	if fromLocked.LessThan(amount) {
		return apperr.New(apperr.KindInvalidState, "user %d has %s %s locked, cannot settle %s", from, fromLocked, asset, amount)
	}
	if err := writeBalance(ctx, tx, from, asset, fromAvail, fromLocked.Sub(amount)); err != nil {
		return err
	}
	toAvail, toLocked, err := lockBalanceRow(ctx, tx, to, asset)
	if err != nil {
		return err
	}
	return writeBalance(ctx, tx, to, asset, toAvail.Add(amount), toLocked)
}

// inTx runs fn in a transaction, committing on nil.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		return lockTx(ctx, tx, userID, asset, amount)
	})
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		return unlockTx(ctx, tx, userID, asset, amount)
	})
}

// Settle moves amount from from's locked balance to to's available
// balance.
func (l *Ledger) Settle(ctx context.Context, from, to int64, asset string, amount decimal.Decimal) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		return settleTx(ctx, tx, from, to, asset, amount)
	})
}

// Credit adds amount to available.
func (l *Ledger) Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		return creditTx(ctx, tx, userID, asset, amount)
	})
}

// Debit removes amount from available.
func (l *Ledger) Debit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		return debitTx(ctx, tx, userID, asset, amount)
	})
}

// Balance returns the current balance, zeroed when the row does not
// exist yet.
func (l *Ledger) Balance(ctx context.Context, userID int64, asset string) (models.Balance, error) {
	b := models.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero}
	var availStr, lockedStr string
	err := l.db.Pool.QueryRow(ctx,
		"SELECT available::text, locked::text FROM balances WHERE user_id = $1 AND asset = $2",
		userID, asset).Scan(&availStr, &lockedStr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return b, nil
		}
		return b, fmt.Errorf("failed to get balance: %w", err)
	}
	if b.Available, err = parseDec(availStr); err != nil {
		return b, err
	}
	if b.Locked, err = parseDec(lockedStr); err != nil {
		return b, err
	}
	return b, nil
}

// Balances returns every asset balance a user holds.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := l.db.Pool.Query(ctx,
		"SELECT asset, available::text, locked::text FROM balances WHERE user_id = $1 ORDER BY asset",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var out []models.Balance
	for rows.Next() {
		b := models.Balance{UserID: userID}
		var availStr, lockedStr string
		if err := rows.Scan(&b.Asset, &availStr, &lockedStr); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Available, err = parseDec(availStr); err != nil {
			return nil, err
		}
		if b.Locked, err = parseDec(lockedStr); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
