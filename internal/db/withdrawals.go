package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/models"
)

// Withdrawal statuses.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

func scanWithdrawal(row rowScanner) (models.Withdrawal, error) {
	var w models.Withdrawal
	var amount string
	err := row.Scan(&w.ID, &w.UserID, &w.Asset, &amount, &w.Status, &w.CreatedAt)
	if err != nil {
		return w, err
	}
	w.Amount, err = parseDec(amount)
	return w, err
}

// CreateWithdrawal locks the amount and records a pending request. The
// funds stay locked until an admin approves (debiting the locked
// bucket) or rejects (unlocking).
func (db *DB) CreateWithdrawal(ctx context.Context, userID int64, asset string, amount decimal.Decimal) (models.Withdrawal, error) {
	if !amount.IsPositive() {
		return models.Withdrawal{}, apperr.New(apperr.KindInvalidOrder, "withdrawal amount must be positive")
	}
	w := models.Withdrawal{UserID: userID, Asset: asset, Amount: amount, Status: WithdrawalPending}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTx(ctx, tx, userID, asset, amount); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO withdrawals (user_id, asset, amount, status)
			 VALUES ($1, $2, $3::numeric, $4) RETURNING id, created_at`,
			userID, asset, amount.String(), WithdrawalPending).Scan(&w.ID, &w.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create withdrawal: %w", err)
		}
		return nil
	})
	return w, err
}

// ResolveWithdrawal approves or rejects a pending request. Approval
// debits the locked amount; rejection returns it to available.
func (db *DB) ResolveWithdrawal(ctx context.Context, id int64, approve bool) (models.Withdrawal, error) {
	var out models.Withdrawal
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWithdrawal(tx.QueryRow(ctx,
			"SELECT id, user_id, asset, amount::text, status, created_at FROM withdrawals WHERE id = $1 FOR UPDATE",
			id))
		if err != nil {
			if err == pgx.ErrNoRows {
				return apperr.New(apperr.KindNotFound, "withdrawal %d", id)
			}
			return fmt.Errorf("failed to get withdrawal: %w", err)
		}
		if w.Status != WithdrawalPending {
			return apperr.New(apperr.KindInvalidState, "withdrawal %d is %s", id, w.Status)
		}

		status := WithdrawalRejected
		if approve {
			status = WithdrawalApproved
			if err := debitLockedTx(ctx, tx, w.UserID, w.Asset, w.Amount); err != nil {
				return err
			}
		} else if err := unlockTx(ctx, tx, w.UserID, w.Asset, w.Amount); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, "UPDATE withdrawals SET status = $2 WHERE id = $1", id, status)
		if err != nil {
			return fmt.Errorf("failed to update withdrawal: %w", err)
		}
		w.Status = status
		out = w
		return nil
	})
	return out, err
}

// WithdrawalsByUser returns a user's withdrawal requests, newest first.
func (db *DB) WithdrawalsByUser(ctx context.Context, userID int64) ([]models.Withdrawal, error) {
	return db.queryWithdrawals(ctx,
		"SELECT id, user_id, asset, amount::text, status, created_at FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
}

// PendingWithdrawals returns every pending request, oldest first.
func (db *DB) PendingWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	return db.queryWithdrawals(ctx,
		"SELECT id, user_id, asset, amount::text, status, created_at FROM withdrawals WHERE status = $1 ORDER BY created_at ASC",
		WithdrawalPending)
}

func (db *DB) queryWithdrawals(ctx context.Context, query string, args ...any) ([]models.Withdrawal, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
