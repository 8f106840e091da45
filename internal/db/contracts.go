package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/binary"
	"github.com/tradecore/exchange/internal/models"
)

// ContractStore implements binary.ContractStore. The settle guard is a
// compare-and-set on status = 'OPEN': overlapping settlement passes
// race on the UPDATE and only one sees a row change.
type ContractStore struct {
	db *DB
}

// NewContractStore creates a Postgres-backed contract store over db.
func NewContractStore(db *DB) *ContractStore {
	return &ContractStore{db: db}
}

var _ binary.ContractStore = (*ContractStore)(nil)

const contractColumns = "id, user_id, symbol, direction, stake::text, stake_asset, strike_price::text, payout_rate::text, expires_at, status, exit_price::text, profit_loss::text, created_at, settled_at"

func scanContract(row rowScanner) (models.BinaryContract, error) {
	var c models.BinaryContract
	var stake, strike, payout, exit, pnl string
	err := row.Scan(&c.ID, &c.UserID, &c.Symbol, &c.Direction, &stake, &c.StakeAsset,
		&strike, &payout, &c.ExpiresAt, &c.Status, &exit, &pnl, &c.CreatedAt, &c.SettledAt)
	if err != nil {
		return c, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Stake, stake}, {&c.StrikePrice, strike}, {&c.PayoutRate, payout},
		{&c.ExitPrice, exit}, {&c.ProfitLoss, pnl},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Create locks the stake and inserts the contract atomically.
func (s *ContractStore) Create(ctx context.Context, c *models.BinaryContract) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTx(ctx, tx, c.UserID, c.StakeAsset, c.Stake); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO contracts (id, user_id, symbol, direction, stake, stake_asset, strike_price, payout_rate, expires_at, status, created_at)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8::numeric, $9, $10, $11)`,
			c.ID, c.UserID, c.Symbol, c.Direction, c.Stake.String(), c.StakeAsset,
			c.StrikePrice.String(), c.PayoutRate.String(), c.ExpiresAt, c.Status, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create contract: %w", err)
		}
		return nil
	})
}

// ExpiredOpen returns OPEN contracts past expiry, oldest expiry first.
func (s *ContractStore) ExpiredOpen(ctx context.Context, now time.Time) ([]models.BinaryContract, error) {
	rows, err := s.db.Pool.Query(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at ASC",
		models.ContractOpen, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired contracts: %w", err)
	}
	defer rows.Close()

	var out []models.BinaryContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Settle transitions the contract out of OPEN exactly once and applies
// the ledger moves in the same transaction. Returns false when another
// pass got there first.
func (s *ContractStore) Settle(ctx context.Context, st binary.Settlement) (bool, error) {
	settled := false
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE contracts SET status = $2, exit_price = $3::numeric, profit_loss = $4::numeric, settled_at = $5
			 WHERE id = $1 AND status = $6`,
			st.ContractID, st.Outcome, st.ExitPrice.String(), st.ProfitLoss.String(),
			st.SettledAt, models.ContractOpen)
		if err != nil {
			return fmt.Errorf("failed to settle contract: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)", st.ContractID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check contract existence: %w", err)
			}
			if !exists {
				return apperr.New(apperr.KindNotFound, "contract %s", st.ContractID)
			}
			// Already settled by another pass.
			return nil
		}

		if err := settleTx(ctx, tx, st.UserID, st.Treasury, st.StakeAsset, st.Stake); err != nil {
			return err
		}
		if st.Payout.IsPositive() {
			if err := creditTx(ctx, tx, st.UserID, st.StakeAsset, st.Payout); err != nil {
				return err
			}
		}
		settled = true
		return nil
	})
	return settled, err
}

// Contract returns one contract by ID.
func (s *ContractStore) Contract(ctx context.Context, id uuid.UUID) (models.BinaryContract, error) {
	c, err := scanContract(s.db.Pool.QueryRow(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = $1", id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return c, apperr.New(apperr.KindNotFound, "contract %s", id)
		}
		return c, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// ByUser returns a user's contracts, newest first.
func (s *ContractStore) ByUser(ctx context.Context, userID int64) ([]models.BinaryContract, error) {
	rows, err := s.db.Pool.Query(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var out []models.BinaryContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
