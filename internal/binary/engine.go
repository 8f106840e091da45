package binary

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/oracle"
)

// AssetSource is the read-only lookup of binary asset configuration.
type AssetSource interface {
	Asset(symbol string) (models.Asset, error)
}

// StaticAssets is a fixed AssetSource.
type StaticAssets map[string]models.Asset

// Asset returns the configuration for symbol.
func (s StaticAssets) Asset(symbol string) (models.Asset, error) {
	a, ok := s[symbol]
	if !ok {
		return models.Asset{}, apperr.New(apperr.KindNotFound, "unknown asset %s", symbol)
	}
	return a, nil
}

var oneHundred = decimal.NewFromInt(100)

// Engine resolves time-boxed up/down contracts against a strike price.
// Contract creation captures the strike from the oracle; settlement is
// driven by an external scheduler and is idempotent under overlapping
// invocations.
type Engine struct {
	store      ContractStore
	oracle     oracle.PriceOracle
	assets     AssetSource
	stakeAsset string
	treasury   int64
	log        *zap.Logger
}

// NewEngine creates a settlement engine. Stakes are denominated in
// stakeAsset; forfeited stakes accrue to the treasury account.
func NewEngine(store ContractStore, po oracle.PriceOracle, assets AssetSource, stakeAsset string, treasury int64, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:      store,
		oracle:     po,
		assets:     assets,
		stakeAsset: stakeAsset,
		treasury:   treasury,
		log:        log,
	}
}

// CreateContractRequest carries the caller's contract parameters.
type CreateContractRequest struct {
	UserID          int64
	Symbol          string
	Direction       models.Direction
	Stake           decimal.Decimal
	DurationSeconds int64
}

// CreateContract captures the strike price and payout rate, locks the
// stake, and opens the contract.
func (e *Engine) CreateContract(ctx context.Context, req CreateContractRequest) (models.BinaryContract, error) {
	if req.Direction != models.DirectionUp && req.Direction != models.DirectionDown {
		return models.BinaryContract{}, apperr.New(apperr.KindInvalidOrder, "direction must be UP or DOWN")
	}
	if !req.Stake.IsPositive() {
		return models.BinaryContract{}, apperr.New(apperr.KindInvalidOrder, "stake must be positive")
	}
	if req.DurationSeconds <= 0 {
		return models.BinaryContract{}, apperr.New(apperr.KindInvalidOrder, "duration must be positive")
	}
	asset, err := e.assets.Asset(req.Symbol)
	if err != nil {
		return models.BinaryContract{}, apperr.New(apperr.KindInvalidOrder, "unknown asset %s", req.Symbol)
	}

	// The strike is fixed server-side at creation and never recomputed.
	strike, err := e.oracle.Price(ctx, req.Symbol)
	if err != nil {
		return models.BinaryContract{}, err
	}

	now := time.Now()
	contract := &models.BinaryContract{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		Stake:       req.Stake,
		StakeAsset:  e.stakeAsset,
		StrikePrice: strike,
		PayoutRate:  asset.PayoutRate,
		ExpiresAt:   now.Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:      models.ContractOpen,
		CreatedAt:   now,
	}
	if err := e.store.Create(ctx, contract); err != nil {
		return models.BinaryContract{}, err
	}
	return *contract, nil
}

// SettleExpired resolves every OPEN contract past expiry against the
// current oracle price. A contract whose price is unavailable stays
// OPEN for the next pass; a contract another pass already settled is
// skipped; one contract's failure never aborts the batch. Returns the
// number of contracts settled.
func (e *Engine) SettleExpired(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := e.store.ExpiredOpen(ctx, now)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, c := range expired {
		price, err := e.oracle.Price(ctx, c.Symbol)
		if err != nil {
			// Never settle without a price.
			e.log.Warn("settlement skipped, no price",
				zap.String("contract_id", c.ID.String()),
				zap.String("symbol", c.Symbol))
			continue
		}

		outcome := models.ContractLoss
		if c.Direction == models.DirectionUp && price.GreaterThan(c.StrikePrice) {
			outcome = models.ContractWin
		} else if c.Direction == models.DirectionDown && price.LessThan(c.StrikePrice) {
			outcome = models.ContractWin
		}
		// A price exactly at the strike stays LOSS: house edge on ties.

		st := Settlement{
			ContractID: c.ID,
			UserID:     c.UserID,
			StakeAsset: c.StakeAsset,
			Stake:      c.Stake,
			Outcome:    outcome,
			ExitPrice:  price,
			ProfitLoss: c.Stake.Neg(),
			Payout:     decimal.Zero,
			Treasury:   e.treasury,
			SettledAt:  now,
		}
		if outcome == models.ContractWin {
			st.ProfitLoss = c.Stake.Mul(c.PayoutRate).Div(oneHundred)
			st.Payout = c.Stake.Add(st.ProfitLoss)
		}

		applied, err := e.store.Settle(ctx, st)
		if err != nil {
			e.log.Error("settle contract",
				zap.String("contract_id", c.ID.String()),
				zap.Error(err))
			continue
		}
		if !applied {
			// A concurrent pass got there first.
			continue
		}
		settled++
		e.log.Info("contract settled",
			zap.String("contract_id", c.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.String("exit_price", price.String()),
			zap.String("profit_loss", st.ProfitLoss.String()))
	}
	return settled, nil
}

// ContractsByUser returns a user's contract history.
func (e *Engine) ContractsByUser(ctx context.Context, userID int64) ([]models.BinaryContract, error) {
	return e.store.ByUser(ctx, userID)
}
