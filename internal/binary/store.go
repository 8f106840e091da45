package binary

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/ledger"
	"github.com/tradecore/exchange/internal/models"
)

// Settlement is everything settling one contract changes: the status
// transition, the recorded exit price and P/L, the collection of the
// locked stake to the treasury and, for a win, the payout credit.
type Settlement struct {
	ContractID uuid.UUID
	UserID     int64
	StakeAsset string
	Stake      decimal.Decimal
	Outcome    models.ContractStatus
	ExitPrice  decimal.Decimal
	ProfitLoss decimal.Decimal
	Payout     decimal.Decimal // stake + profit on WIN, zero on LOSS
	Treasury   int64
	SettledAt  time.Time
}

// ContractStore persists binary contracts and applies the ledger side
// effects that must commit together with them.
type ContractStore interface {
	// Create locks the stake, then persists the contract as OPEN.
	Create(ctx context.Context, c *models.BinaryContract) error

	// ExpiredOpen returns contracts still OPEN whose expiry has passed.
	ExpiredOpen(ctx context.Context, now time.Time) ([]models.BinaryContract, error)

	// Settle applies s atomically, guarded by a compare-and-swap on
	// status: only a contract still OPEN is transitioned. Returns false
	// when a concurrent settlement already advanced it, which callers
	// treat as a silent no-op.
	Settle(ctx context.Context, s Settlement) (bool, error)

	// Contract returns one contract by ID.
	Contract(ctx context.Context, id uuid.UUID) (models.BinaryContract, error)

	// ByUser returns a user's contracts, newest first.
	ByUser(ctx context.Context, userID int64) ([]models.BinaryContract, error)
}

// MemoryStore is an in-process ContractStore over a ledger.Ledger.
type MemoryStore struct {
	mu        sync.Mutex
	ledger    ledger.Ledger
	contracts map[uuid.UUID]models.BinaryContract
}

// NewMemoryStore creates an empty store over l.
func NewMemoryStore(l ledger.Ledger) *MemoryStore {
	return &MemoryStore{
		ledger:    l,
		contracts: make(map[uuid.UUID]models.BinaryContract),
	}
}

// Create locks the stake before the contract exists.
func (s *MemoryStore) Create(ctx context.Context, c *models.BinaryContract) error {
	if err := s.ledger.Lock(ctx, c.UserID, c.StakeAsset, c.Stake); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = *c
	return nil
}

// ExpiredOpen returns OPEN contracts past expiry, oldest expiry first.
func (s *MemoryStore) ExpiredOpen(ctx context.Context, now time.Time) ([]models.BinaryContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BinaryContract
	for _, c := range s.contracts {
		if c.Status == models.ContractOpen && !c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Settle transitions the contract out of OPEN exactly once and applies
// the ledger moves. The status check, the ledger moves and the record
// update all happen under the store lock, so overlapping settlement
// passes cannot both pass the guard and no reader observes a settled
// contract whose ledger moves have not landed.
func (s *MemoryStore) Settle(ctx context.Context, st Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[st.ContractID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "contract %s", st.ContractID)
	}
	if c.Status != models.ContractOpen {
		return false, nil
	}

	// The stake was locked at creation; it is collected to the treasury
	// in both outcomes, and a win pays stake + profit back. On failure
	// the record is untouched and the contract stays OPEN.
	if err := s.ledger.Settle(ctx, st.UserID, st.Treasury, st.StakeAsset, st.Stake); err != nil {
		return false, err
	}
	if st.Payout.IsPositive() {
		if err := s.ledger.Credit(ctx, st.UserID, st.StakeAsset, st.Payout); err != nil {
			return false, err
		}
	}

	c.Status = st.Outcome
	c.ExitPrice = st.ExitPrice
	c.ProfitLoss = st.ProfitLoss
	settledAt := st.SettledAt
	c.SettledAt = &settledAt
	s.contracts[st.ContractID] = c
	return true, nil
}

// Contract returns one contract by ID.
func (s *MemoryStore) Contract(ctx context.Context, id uuid.UUID) (models.BinaryContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return models.BinaryContract{}, apperr.New(apperr.KindNotFound, "contract %s", id)
	}
	return c, nil
}

// ByUser returns a user's contracts, newest first.
func (s *MemoryStore) ByUser(ctx context.Context, userID int64) ([]models.BinaryContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BinaryContract
	for _, c := range s.contracts {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
