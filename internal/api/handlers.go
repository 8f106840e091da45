package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/exchange/internal/apperr"
	"github.com/tradecore/exchange/internal/auth"
	"github.com/tradecore/exchange/internal/binary"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/models"
)

type ctxKey int

const ctxKeyUserID ctxKey = iota

// BalanceStore is the ledger surface the HTTP layer needs: listing a
// user's balances and crediting deposits.
type BalanceStore interface {
	Balances(ctx context.Context, userID int64) ([]models.Balance, error)
	Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error
}

// WithdrawalStore persists withdrawal requests.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, userID int64, asset string, amount decimal.Decimal) (models.Withdrawal, error)
	ResolveWithdrawal(ctx context.Context, id int64, approve bool) (models.Withdrawal, error)
	WithdrawalsByUser(ctx context.Context, userID int64) ([]models.Withdrawal, error)
	PendingWithdrawals(ctx context.Context) ([]models.Withdrawal, error)
}

// PriceSetter accepts pushed market prices.
type PriceSetter interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Auth        *auth.AuthService
	Exchange    *exchange.Engine
	Binary      *binary.Engine
	Balances    BalanceStore
	Withdrawals WithdrawalStore
	Prices      PriceSetter
	// Admin may resolve withdrawals and push prices.
	Admin int64
	Log   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(authSvc *auth.AuthService, ex *exchange.Engine, bin *binary.Engine,
	balances BalanceStore, withdrawals WithdrawalStore, prices PriceSetter,
	admin int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Auth:        authSvc,
		Exchange:    ex,
		Binary:      bin,
		Balances:    balances,
		Withdrawals: withdrawals,
		Prices:      prices,
		Admin:       admin,
		Log:         log,
	}
}

// Routes mounts every endpoint on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/trades", h.GetTrades)
		r.Get("/trades/my", h.GetUserTrades)

		r.Get("/balances", h.GetBalances)
		r.Post("/deposits", h.Deposit)
		r.Post("/withdrawals", h.RequestWithdrawal)
		r.Get("/withdrawals", h.GetUserWithdrawals)

		r.Post("/contracts", h.CreateContract)
		r.Get("/contracts", h.GetUserContracts)

		r.Get("/admin/withdrawals", h.GetPendingWithdrawals)
		r.Post("/admin/withdrawals/{id}/approve", h.resolveWithdrawal(true))
		r.Post("/admin/withdrawals/{id}/reject", h.resolveWithdrawal(false))
		r.Post("/admin/prices", h.PushPrice)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps error kinds to HTTP status codes.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	if err == auth.ErrInvalidCredentials {
		status = http.StatusUnauthorized
		msg = "invalid credentials"
	} else if e, ok := err.(*apperr.Error); ok {
		msg = e.Reason
		switch e.Kind {
		case apperr.KindInvalidOrder:
			status = http.StatusBadRequest
		case apperr.KindInsufficientFunds:
			status = http.StatusUnprocessableEntity
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindInvalidState, apperr.KindConcurrencyConflict:
			status = http.StatusConflict
		case apperr.KindMarketUnavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
			msg = "internal error"
		}
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	respondJSON(w, status, map[string]string{"error": msg})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKeyUserID).(int64)
	return id
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization header required"})
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		id, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin guards the admin-only endpoints.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if userID(r) != h.Admin {
		respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return false
	}
	return true
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair         string          `json:"pair"`
		Side         string          `json:"side"`
		Type         string          `json:"type"`
		Price        decimal.Decimal `json:"price"`
		TriggerPrice decimal.Decimal `json:"trigger_price"`
		Quantity     decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	order, trades, err := h.Exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID:       userID(r),
		Pair:         req.Pair,
		Side:         models.Side(req.Side),
		Type:         models.OrderType(req.Type),
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Quantity:     req.Quantity,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"order":  order,
		"trades": trades,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.OrdersByUser(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), orderID, userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// GetOrderBook retrieves the current depth for one pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	buys, sells, err := h.Exchange.Depth(pair)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if buys == nil {
		buys = []models.Order{}
	}
	if sells == nil {
		sells = []models.Order{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetTrades retrieves recent trades for a pair
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	trades, err := h.Exchange.TradesByPair(r.Context(), pair, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Exchange.TradesByUser(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

// GetBalances retrieves every asset balance the user holds
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Balances.Balances(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if balances == nil {
		balances = []models.Balance{}
	}
	respondJSON(w, http.StatusOK, balances)
}

// Deposit credits funds to the user's available balance
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  string          `json:"asset"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Asset == "" || !req.Amount.IsPositive() {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "asset and positive amount required"})
		return
	}

	if err := h.Balances.Credit(r.Context(), userID(r), req.Asset, req.Amount); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"message": "deposit credited"})
}

// RequestWithdrawal locks funds and records a pending request
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  string          `json:"asset"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	wd, err := h.Withdrawals.CreateWithdrawal(r.Context(), userID(r), req.Asset, req.Amount)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, wd)
}

// GetUserWithdrawals retrieves the user's withdrawal requests
func (h *Handler) GetUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	wds, err := h.Withdrawals.WithdrawalsByUser(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if wds == nil {
		wds = []models.Withdrawal{}
	}
	respondJSON(w, http.StatusOK, wds)
}

// GetPendingWithdrawals lists every request awaiting review
func (h *Handler) GetPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	wds, err := h.Withdrawals.PendingWithdrawals(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if wds == nil {
		wds = []models.Withdrawal{}
	}
	respondJSON(w, http.StatusOK, wds)
}

func (h *Handler) resolveWithdrawal(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAdmin(w, r) {
			return
		}
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid withdrawal ID"})
			return
		}

		wd, err := h.Withdrawals.ResolveWithdrawal(r.Context(), id, approve)
		if err != nil {
			h.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, wd)
	}
}

// CreateContract opens a binary up/down contract
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol          string          `json:"symbol"`
		Direction       string          `json:"direction"`
		Stake           decimal.Decimal `json:"stake"`
		DurationSeconds int64           `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	contract, err := h.Binary.CreateContract(r.Context(), binary.CreateContractRequest{
		UserID:          userID(r),
		Symbol:          req.Symbol,
		Direction:       models.Direction(req.Direction),
		Stake:           req.Stake,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, contract)
}

// GetUserContracts retrieves the user's binary contracts
func (h *Handler) GetUserContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Binary.ContractsByUser(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if contracts == nil {
		contracts = []models.BinaryContract{}
	}
	respondJSON(w, http.StatusOK, contracts)
}

// PushPrice accepts an external price tick and re-checks stop triggers
func (h *Handler) PushPrice(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Symbol == "" || !req.Price.IsPositive() {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol and positive price required"})
		return
	}

	h.Prices.SetPrice(req.Symbol, req.Price)
	h.Exchange.CheckTriggers(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"message": "price accepted"})
}
