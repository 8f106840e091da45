package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/exchange/internal/api"
	"github.com/tradecore/exchange/internal/auth"
	"github.com/tradecore/exchange/internal/binary"
	"github.com/tradecore/exchange/internal/config"
	"github.com/tradecore/exchange/internal/db"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/oracle"
	"github.com/tradecore/exchange/internal/scheduler"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Static market configuration. Pairs and payout rates change with a
// deploy, not at runtime.
var (
	tradingPairs = exchange.StaticPairs{
		"BTC-USD": {
			Symbol: "BTC-USD", Base: "BTC", Quote: "USD",
			MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.002"),
			BasePrecision: 8, QuotePrecision: 2,
		},
		"ETH-USD": {
			Symbol: "ETH-USD", Base: "ETH", Quote: "USD",
			MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.002"),
			BasePrecision: 8, QuotePrecision: 2,
		},
	}
	binaryAssets = binary.StaticAssets{
		"BTC-USD": {Symbol: "BTC-USD", PayoutRate: dec("85"), Precision: 2},
		"ETH-USD": {Symbol: "ETH-USD", PayoutRate: dec("80"), Precision: 2},
	}
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsHub broadcasts order book snapshots to every connected client.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	log     *zap.Logger
}

func newWSHub(log *zap.Logger) *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool), log: log}
}

func (h *wsHub) broadcastOrderBook(ex *exchange.Engine, pair string) {
	buys, sells, err := ex.Depth(pair)
	if err != nil {
		return
	}
	data, err := json.Marshal(struct {
		Pair       string         `json:"pair"`
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}{pair, buys, sells})
	if err != nil {
		h.log.Error("failed to marshal order book", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			delete(h.clients, client)
			client.conn.Close()
		}
	}
}

func (h *wsHub) handleWebSocket(ex *exchange.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn}
		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		// Send initial snapshots.
		for pair := range tradingPairs {
			h.broadcastOrderBook(ex, pair)
		}

		// Drain reads until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, client)
				h.mu.Unlock()
				conn.Close()
				return
			}
		}
	}
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	ldg := db.NewLedger(database)
	orderStore := db.NewOrderStore(database)
	contractStore := db.NewContractStore(database)

	// Prices arrive over POST /admin/prices; engines read them through a
	// short-lived cache to keep settlement scans cheap.
	prices := oracle.NewStatic()
	priceReader := oracle.NewCache(prices, cfg.Exchange.PriceTTL)

	ex := exchange.NewEngine(orderStore, priceReader, tradingPairs, cfg.Exchange.TreasuryAccount, log.Named("exchange"))
	if err := ex.LoadOpen(ctx); err != nil {
		log.Fatal("failed to rebuild order books", zap.Error(err))
	}

	bin := binary.NewEngine(contractStore, priceReader, binaryAssets,
		cfg.Exchange.StakeAsset, cfg.Exchange.TreasuryAccount, log.Named("binary"))

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(authService, ex, bin, ldg, database, prices,
		cfg.Exchange.TreasuryAccount, log.Named("api"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	hub := newWSHub(log.Named("ws"))
	r.Get("/ws", hub.handleWebSocket(ex))
	r.Mount("/", handler.Routes())

	// Background loops: contract settlement, stop-limit triggering, and
	// the order book broadcast.
	settle := scheduler.NewScheduler(cfg.Exchange.SettleInterval, scheduler.TaskFunc{
		TaskName: "settle-contracts",
		Fn: func(ctx context.Context) error {
			n, err := bin.SettleExpired(ctx)
			if n > 0 {
				log.Info("settled contracts", zap.Int("count", n))
			}
			return err
		},
	}, log)
	triggers := scheduler.NewScheduler(cfg.Exchange.TriggerInterval, scheduler.TaskFunc{
		TaskName: "check-triggers",
		Fn: func(ctx context.Context) error {
			ex.CheckTriggers(ctx)
			return nil
		},
	}, log)
	broadcast := scheduler.NewScheduler(5*time.Second, scheduler.TaskFunc{
		TaskName: "broadcast-books",
		Fn: func(ctx context.Context) error {
			for pair := range tradingPairs {
				hub.broadcastOrderBook(ex, pair)
			}
			return nil
		},
	}, log)
	go settle.Start(ctx)
	go triggers.Start(ctx)
	go broadcast.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", zap.String("addr", cfg.Server.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}
