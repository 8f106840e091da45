package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradecore/exchange/internal/config"
	"github.com/tradecore/exchange/internal/db"
	"github.com/tradecore/exchange/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Seed the database with demo users, balances, and a resting order book
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Skip when already seeded.
	var count int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if count > 0 {
		fmt.Printf("Database already has %d users. No need to seed.\n", count)
		os.Exit(0)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	// The first user doubles as the treasury / admin account.
	usernames := []string{"admin", "trader1", "trader2"}
	users := make(map[string]*models.User, len(usernames))
	for _, name := range usernames {
		u, err := database.CreateUser(ctx, name, string(hash))
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", name, err)
		}
		users[name] = u
	}

	ledger := db.NewLedger(database)
	for _, name := range []string{"trader1", "trader2"} {
		if err := ledger.Credit(ctx, users[name].ID, "USD", dec("100000")); err != nil {
			log.Fatalf("Failed to credit USD: %v", err)
		}
		if err := ledger.Credit(ctx, users[name].ID, "BTC", dec("5")); err != nil {
			log.Fatalf("Failed to credit BTC: %v", err)
		}
	}

	// A small resting book around 30000.
	orders := db.NewOrderStore(database)
	resting := []struct {
		user  string
		side  models.Side
		price string
		qty   string
	}{
		{"trader1", models.SideBuy, "29900", "0.5"},
		{"trader1", models.SideBuy, "29800", "1"},
		{"trader2", models.SideSell, "30100", "0.5"},
		{"trader2", models.SideSell, "30200", "1"},
	}
	for _, r := range resting {
		o := &models.Order{
			UserID:   users[r.user].ID,
			Pair:     "BTC-USD",
			Side:     r.side,
			Type:     models.OrderTypeLimit,
			Price:    dec(r.price),
			Quantity: dec(r.qty),
			Status:   models.OrderStatusOpen,
		}
		lockAsset := "BTC"
		o.Reserved = o.Quantity
		if r.side == models.SideBuy {
			lockAsset = "USD"
			o.Reserved = o.Price.Mul(o.Quantity)
		}
		if err := orders.CreateOrder(ctx, o, lockAsset); err != nil {
			log.Fatalf("Failed to create order: %v", err)
		}
		time.Sleep(5 * time.Millisecond) // distinct created_at for time priority
	}

	fmt.Println("Successfully seeded the database!")
}
