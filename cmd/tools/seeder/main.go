package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-gmpays/internal/config"
	"github.com/noah-isme/toko-gmpays/internal/currency"
	"github.com/noah-isme/toko-gmpays/internal/db"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
)

type demoOrder struct {
	first, last, email string
	currency           string
	items              []order.Item
}

var demoOrders = []demoOrder{
	{"Budi", "Santoso", "budi@example.com", "EUR", []order.Item{
		{ProductID: "mug-01", Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("4.50")},
		{ProductID: "coaster-01", Name: "Coaster", Quantity: 1, UnitPrice: decimal.RequireFromString("1.00")},
	}},
	{"Siti", "Aminah", "siti@example.com", "USD", []order.Item{
		{ProductID: "tee-02", Name: "T-shirt", Quantity: 1, UnitPrice: decimal.RequireFromString("18.00")},
	}},
	{"Andi", "Pratama", "andi@example.com", "COP", []order.Item{
		{ProductID: "bag-03", Name: "Tote bag", Quantity: 1, UnitPrice: decimal.RequireFromString("85000")},
	}},
	// Below the minimum once converted, so the gateway is hidden for it.
	{"Dewi", "Lestari", "dewi@example.com", "EUR", []order.Item{
		{ProductID: "sticker-04", Name: "Sticker", Quantity: 2, UnitPrice: decimal.RequireFromString("1.25")},
	}},
}

func main() {
	logger := obs.NewLogger("console", "info")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := db.Up(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	store := order.NewPostgresStore(pool)

	for _, d := range demoOrders {
		total := decimal.Zero
		for _, it := range d.items {
			total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		o, err := store.Insert(ctx, order.Order{
			FirstName: d.first,
			LastName:  d.last,
			Email:     d.email,
			Currency:  d.currency,
			Total:     total,
			Items:     d.items,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("email", d.email).Msg("insert demo order")
		}
		logger.Info().Str("order_id", o.ID).Int64("number", o.Number).Str("total", total.StringFixed(2)+" "+d.currency).Msg("seeded order")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	defer func() { _ = client.Close() }()

	rates := currency.RedisRateSource{Client: client, Key: cfg.FXRatesKey}
	if err := rates.Store(ctx, currency.StaticRates(), 24*time.Hour); err != nil {
		logger.Fatal().Err(err).Msg("seed exchange rates")
	}
	logger.Info().Str("key", cfg.FXRatesKey).Msg("seeded exchange rates")
}
