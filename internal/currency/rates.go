package currency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// StaticRates returns the built-in fallback table, expressed as units per EUR.
// The figures are approximate and stale; they only exist so common store
// currencies can still be priced when the live source is down.
func StaticRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"EUR": decimal.NewFromInt(1),
		"USD": decimal.RequireFromString("1.10"),
		"COP": decimal.NewFromInt(5000),
		"MXN": decimal.RequireFromString("23.81"),
		"ARS": decimal.RequireFromString("333.33"),
		"VES": decimal.NewFromInt(10000000),
		"PEN": decimal.RequireFromString("4.545"),
		"CLP": decimal.RequireFromString("909.09"),
		"BRL": decimal.RequireFromString("6.25"),
		"UYU": decimal.RequireFromString("47.62"),
	}
}

// RedisRateSource reads a hash of currency code to rate written by an
// external rates feed. Entries that do not parse are skipped.
type RedisRateSource struct {
	Client redis.Cmdable
	Key    string
}

// Rates loads the whole table. An empty or missing hash is reported as an
// error so the converter falls back.
func (s RedisRateSource) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if s.Client == nil {
		return nil, fmt.Errorf("rates: redis client not configured")
	}
	raw, err := s.Client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("rates: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rates: %s is empty", s.key())
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for code, value := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !d.IsPositive() {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return out, nil
}

// Store replaces the table atomically, mainly for the rates feed and tests.
func (s RedisRateSource) Store(ctx context.Context, rates map[string]decimal.Decimal, ttl time.Duration) error {
	if s.Client == nil {
		return fmt.Errorf("rates: redis client not configured")
	}
	values := make(map[string]any, len(rates))
	for code, rate := range rates {
		values[strings.ToUpper(code)] = rate.String()
	}
	_, err := s.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key())
		if len(values) > 0 {
			p.HSet(ctx, s.key(), values)
		}
		if ttl > 0 {
			p.Expire(ctx, s.key(), ttl)
		}
		return nil
	})
	return err
}

func (s RedisRateSource) key() string {
	if strings.TrimSpace(s.Key) == "" {
		return "fx:rates"
	}
	return s.Key
}
