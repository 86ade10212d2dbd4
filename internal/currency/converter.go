package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/obs"
)

const (
	// Settlement is the currency the processor settles invoices in.
	Settlement = "USD"
	// Validation is the currency the minimum-amount floor is expressed in.
	Validation = "EUR"
)

// ErrRateUnavailable is returned when neither the live source nor the static
// table can price a currency pair. Callers must treat the amount as unknown
// and refuse to proceed.
var ErrRateUnavailable = errors.New("currency: exchange rate unavailable")

// RateSource exposes a table of rates against a common base currency.
type RateSource interface {
	Rates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Converter turns store amounts into settlement and validation amounts.
type Converter struct {
	Live   RateSource
	Static map[string]decimal.Decimal
	Logger zerolog.Logger
}

// NewConverter builds a converter backed by live and the built-in fallback table.
func NewConverter(live RateSource, logger zerolog.Logger) *Converter {
	return &Converter{Live: live, Static: StaticRates(), Logger: logger}
}

// ToSettlement converts amount in currency into USD.
func (c *Converter) ToSettlement(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return c.Convert(ctx, amount, currency, Settlement)
}

// ToValidation converts amount in currency into EUR.
func (c *Converter) ToValidation(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return c.Convert(ctx, amount, currency, Validation)
}

// Convert computes amount / rate(from) * rate(to), rounded half-up to two
// decimals. Both rates always come from the same table. A negative amount or
// a malformed currency code is a configuration error.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, common.ConfigErrorf("amount %s is negative", amount.String())
	}
	from, err := normaliseCode(from)
	if err != nil {
		return decimal.Zero, err
	}
	to, err = normaliseCode(to)
	if err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return amount, nil
	}

	if c != nil && c.Live != nil {
		rates, err := c.Live.Rates(ctx)
		if err != nil {
			c.Logger.Warn().Err(err).Msg("live exchange rates unavailable, using static table")
		} else if out, ok := convertWith(rates, amount, from, to); ok {
			countSource("live")
			return out, nil
		}
	}

	var static map[string]decimal.Decimal
	if c != nil {
		static = c.Static
	}
	if static == nil {
		static = StaticRates()
	}
	if out, ok := convertWith(static, amount, from, to); ok {
		countSource("static")
		if c != nil {
			c.Logger.Debug().Str("from", from).Str("to", to).Msg("converted with static approximate rates")
		}
		return out, nil
	}

	countSource("unavailable")
	return decimal.Zero, fmt.Errorf("%w: %s to %s", ErrRateUnavailable, from, to)
}

func convertWith(rates map[string]decimal.Decimal, amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	fromRate, ok := rates[from]
	if !ok || !fromRate.IsPositive() {
		return decimal.Zero, false
	}
	toRate, ok := rates[to]
	if !ok || !toRate.IsPositive() {
		return decimal.Zero, false
	}
	return amount.Div(fromRate).Mul(toRate).Round(2), true
}

func countSource(source string) {
	if obs.CurrencyFallbackTotal != nil {
		obs.CurrencyFallbackTotal.WithLabelValues(source).Inc()
	}
}

func normaliseCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", common.ConfigErrorf("invalid currency code %q", code)
	}
	return code, nil
}

// ParseAmount parses a decimal amount such as "10.00". Empty, non-numeric or
// negative input is a configuration error.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, common.ConfigErrorf("amount is empty")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, common.ConfigErrorf("amount %q is not numeric", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, common.ConfigErrorf("amount %q is negative", raw)
	}
	return d, nil
}
