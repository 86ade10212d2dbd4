package currency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/currency"
)

type staticSource struct {
	rates map[string]decimal.Decimal
	err   error
}

func (s staticSource) Rates(context.Context) (map[string]decimal.Decimal, error) {
	return s.rates, s.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	c := currency.NewConverter(nil, zerolog.Nop())
	out, err := c.ToValidation(context.Background(), dec("10.005"), "eur")
	require.NoError(t, err)
	require.True(t, out.Equal(dec("10.005")))
}

func TestConvertStaticFallback(t *testing.T) {
	c := currency.NewConverter(nil, zerolog.Nop())
	out, err := c.ToSettlement(context.Background(), dec("10.00"), "EUR")
	require.NoError(t, err)
	require.Equal(t, "11.00", out.StringFixed(2))

	out, err = c.ToValidation(context.Background(), dec("50000"), "COP")
	require.NoError(t, err)
	require.Equal(t, "10.00", out.StringFixed(2))
}

func TestConvertRoundsHalfUp(t *testing.T) {
	c := &currency.Converter{Static: map[string]decimal.Decimal{
		"EUR": dec("1"),
		"USD": dec("1"),
		"XXX": dec("8"),
	}}
	// 1 / 8 = 0.125
	out, err := c.Convert(context.Background(), dec("1"), "XXX", "EUR")
	require.NoError(t, err)
	require.Equal(t, "0.13", out.StringFixed(2))
}

func TestConvertPrefersLiveRates(t *testing.T) {
	live := staticSource{rates: map[string]decimal.Decimal{"EUR": dec("1"), "USD": dec("1.20")}}
	c := currency.NewConverter(live, zerolog.Nop())
	out, err := c.ToSettlement(context.Background(), dec("10"), "EUR")
	require.NoError(t, err)
	require.Equal(t, "12.00", out.StringFixed(2))
}

func TestConvertDoesNotMixSources(t *testing.T) {
	// Live knows USD but not MXN: the pair must be priced entirely from the static table.
	live := staticSource{rates: map[string]decimal.Decimal{"EUR": dec("1"), "USD": dec("2")}}
	c := currency.NewConverter(live, zerolog.Nop())
	out, err := c.ToSettlement(context.Background(), dec("23.81"), "MXN")
	require.NoError(t, err)
	require.Equal(t, "1.10", out.StringFixed(2))
}

func TestConvertFallsBackWhenLiveErrors(t *testing.T) {
	c := currency.NewConverter(staticSource{err: errors.New("down")}, zerolog.Nop())
	out, err := c.ToSettlement(context.Background(), dec("10"), "EUR")
	require.NoError(t, err)
	require.Equal(t, "11.00", out.StringFixed(2))
}

func TestConvertUnknownCurrencyFailsClosed(t *testing.T) {
	c := currency.NewConverter(nil, zerolog.Nop())
	_, err := c.ToValidation(context.Background(), dec("100"), "JPY")
	require.ErrorIs(t, err, currency.ErrRateUnavailable)
}

func TestConvertRejectsBadInput(t *testing.T) {
	c := currency.NewConverter(nil, zerolog.Nop())
	_, err := c.ToSettlement(context.Background(), dec("-1"), "EUR")
	require.ErrorIs(t, err, common.ErrConfig)

	_, err = c.ToSettlement(context.Background(), dec("1"), "EURO")
	require.ErrorIs(t, err, common.ErrConfig)
}

func TestParseAmount(t *testing.T) {
	d, err := currency.ParseAmount(" 10.50 ")
	require.NoError(t, err)
	require.True(t, d.Equal(dec("10.5")))

	for _, raw := range []string{"", "ten", "-3"} {
		_, err := currency.ParseAmount(raw)
		require.ErrorIs(t, err, common.ErrConfig, raw)
	}
}

func TestRedisRateSource(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := currency.RedisRateSource{Client: client, Key: "fx:test"}
	ctx := context.Background()

	_, err = src.Rates(ctx)
	require.Error(t, err)

	require.NoError(t, src.Store(ctx, map[string]decimal.Decimal{"eur": dec("1"), "USD": dec("1.25")}, time.Hour))
	mr.HSet("fx:test", "BAD", "abc")

	rates, err := src.Rates(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	require.True(t, rates["USD"].Equal(dec("1.25")))

	c := currency.NewConverter(src, zerolog.Nop())
	out, err := c.ToSettlement(ctx, dec("8"), "EUR")
	require.NoError(t, err)
	require.Equal(t, "10.00", out.StringFixed(2))
}
