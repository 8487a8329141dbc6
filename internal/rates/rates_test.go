package rates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource returns scripted prices and counts calls.
type fakeSource struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeSource) SpotPriceUSD(_ context.Context, _ string) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	return f.price, nil
}

func newTestQuoter(t *testing.T, source PriceSource, static map[string]string) (*Quoter, *time.Time) {
	t.Helper()
	q := NewQuoter(source, time.Minute, static, discardLogger())
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	return q, &clock
}

func TestQuoteComputesAmount(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("50000")}
	q, _ := newTestQuoter(t, src, nil)

	amount, err := q.Quote(context.Background(), "BTC", decimal.RequireFromString("25"))
	require.NoError(t, err)
	assert.Equal(t, "0.0005", amount.String())
}

func TestQuoteRoundsToEightPlaces(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("3333.33")}
	q, _ := newTestQuoter(t, src, nil)

	amount, err := q.Quote(context.Background(), "ETH", decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.Equal(t, int32(-8), amount.Exponent())
	assert.Equal(t, "0.03000003", amount.String())
}

func TestQuoteRejectsNonPositiveUSD(t *testing.T) {
	q, _ := newTestQuoter(t, &fakeSource{price: decimal.NewFromInt(100)}, nil)

	_, err := q.Quote(context.Background(), "BTC", decimal.Zero)
	assert.ErrorContains(t, err, "must be positive")

	_, err = q.Quote(context.Background(), "BTC", decimal.NewFromInt(-5))
	assert.ErrorContains(t, err, "must be positive")
}

func TestPriceCachedWithinTTL(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("60000")}
	q, clk := newTestQuoter(t, src, nil)
	ctx := context.Background()

	_, err := q.PriceUSD(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	*clk = clk.Add(30 * time.Second)
	_, err = q.PriceUSD(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "fresh cache entry must not refetch")

	*clk = clk.Add(45 * time.Second)
	_, err = q.PriceUSD(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "expired cache entry refetches")
}

func TestStaleCacheServedOnFetchFailure(t *testing.T) {
	src := &fakeSource{price: decimal.RequireFromString("60000")}
	q, clk := newTestQuoter(t, src, nil)
	ctx := context.Background()

	price, err := q.PriceUSD(ctx, "BTC")
	require.NoError(t, err)

	*clk = clk.Add(5 * time.Minute)
	src.err = errors.New("exchange down")
	stale, err := q.PriceUSD(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, price.Equal(stale))
}

func TestStaticRateFallback(t *testing.T) {
	src := &fakeSource{err: errors.New("exchange down")}
	q, _ := newTestQuoter(t, src, map[string]string{"ltc": "85.50", "bad": "nope"})

	price, err := q.PriceUSD(context.Background(), "LTC")
	require.NoError(t, err)
	assert.Equal(t, "85.5", price.String())

	// No cache, no static rate: the failure surfaces.
	_, err = q.PriceUSD(context.Background(), "XMR")
	assert.ErrorContains(t, err, "no price available for XMR")

	// Unparseable static rates are dropped at construction.
	_, err = q.PriceUSD(context.Background(), "BAD")
	assert.Error(t, err)
}

func TestTickerPair(t *testing.T) {
	assert.Equal(t, "BTCUSDT", tickerPair("BTC"))
	assert.Equal(t, "ETHUSDT", tickerPair(" eth "))
}

func TestBinanceSourceParsesTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"64123.45000000"}`))
	}))
	defer server.Close()

	src := NewBinanceSource()
	src.client.BaseURL = server.URL

	price, err := src.SpotPriceUSD(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, "64123.45", price.String())
}

func TestBinanceSourceRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero price", `{"symbol":"BTCUSDT","price":"0"}`},
		{"garbage price", `{"symbol":"BTCUSDT","price":"much wow"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			src := NewBinanceSource()
			src.client.BaseURL = server.URL

			_, err := src.SpotPriceUSD(context.Background(), "BTC")
			assert.Error(t, err)
		})
	}
}
