// Package rates quotes crypto payment amounts from USD prices. Spot prices
// come from the Binance public ticker (USDT treated as USD) behind a short
// TTL cache; when the exchange is unreachable the quoter degrades to the
// last cached price and then to the configured static rates, so a flaky
// exchange slows quotes down rather than blocking purchases.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"keymint/internal/config"
)

// quoteScale is the number of fractional digits kept on quoted amounts.
// Finer than the amount-match epsilon, coarse enough to display.
const quoteScale = 8

// PriceSource returns the current USD price for one asset symbol.
type PriceSource interface {
	SpotPriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BinanceSource quotes spot prices from the Binance public ticker. No API
// key is needed for public market data.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource returns a keyless Binance spot client.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{client: binance.NewClient("", "")}
}

// SpotPriceUSD fetches the SYMBOLUSDT ticker price.
func (b *BinanceSource) SpotPriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair := tickerPair(symbol)
	prices, err := b.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to fetch %s ticker: %w", pair, err)
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("no ticker data for %s", pair)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unparseable %s price %q: %w", pair, prices[0].Price, err)
	}
	if price.IsZero() || price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("implausible %s price %s", pair, price)
	}
	return price, nil
}

// tickerPair maps an asset symbol to its Binance USDT spot pair.
func tickerPair(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "USDT"
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Quoter converts USD amounts to crypto amounts at current market prices.
// Safe for concurrent use.
type Quoter struct {
	source      PriceSource
	logger      *slog.Logger
	ttl         time.Duration
	staticRates map[string]decimal.Decimal

	mu    sync.RWMutex
	cache map[string]cachedPrice

	// now is replaceable in tests.
	now func() time.Time
}

// NewQuoter returns a quoter over the given price source. staticRates maps
// symbols to fallback USD prices; entries that fail to parse are dropped
// (configuration validation rejects them earlier).
func NewQuoter(source PriceSource, ttl time.Duration, staticRates map[string]string, logger *slog.Logger) *Quoter {
	if ttl <= 0 {
		ttl = config.RatesCacheTTL
	}
	static := make(map[string]decimal.Decimal, len(staticRates))
	for symbol, raw := range staticRates {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		static[strings.ToUpper(symbol)] = price
	}
	return &Quoter{
		source:      source,
		logger:      logger.With(slog.String("component", "rates")),
		ttl:         ttl,
		staticRates: static,
		cache:       make(map[string]cachedPrice),
		now:         time.Now,
	}
}

// PriceUSD returns the USD price for a symbol, preferring a fresh cache
// entry, then the exchange, then a stale cache entry, then the static rate.
func (q *Quoter) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	now := q.now()

	q.mu.RLock()
	entry, cached := q.cache[symbol]
	q.mu.RUnlock()
	if cached && now.Sub(entry.at) < q.ttl {
		return entry.price, nil
	}

	price, err := q.source.SpotPriceUSD(ctx, symbol)
	if err == nil {
		q.mu.Lock()
		q.cache[symbol] = cachedPrice{price: price, at: now}
		q.mu.Unlock()
		return price, nil
	}

	if cached {
		q.logger.WarnContext(ctx, "price fetch failed, serving stale cache",
			slog.String("symbol", symbol),
			slog.Duration("age", now.Sub(entry.at)),
			slog.String("error", err.Error()))
		return entry.price, nil
	}
	if static, ok := q.staticRates[symbol]; ok {
		q.logger.WarnContext(ctx, "price fetch failed, serving static rate",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
		return static, nil
	}
	return decimal.Decimal{}, fmt.Errorf("no price available for %s: %w", symbol, err)
}

// Quote converts a USD amount to the crypto amount due at the current price,
// rounded to eight fractional digits.
func (q *Quoter) Quote(ctx context.Context, symbol string, usdAmount decimal.Decimal) (decimal.Decimal, error) {
	if usdAmount.IsZero() || usdAmount.IsNegative() {
		return decimal.Decimal{}, errors.New("usd amount must be positive")
	}
	price, err := q.PriceUSD(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return usdAmount.DivRound(price, quoteScale), nil
}
