// Package chainwatch confirms crypto payments by polling a public block
// explorer. Each pending payment gets its own bounded monitor loop; matching
// is an exact-amount-within-epsilon scan over transactions received at or
// after the payment was created, and the first match wins.
package chainwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"keymint/internal/config"
)

// TxOutput is one output of an on-chain transaction, with the value already
// converted to whole asset units.
type TxOutput struct {
	Addresses []string
	Value     decimal.Decimal
}

// Transaction is an explorer transaction normalized across chains.
type Transaction struct {
	TxID       string
	ReceivedAt time.Time
	Outputs    []TxOutput
}

// ChainSource lists recent transactions involving an address. Implementations
// must return amounts in whole asset units (BTC, not satoshi).
type ChainSource interface {
	AddressTransactions(ctx context.Context, symbol, address string) ([]Transaction, error)
}

// chainParams maps an asset symbol to its explorer path segment and the
// decimal shift from base units to whole units.
var chainParams = map[string]struct {
	path  string
	shift int32
}{
	"BTC":  {path: "btc", shift: -8},
	"LTC":  {path: "ltc", shift: -8},
	"DOGE": {path: "doge", shift: -8},
	"DASH": {path: "dash", shift: -8},
	"ETH":  {path: "eth", shift: -18},
}

// SupportedSymbol reports whether the explorer client can watch the given
// asset.
func SupportedSymbol(symbol string) bool {
	_, ok := chainParams[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// explorerTx mirrors the explorer's address-transactions JSON. Output values
// arrive in base units (satoshi, wei) and may exceed int64 for ETH, so they
// decode into decimals.
type explorerTx struct {
	Hash     string    `json:"hash"`
	Received time.Time `json:"received"`
	Outputs  []struct {
		Addresses []string        `json:"addresses"`
		Value     decimal.Decimal `json:"value"`
	} `json:"outputs"`
}

type explorerAddressResponse struct {
	Address string       `json:"address"`
	TXs     []explorerTx `json:"txs"`
	Error   string       `json:"error"`
}

// ExplorerClient fetches address transactions from a BlockCypher-style HTTP
// explorer behind a circuit breaker, so a dead explorer fails polls fast
// instead of stacking up timeouts across every active monitor.
type ExplorerClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewExplorerClient returns a client for the given explorer base URL
// (for example https://api.blockcypher.com/v1).
func NewExplorerClient(baseURL string, timeout time.Duration, logger *slog.Logger) *ExplorerClient {
	if baseURL == "" {
		baseURL = config.DefaultExplorerBaseURL
	}
	if timeout <= 0 {
		timeout = config.DefaultExplorerTimeout
	}
	log := logger.With(slog.String("component", "explorer"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chain-explorer",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &ExplorerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     log,
	}
}

// AddressTransactions fetches the full transaction list for an address and
// normalizes output values to whole asset units.
func (c *ExplorerClient) AddressTransactions(ctx context.Context, symbol, address string) ([]Transaction, error) {
	params, ok := chainParams[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("unsupported chain symbol %q", symbol)
	}

	url := fmt.Sprintf("%s/%s/main/addrs/%s/full", c.baseURL, params.path, address)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	payload := result.(*explorerAddressResponse)

	txs := make([]Transaction, 0, len(payload.TXs))
	for _, raw := range payload.TXs {
		tx := Transaction{
			TxID:       raw.Hash,
			ReceivedAt: raw.Received,
			Outputs:    make([]TxOutput, 0, len(raw.Outputs)),
		}
		for _, out := range raw.Outputs {
			tx.Outputs = append(tx.Outputs, TxOutput{
				Addresses: out.Addresses,
				Value:     out.Value.Shift(params.shift),
			})
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *ExplorerClient) fetch(ctx context.Context, url string) (*explorerAddressResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create explorer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read explorer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload explorerAddressResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed explorer response: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("explorer error: %s", payload.Error)
	}
	return &payload, nil
}
