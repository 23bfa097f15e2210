// Package gateway wraps the third-party HTTP APIs the engine depends on:
// the CoinGecko BTC/USD price lookup and the Blockstream block explorer.
//
// Both clients are pure queries with a bounded timeout and no built-in
// retry — the confirmation sweep simply tries again on its next tick.
// Transport and payload failures never escape raw: they surface as the
// typed ErrRateUnavailable / ErrObserverUnavailable sentinels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateUnavailable is returned when no BTC/USD rate can be fetched.
	ErrRateUnavailable = errors.New("gateway: BTC/USD rate unavailable")

	// ErrObserverUnavailable is returned when the block explorer cannot be
	// queried for incoming payments.
	ErrObserverUnavailable = errors.New("gateway: payment observer unavailable")
)

// DefaultRateURL is the CoinGecko API base.
const DefaultRateURL = "https://api.coingecko.com/api/v3"

// RateSource provides the current BTC/USD exchange rate.
type RateSource interface {
	// USDRate returns the USD price of one BTC.
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// CoinGeckoClient implements RateSource against the CoinGecko simple-price
// endpoint.
type CoinGeckoClient struct {
	baseURL string
	client  *http.Client
}

// NewCoinGeckoClient creates a rate client. baseURL is the API root
// (DefaultRateURL in production, an httptest server in tests).
func NewCoinGeckoClient(baseURL string, timeout time.Duration) *CoinGeckoClient {
	return &CoinGeckoClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CoinGeckoClient) USDRate(ctx context.Context) (decimal.Decimal, error) {
	url := c.baseURL + "/simple/price?ids=bitcoin&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var payload struct {
		Bitcoin struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"bitcoin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrRateUnavailable, err)
	}

	if payload.Bitcoin.USD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrRateUnavailable, payload.Bitcoin.USD)
	}
	return payload.Bitcoin.USD, nil
}
