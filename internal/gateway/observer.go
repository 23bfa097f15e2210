package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

// DefaultExplorerURL is the Blockstream API base.
const DefaultExplorerURL = "https://blockstream.info/api"

// PaymentSource is the external source of truth for what has actually
// arrived at the receiving address.
type PaymentSource interface {
	// IncomingPayments returns the payments observed at the receiving
	// address, one entry per transaction, in explorer order.
	IncomingPayments(ctx context.Context) ([]model.Payment, error)
}

// BlockstreamClient implements PaymentSource against the Blockstream
// address-transactions endpoint.
type BlockstreamClient struct {
	baseURL string
	address string
	client  *http.Client
}

// NewBlockstreamClient creates an observer for one receiving address.
func NewBlockstreamClient(baseURL, address string, timeout time.Duration) *BlockstreamClient {
	return &BlockstreamClient{
		baseURL: baseURL,
		address: address,
		client:  &http.Client{Timeout: timeout},
	}
}

// Address returns the receiving address this observer watches.
func (c *BlockstreamClient) Address() string { return c.address }

// explorerTx mirrors the slice of the Blockstream /address/{addr}/txs
// payload we care about: output values are satoshis.
type explorerTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
	Vout []struct {
		Value int64 `json:"value"`
	} `json:"vout"`
}

func (c *BlockstreamClient) IncomingPayments(ctx context.Context) ([]model.Payment, error) {
	url := c.baseURL + "/address/" + c.address + "/txs"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrObserverUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrObserverUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrObserverUnavailable, resp.StatusCode)
	}

	var txs []explorerTx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrObserverUnavailable, err)
	}

	payments := make([]model.Payment, 0, len(txs))
	for _, tx := range txs {
		var satoshis int64
		for _, out := range tx.Vout {
			satoshis += out.Value
		}

		var blockTime time.Time
		if tx.Status.BlockTime > 0 {
			blockTime = time.Unix(tx.Status.BlockTime, 0).UTC()
		}

		payments = append(payments, model.Payment{
			Amount:    decimal.New(satoshis, -8), // satoshi → BTC, exact
			TxHash:    tx.TxID,
			BlockTime: blockTime,
			Confirmed: tx.Status.Confirmed,
		})
	}
	return payments, nil
}
