package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/gateway"
)

const testAddress = "bc1qduwye5myj34yc6xs7nazjzxegs6lgy2tc07jfg"

func TestCoinGeckoUSDRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"bitcoin":{"usd":50000}}`))
	}))
	defer srv.Close()

	client := gateway.NewCoinGeckoClient(srv.URL, time.Second)
	rate, err := client.USDRate(context.Background())
	if err != nil {
		t.Fatalf("rate fetch failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected 50000, got %s", rate)
	}
}

func TestCoinGeckoUSDRate_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed payload": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		},
		"zero rate": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"bitcoin":{"usd":0}}`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client := gateway.NewCoinGeckoClient(srv.URL, time.Second)
			if _, err := client.USDRate(context.Background()); !errors.Is(err, gateway.ErrRateUnavailable) {
				t.Errorf("expected ErrRateUnavailable, got %v", err)
			}
		})
	}
}

func TestCoinGeckoUSDRate_Unreachable(t *testing.T) {
	client := gateway.NewCoinGeckoClient("http://127.0.0.1:1", 100*time.Millisecond)
	if _, err := client.USDRate(context.Background()); !errors.Is(err, gateway.ErrRateUnavailable) {
		t.Errorf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestBlockstreamIncomingPayments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/address/"+testAddress+"/txs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Output values are satoshis; the gateway sums them per tx.
		w.Write([]byte(`[
			{"txid":"aaa","status":{"confirmed":true,"block_time":1700000000},
			 "vout":[{"value":150000},{"value":50000}]},
			{"txid":"bbb","status":{"confirmed":false},
			 "vout":[{"value":6000}]}
		]`))
	}))
	defer srv.Close()

	client := gateway.NewBlockstreamClient(srv.URL, testAddress, time.Second)
	payments, err := client.IncomingPayments(context.Background())
	if err != nil {
		t.Fatalf("observer fetch failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}

	first := payments[0]
	if first.TxHash != "aaa" {
		t.Errorf("expected tx aaa, got %s", first.TxHash)
	}
	if !first.Amount.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("expected 0.002 BTC, got %s", first.Amount)
	}
	if !first.Confirmed {
		t.Error("expected first payment confirmed")
	}
	if first.BlockTime != time.Unix(1700000000, 0).UTC() {
		t.Errorf("unexpected block time %s", first.BlockTime)
	}

	second := payments[1]
	if !second.Amount.Equal(decimal.NewFromFloat(0.00006)) {
		t.Errorf("expected 0.00006 BTC, got %s", second.Amount)
	}
	if second.Confirmed {
		t.Error("expected second payment unconfirmed")
	}
	if !second.BlockTime.IsZero() {
		t.Errorf("expected zero block time for mempool tx, got %s", second.BlockTime)
	}
}

func TestBlockstreamIncomingPayments_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"malformed payload": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"oops":true}`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client := gateway.NewBlockstreamClient(srv.URL, testAddress, time.Second)
			if _, err := client.IncomingPayments(context.Background()); !errors.Is(err, gateway.ErrObserverUnavailable) {
				t.Errorf("expected ErrObserverUnavailable, got %v", err)
			}
		})
	}
}
