// Package sale implements the purchase-reconciliation engine: it quotes and
// records purchase intents against the current pricing round, drives payment
// confirmation from on-chain observations, and handles sell-backs.
//
// All monetary values use shopspring/decimal — never float64 for money.
package sale

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/gateway"
	"github.com/neirospace/token-engine/internal/metrics"
	"github.com/neirospace/token-engine/internal/model"
	"github.com/neirospace/token-engine/internal/payment"
	"github.com/neirospace/token-engine/internal/pricing"
	"github.com/neirospace/token-engine/internal/store"
)

// DefaultRecentPayments is how many observed payments the recent-payments
// query returns when no limit is given.
const DefaultRecentPayments = 5

// MaxRecentPayments caps the recent-payments query.
const MaxRecentPayments = 50

// InsufficientSupplyError rejects a purchase that exceeds the current
// round's remaining capacity. It carries the remaining count so the caller
// can retry smaller or wait for the rollover.
type InsufficientSupplyError struct {
	Remaining int
}

func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("only %d tokens remaining in the current round", e.Remaining)
}

// Service coordinates the round, order, and wallet ledgers with the two
// external gateways. It owns no storage of its own; the store provides the
// transactional boundaries that keep a credit all-or-nothing.
type Service struct {
	store    store.Store
	rates    gateway.RateSource
	payments gateway.PaymentSource
	address  string // single receiving address
	hub      *Hub   // optional WebSocket hub for real-time broadcasts

	// roundMu serializes the get-or-create rollover within this process.
	// The store's idempotent CreateRound is the cross-process guard.
	roundMu sync.Mutex
}

// NewService creates the reconciliation engine.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, rates gateway.RateSource, payments gateway.PaymentSource, address string, hub *Hub) *Service {
	return &Service{
		store:    st,
		rates:    rates,
		payments: payments,
		address:  address,
		hub:      hub,
	}
}

// --- Request/Response types ---

// BuyRequest is the JSON body for POST /buy.
type BuyRequest struct {
	UserID      string `json:"user_id"`
	TokenAmount int    `json:"token_amount"`
}

// BuyResponse is returned from POST /buy. The QR code is a base64 PNG of
// the payment URI.
type BuyResponse struct {
	OrderID    string          `json:"order_id"`
	PaymentURI string          `json:"payment_uri"`
	QRCode     string          `json:"qr_code"`
	BTCAmount  decimal.Decimal `json:"btc_amount"`
	BTCUSDRate decimal.Decimal `json:"btc_usd_rate"`
	TotalUSD   decimal.Decimal `json:"total_usd"`
}

// ConfirmRequest is the JSON body for POST /confirm.
type ConfirmRequest struct {
	OrderID string `json:"order_id"`
}

// ConfirmResponse is returned from POST /confirm.
type ConfirmResponse struct {
	Resolved        bool `json:"resolved"`
	AlreadyResolved bool `json:"already_resolved,omitempty"`
	NewBalance      *int `json:"new_balance,omitempty"`
}

// SellRequest is the JSON body for POST /sell.
type SellRequest struct {
	UserID      string `json:"user_id"`
	TokenAmount int    `json:"token_amount"`
}

// SellResponse is returned from POST /sell.
type SellResponse struct {
	NewBalance int             `json:"new_balance"`
	PayoutUSD  decimal.Decimal `json:"payout_usd"`
}

// StatusResponse is the round projection returned from GET /status.
type StatusResponse struct {
	RoundNumber      int             `json:"round_number"`
	RemainingTokens  int             `json:"remaining_tokens"`
	PercentRemaining decimal.Decimal `json:"percent_remaining"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	NextPrice        decimal.Decimal `json:"next_price"`
}

// ConfirmResult is the outcome of one TryConfirm attempt.
type ConfirmResult struct {
	Resolved        bool // order is (now) confirmed
	AlreadyResolved bool // it was confirmed before this attempt
	NewBalance      int  // wallet balance after the credit, when this attempt credited
}

// --- Core operations ---

// CurrentRound returns the open round, rolling over to the next one when
// the latest is exhausted (or creating round 1 on first use). Creation is
// deterministic and idempotent, so a crash mid-rollover just replays.
func (s *Service) CurrentRound(ctx context.Context) (model.Round, error) {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	var next model.Round
	latest, err := s.store.GetLatestRound(ctx)
	switch {
	case errors.Is(err, store.ErrRoundNotFound):
		next = pricing.FirstRound(time.Now().UTC())
	case err != nil:
		return model.Round{}, err
	case !latest.Exhausted():
		metrics.CurrentRound.Set(float64(latest.RoundNumber))
		return *latest, nil
	default:
		next = pricing.NextRound(*latest, time.Now().UTC())
	}

	created, err := s.store.CreateRound(ctx, next)
	if err != nil {
		return model.Round{}, err
	}

	metrics.CurrentRound.Set(float64(created.RoundNumber))
	slog.Info("round started",
		"round", created.RoundNumber,
		"supply", created.Supply,
		"price", created.Price.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        "round_started",
			RoundNumber: created.RoundNumber,
			Price:       created.Price.String(),
		})
	}
	return created, nil
}

// TryConfirm checks one awaiting order against the chain and credits it if
// paid. It is the single confirmation path, shared by the background
// sweeper and the client-triggered endpoint; the order-status CAS and the
// wallet's applied set make racing calls converge on exactly one credit.
//
// The required BTC amount is recomputed from the live rate, not the rate
// quoted at purchase time, so the threshold drifts with the market.
func (s *Service) TryConfirm(ctx context.Context, orderID string) (*ConfirmResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusAwaitingPayment {
		metrics.Confirmations.WithLabelValues("already_resolved").Inc()
		return &ConfirmResult{Resolved: true, AlreadyResolved: true}, nil
	}

	// All gateway I/O completes before any ledger mutation begins.
	rate, err := s.rates.USDRate(ctx)
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}
	required := pricing.RequiredBTC(order.TotalUSD, rate)

	observed, err := s.payments.IncomingPayments(ctx)
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}

	// Paid iff any observed payment reaches the required amount. Matching
	// is by amount only — there is no per-order memo — so two awaiting
	// orders of similar size are indistinguishable here.
	paid := false
	for _, p := range observed {
		if p.Amount.GreaterThanOrEqual(required) {
			paid = true
			break
		}
	}
	if !paid {
		metrics.Confirmations.WithLabelValues("pending").Inc()
		return &ConfirmResult{Resolved: false}, nil
	}

	res, err := s.store.ApplyCredit(ctx, orderID)
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.AlreadyApplied {
		// Lost the race to a concurrent confirmation. Benign.
		metrics.Confirmations.WithLabelValues("already_resolved").Inc()
		return &ConfirmResult{Resolved: true, AlreadyResolved: true}, nil
	}

	metrics.Confirmations.WithLabelValues("confirmed").Inc()
	metrics.TokensSold.Add(float64(res.TokenAmount))
	slog.Info("order confirmed",
		"order_id", orderID,
		"user", res.UserID,
		"tokens", res.TokenAmount,
		"round", res.RoundNumber,
		"required_btc", required.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        "order_confirmed",
			OrderID:     orderID,
			UserID:      res.UserID,
			RoundNumber: res.RoundNumber,
			TokenAmount: res.TokenAmount,
		})
	}
	return &ConfirmResult{Resolved: true, NewBalance: res.NewBalance}, nil
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/buy. It records intent and returns a payment
// URI; no funds move here.
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	if req.TokenAmount <= 0 {
		writeError(w, "token_amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	round, err := s.CurrentRound(ctx)
	if err != nil {
		writeError(w, "failed to load current round", http.StatusInternalServerError)
		return
	}
	if req.TokenAmount > round.Remaining() {
		writeError(w, (&InsufficientSupplyError{Remaining: round.Remaining()}).Error(), http.StatusConflict)
		return
	}

	rate, err := s.rates.USDRate(ctx)
	if err != nil {
		writeError(w, "BTC/USD rate unavailable", http.StatusBadGateway)
		return
	}

	totalUSD := round.Price.Mul(decimal.NewFromInt(int64(req.TokenAmount)))
	btcAmount := pricing.QuoteBTC(totalUSD, rate)

	uri, err := payment.BuildURI(s.address, btcAmount)
	if err != nil {
		writeError(w, "failed to build payment URI", http.StatusInternalServerError)
		return
	}
	qrPNG, err := payment.QRCode(uri)
	if err != nil {
		writeError(w, "failed to render payment QR", http.StatusInternalServerError)
		return
	}

	order := &model.PurchaseOrder{
		OrderID:     uuid.New().String(),
		UserID:      req.UserID,
		TokenAmount: req.TokenAmount,
		Price:       round.Price,
		TotalUSD:    totalUSD,
		BTCAmount:   btcAmount,
		BTCUSDRate:  rate,
		RoundNumber: round.RoundNumber,
		Status:      model.StatusAwaitingPayment,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		writeError(w, "failed to record order", http.StatusInternalServerError)
		return
	}

	metrics.OrdersCreated.Inc()
	slog.Info("purchase order created",
		"order_id", order.OrderID,
		"user", req.UserID,
		"tokens", req.TokenAmount,
		"round", round.RoundNumber,
		"total_usd", totalUSD.String(),
		"btc", btcAmount.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(BuyResponse{
		OrderID:    order.OrderID,
		PaymentURI: uri,
		QRCode:     base64.StdEncoding.EncodeToString(qrPNG),
		BTCAmount:  btcAmount,
		BTCUSDRate: rate,
		TotalUSD:   totalUSD,
	})
}

// Confirm handles POST /api/v1/confirm — the client-triggered counterpart
// of the background sweep.
func (s *Service) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		writeError(w, "order_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.TryConfirm(r.Context(), req.OrderID)
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, gateway.ErrRateUnavailable), errors.Is(err, gateway.ErrObserverUnavailable):
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		writeError(w, "confirmation failed", http.StatusInternalServerError)
		return
	}

	resp := ConfirmResponse{
		Resolved:        res.Resolved,
		AlreadyResolved: res.AlreadyResolved,
	}
	if res.Resolved && !res.AlreadyResolved {
		resp.NewBalance = &res.NewBalance
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Sell handles POST /api/v1/sell. Purely internal accounting: the debit and
// its audit rows land together, the real-world payout happens elsewhere.
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	if req.TokenAmount <= 0 {
		writeError(w, "token_amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	round, err := s.CurrentRound(ctx)
	if err != nil {
		writeError(w, "failed to load current round", http.StatusInternalServerError)
		return
	}
	payout := round.Price.Mul(decimal.NewFromInt(int64(req.TokenAmount)))

	newBalance, err := s.store.DebitWallet(ctx, req.UserID, req.TokenAmount, round.Price, payout)
	if errors.Is(err, store.ErrInsufficientBalance) {
		writeError(w, "insufficient token balance", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, "failed to debit wallet", http.StatusInternalServerError)
		return
	}

	metrics.Sells.Inc()
	slog.Info("tokens sold back",
		"user", req.UserID,
		"tokens", req.TokenAmount,
		"payout_usd", payout.String(),
		"new_balance", newBalance,
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        "tokens_sold",
			UserID:      req.UserID,
			TokenAmount: req.TokenAmount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SellResponse{
		NewBalance: newBalance,
		PayoutUSD:  payout,
	})
}

// Status handles GET /api/v1/status.
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	round, err := s.CurrentRound(r.Context())
	if err != nil {
		writeError(w, "failed to load current round", http.StatusInternalServerError)
		return
	}

	remaining := round.Remaining()
	percent := decimal.NewFromInt(int64(remaining)).
		Div(decimal.NewFromInt(int64(round.Supply))).
		Mul(decimal.NewFromInt(100)).
		Round(2)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		RoundNumber:      round.RoundNumber,
		RemainingTokens:  remaining,
		PercentRemaining: percent,
		CurrentPrice:     round.Price,
		NextPrice:        pricing.NextPrice(round.Price),
	})
}

// RecentPayments handles GET /api/v1/payments/recent?limit=N — a
// pass-through of the observer, most recent first.
func (s *Service) RecentPayments(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRecentPayments
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxRecentPayments)
	}

	observed, err := s.payments.IncomingPayments(r.Context())
	if err != nil {
		writeError(w, "payment observer unavailable", http.StatusBadGateway)
		return
	}

	sort.Slice(observed, func(i, j int) bool {
		return observed[i].BlockTime.After(observed[j].BlockTime)
	})
	if len(observed) > limit {
		observed = observed[:limit]
	}
	if observed == nil {
		observed = []model.Payment{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(observed)
}

// Wallet handles GET /api/v1/wallet/{userID}.
func (s *Service) Wallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	account, err := s.store.GetWallet(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// History handles GET /api/v1/history/{userID} — the user's audit trail of
// confirmed purchases and sells.
func (s *Service) History(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.GetLedgerEntriesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
