package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	rounds  map[int]*model.Round
	orders  map[string]*model.PurchaseOrder
	wallets map[string]*memWallet
	sells   []model.SellRecord
	ledger  []model.LedgerEntry
}

type memWallet struct {
	balance int
	applied map[string]bool // order IDs already credited
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[int]*model.Round),
		orders:  make(map[string]*model.PurchaseOrder),
		wallets: make(map[string]*memWallet),
	}
}

// --- Round ledger ---

func (s *MemoryStore) GetLatestRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestLocked()
	if latest == nil {
		return nil, ErrRoundNotFound
	}
	copy := *latest
	return &copy, nil
}

// latestLocked returns the highest-numbered round. Caller holds the lock.
func (s *MemoryStore) latestLocked() *model.Round {
	var latest *model.Round
	for _, r := range s.rounds {
		if latest == nil || r.RoundNumber > latest.RoundNumber {
			latest = r
		}
	}
	return latest
}

func (s *MemoryStore) GetRound(_ context.Context, roundNumber int) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[roundNumber]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, roundNumber)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) CreateRound(_ context.Context, round model.Round) (model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent: an existing round with this number wins.
	if existing, ok := s.rounds[round.RoundNumber]; ok {
		return *existing, nil
	}

	copy := round
	s.rounds[round.RoundNumber] = &copy
	return round, nil
}

func (s *MemoryStore) IncrementSold(_ context.Context, roundNumber, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementSoldLocked(roundNumber, amount)
}

func (s *MemoryStore) incrementSoldLocked(roundNumber, amount int) error {
	r, ok := s.rounds[roundNumber]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRoundNotFound, roundNumber)
	}
	if r.SoldTokens+amount > r.Supply {
		return fmt.Errorf("%w: round %d has %d remaining, requested %d",
			ErrCapacityExceeded, roundNumber, r.Supply-r.SoldTokens, amount)
	}
	r.SoldTokens += amount
	return nil
}

// --- Purchase order ledger ---

func (s *MemoryStore) CreateOrder(_ context.Context, order *model.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.OrderID]; ok {
		return fmt.Errorf("order %s already exists", order.OrderID)
	}
	copy := *order
	s.orders[order.OrderID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListAwaitingOrders(_ context.Context) ([]model.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var awaiting []model.PurchaseOrder
	for _, o := range s.orders {
		if o.Status == model.StatusAwaitingPayment {
			awaiting = append(awaiting, *o)
		}
	}
	sort.Slice(awaiting, func(i, j int) bool {
		return awaiting[i].CreatedAt.Before(awaiting[j].CreatedAt)
	})
	return awaiting, nil
}

// --- Wallet ledger ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account := &model.WalletAccount{UserID: userID}
	w, ok := s.wallets[userID]
	if !ok {
		return account, nil
	}
	account.TokenBalance = w.balance
	for id := range w.applied {
		account.AppliedOrders = append(account.AppliedOrders, id)
	}
	sort.Strings(account.AppliedOrders)
	return account, nil
}

func (s *MemoryStore) DebitWallet(_ context.Context, userID string, amount int, price, totalUSD decimal.Decimal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok || w.balance < amount {
		balance := 0
		if ok {
			balance = w.balance
		}
		return 0, fmt.Errorf("%w: have %d, want %d", ErrInsufficientBalance, balance, amount)
	}

	now := time.Now().UTC()
	w.balance -= amount
	s.sells = append(s.sells, model.SellRecord{
		UserID:      userID,
		TokenAmount: amount,
		Price:       price,
		TotalUSD:    totalUSD,
		CreatedAt:   now,
	})
	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        model.KindSell,
		TokenAmount: amount,
		Price:       price,
		TotalUSD:    totalUSD,
		CreatedAt:   now,
	})
	return w.balance, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// SellRecords returns all sell records, oldest first. Test hook.
func (s *MemoryStore) SellRecords() []model.SellRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SellRecord(nil), s.sells...)
}

// --- Credit transaction ---

// ApplyCredit runs the whole credit under one lock: all checks happen
// before any mutation, so a failure leaves the order awaiting_payment.
func (s *MemoryStore) ApplyCredit(_ context.Context, orderID string) (*CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	// Layer one: status compare-and-set.
	if o.Status != model.StatusAwaitingPayment {
		return &CreditResult{OrderID: orderID, AlreadyApplied: true}, nil
	}

	r, ok := s.rounds[o.RoundNumber]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, o.RoundNumber)
	}
	if r.SoldTokens+o.TokenAmount > r.Supply {
		return nil, fmt.Errorf("%w: round %d has %d remaining, requested %d",
			ErrCapacityExceeded, o.RoundNumber, r.Supply-r.SoldTokens, o.TokenAmount)
	}

	w := s.wallets[o.UserID]
	if w == nil {
		w = &memWallet{applied: make(map[string]bool)}
		s.wallets[o.UserID] = w
	}

	now := time.Now().UTC()
	o.Status = model.StatusConfirmed
	o.ConfirmedAt = &now
	r.SoldTokens += o.TokenAmount

	// Layer two: the applied set keeps a replayed credit from paying twice.
	if !w.applied[orderID] {
		w.applied[orderID] = true
		w.balance += o.TokenAmount
	}

	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      o.UserID,
		OrderID:     orderID,
		Kind:        model.KindPurchase,
		TokenAmount: o.TokenAmount,
		Price:       o.Price,
		TotalUSD:    o.TotalUSD,
		CreatedAt:   now,
	})

	return &CreditResult{
		OrderID:     orderID,
		UserID:      o.UserID,
		TokenAmount: o.TokenAmount,
		RoundNumber: o.RoundNumber,
		NewBalance:  w.balance,
	}, nil
}
