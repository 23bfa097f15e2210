package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: the current round (hit by every buy and by
// the status page) and wallet balances. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Round ledger ---

func (s *CachedStore) GetLatestRound(ctx context.Context) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, latestRoundKey()).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetLatestRound(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheRound(ctx, r, true)
	return r, nil
}

func (s *CachedStore) GetRound(ctx context.Context, roundNumber int) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, roundKey(roundNumber)).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, roundNumber)
	if err != nil {
		return nil, err
	}
	s.cacheRound(ctx, r, false)
	return r, nil
}

func (s *CachedStore) CreateRound(ctx context.Context, round model.Round) (model.Round, error) {
	stored, err := s.primary.CreateRound(ctx, round)
	if err != nil {
		return model.Round{}, err
	}
	// A new round changes which round is "latest".
	s.rdb.Del(ctx, latestRoundKey(), roundKey(stored.RoundNumber))
	return stored, nil
}

func (s *CachedStore) IncrementSold(ctx context.Context, roundNumber, amount int) error {
	if err := s.primary.IncrementSold(ctx, roundNumber, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, latestRoundKey(), roundKey(roundNumber))
	return nil
}

// --- Purchase order ledger (passthrough — sweep reads must be fresh) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.PurchaseOrder) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.PurchaseOrder, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListAwaitingOrders(ctx context.Context) ([]model.PurchaseOrder, error) {
	return s.primary.ListAwaitingOrders(ctx)
}

// --- Wallet ledger ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.WalletAccount
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(userID), data, s.ttl)
	}
	return w, nil
}

func (s *CachedStore) DebitWallet(ctx context.Context, userID string, amount int, price, totalUSD decimal.Decimal) (int, error) {
	newBalance, err := s.primary.DebitWallet(ctx, userID, amount, price, totalUSD)
	if err != nil {
		return 0, err
	}
	s.rdb.Del(ctx, walletKey(userID))
	return newBalance, nil
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

// --- Credit transaction ---

func (s *CachedStore) ApplyCredit(ctx context.Context, orderID string) (*CreditResult, error) {
	res, err := s.primary.ApplyCredit(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !res.AlreadyApplied {
		// The credit moved a wallet balance and a round counter.
		s.rdb.Del(ctx, walletKey(res.UserID), latestRoundKey(), roundKey(res.RoundNumber))
	}
	return res, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheRound(ctx context.Context, r *model.Round, latest bool) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, roundKey(r.RoundNumber), data, s.ttl)
	if latest {
		s.rdb.Set(ctx, latestRoundKey(), data, s.ttl)
	}
}

func latestRoundKey() string      { return "round:latest" }
func roundKey(n int) string       { return "round:" + strconv.Itoa(n) }
func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
