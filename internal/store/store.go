// Package store defines the persistence interface for the token engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The store owns the transactional boundaries: the multi-ledger credit
// (ApplyCredit) and the sell-back debit (DebitWallet) each run as a single
// unit of work, so a partial failure never leaves an order half-credited.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

var (
	// ErrRoundNotFound is returned when a round (or any round at all)
	// does not exist.
	ErrRoundNotFound = errors.New("store: round not found")

	// ErrOrderNotFound is returned for unknown order IDs.
	ErrOrderNotFound = errors.New("store: order not found")

	// ErrCapacityExceeded is returned when a sold-counter increment would
	// push a round past its supply. The store re-checks capacity under its
	// own lock; it is the authoritative guard against concurrent buyers.
	ErrCapacityExceeded = errors.New("store: round capacity exceeded")

	// ErrInsufficientBalance is returned when a debit exceeds the wallet
	// balance.
	ErrInsufficientBalance = errors.New("store: insufficient token balance")
)

// CreditResult reports the outcome of ApplyCredit.
type CreditResult struct {
	OrderID     string
	UserID      string
	TokenAmount int
	RoundNumber int
	NewBalance  int

	// AlreadyApplied is set when the order had already left
	// awaiting_payment — the caller lost the confirmation race. Nothing
	// was mutated.
	AlreadyApplied bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Round ledger ---

	// GetLatestRound returns the highest-numbered round, or
	// ErrRoundNotFound when no round exists yet.
	GetLatestRound(ctx context.Context) (*model.Round, error)

	// GetRound retrieves a round by number.
	GetRound(ctx context.Context, roundNumber int) (*model.Round, error)

	// CreateRound persists a new round. Creation is idempotent on the
	// round number: if the round already exists, the stored row is
	// returned unchanged.
	CreateRound(ctx context.Context, round model.Round) (model.Round, error)

	// IncrementSold adds amount to a round's sold counter, failing with
	// ErrCapacityExceeded if the result would exceed the supply.
	IncrementSold(ctx context.Context, roundNumber, amount int) error

	// --- Purchase order ledger ---

	// CreateOrder persists a new purchase order.
	CreateOrder(ctx context.Context, order *model.PurchaseOrder) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, orderID string) (*model.PurchaseOrder, error)

	// ListAwaitingOrders returns all awaiting_payment orders in creation
	// order, oldest first.
	ListAwaitingOrders(ctx context.Context) ([]model.PurchaseOrder, error)

	// --- Wallet ledger ---

	// GetWallet returns a user's wallet, or a zero-balance account when
	// none exists yet (wallets are created lazily on first credit/debit).
	GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error)

	// DebitWallet removes amount tokens from a wallet and appends the
	// SellRecord and sell ledger entry in the same unit of work. Returns
	// the new balance, or ErrInsufficientBalance.
	DebitWallet(ctx context.Context, userID string, amount int, price, totalUSD decimal.Decimal) (int, error)

	// GetLedgerEntriesByUser returns a user's audit trail, oldest first.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Credit transaction ---

	// ApplyCredit performs the atomic credit for a paid order: the order
	// status moves awaiting_payment → confirmed (compare-and-set), the
	// wallet is credited unless the order ID is already in the wallet's
	// applied set, a purchase ledger entry is appended, and the round's
	// sold counter is incremented with a capacity re-check. All of it or
	// none of it: on any failure the order stays awaiting_payment.
	ApplyCredit(ctx context.Context, orderID string) (*CreditResult, error)
}
