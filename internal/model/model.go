// Package model defines the core domain types shared across the token engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a purchase order. Orders move
// awaiting_payment → confirmed exactly once and are never deleted.
type OrderStatus string

const (
	StatusAwaitingPayment OrderStatus = "awaiting_payment"
	StatusConfirmed       OrderStatus = "confirmed"
)

// LedgerEntry kinds.
const (
	KindPurchase = "purchase"
	KindSell     = "sell"
)

// Round is one fixed-supply, fixed-price batch of tokens offered for sale.
// Supply and Price are derived deterministically from the previous round and
// never change after creation; only SoldTokens moves, and only upward.
type Round struct {
	RoundNumber int             `json:"round_number" db:"round_number"`
	Supply      int             `json:"supply" db:"supply"`
	Price       decimal.Decimal `json:"price" db:"price"` // USD per token
	SoldTokens  int             `json:"sold_tokens" db:"sold_tokens"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the unsold capacity of the round.
func (r Round) Remaining() int {
	return r.Supply - r.SoldTokens
}

// Exhausted reports whether the round has no capacity left.
func (r Round) Exhausted() bool {
	return r.SoldTokens >= r.Supply
}

// PurchaseOrder is a recorded intent to buy tokens, pending on-chain payment
// confirmation. BTCAmount and BTCUSDRate are the values quoted at creation;
// the required BTC amount is recomputed with the live rate at confirmation
// time, so the two can drift.
type PurchaseOrder struct {
	OrderID     string          `json:"order_id" db:"order_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	TokenAmount int             `json:"token_amount" db:"token_amount"`
	Price       decimal.Decimal `json:"price" db:"price"`           // USD per token at quote time
	TotalUSD    decimal.Decimal `json:"total_usd" db:"total_usd"`   // token_amount × price
	BTCAmount   decimal.Decimal `json:"btc_amount" db:"btc_amount"` // quoted BTC, floor applied
	BTCUSDRate  decimal.Decimal `json:"btc_usd_rate" db:"btc_usd_rate"`
	RoundNumber int             `json:"round_number" db:"round_number"`
	Status      OrderStatus     `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// WalletAccount holds a user's internal token balance. AppliedOrders lists
// the purchase orders already credited to the balance; it is the second
// idempotency layer behind the order-status compare-and-set.
type WalletAccount struct {
	UserID        string   `json:"user_id"`
	TokenBalance  int      `json:"token_balance"`
	AppliedOrders []string `json:"applied_orders,omitempty"`
}

// SellRecord is an append-only audit entry for a sell-back. It records intent
// only; the payout itself happens outside this system.
type SellRecord struct {
	UserID      string          `json:"user_id" db:"user_id"`
	TokenAmount int             `json:"token_amount" db:"token_amount"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalUSD    decimal.Decimal `json:"total_usd" db:"total_usd"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of a balance-moving operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	OrderID     string          `json:"order_id,omitempty" db:"order_id"` // set for purchases
	Kind        string          `json:"kind" db:"kind"`                   // "purchase" or "sell"
	TokenAmount int             `json:"token_amount" db:"token_amount"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalUSD    decimal.Decimal `json:"total_usd" db:"total_usd"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Payment is one incoming on-chain payment observed at the receiving address.
// Amount is the sum of all outputs of the transaction, in BTC.
type Payment struct {
	Amount    decimal.Decimal `json:"amount"`
	TxHash    string          `json:"tx_hash"`
	BlockTime time.Time       `json:"block_time"`
	Confirmed bool            `json:"confirmed"`
}
