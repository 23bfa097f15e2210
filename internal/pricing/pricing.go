// Package pricing implements the deterministic round-rollover curve for the
// token sale.
//
// The curve is fixed and replayable: round 1 is {supply 100, price 1.00};
// each later round triples the supply and raises the price by 25%, rounded
// to cents. Replaying the same history always yields the same next round,
// which keeps round creation idempotent across crashes.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

const (
	// InitialSupply is the token supply of round 1.
	InitialSupply = 100

	// SupplyMultiplier scales the supply from one round to the next.
	SupplyMultiplier = 3

	// PriceScale is the number of decimal places for USD prices.
	PriceScale int32 = 2

	// BTCScale is the number of decimal places for BTC amounts.
	BTCScale int32 = 8
)

var (
	// InitialPrice is the USD price per token in round 1.
	InitialPrice = decimal.New(100, -2) // 1.00

	// PriceIncrease is the per-round price multiplier.
	PriceIncrease = decimal.New(125, -2) // 1.25

	// MinOrderUSD is the payment-processor minimum. Orders priced below it
	// still request this much on-chain, so the BTC requested for a dust
	// purchase can exceed the USD price actually paid.
	MinOrderUSD = decimal.New(300, -2) // 3.00
)

// FirstRound returns round 1 with the fixed initial parameters.
func FirstRound(now time.Time) model.Round {
	return model.Round{
		RoundNumber: 1,
		Supply:      InitialSupply,
		Price:       InitialPrice,
		SoldTokens:  0,
		CreatedAt:   now,
	}
}

// NextRound derives the round that follows prev:
// supply × 3, price × 1.25 rounded to cents, sold counter reset.
func NextRound(prev model.Round, now time.Time) model.Round {
	return model.Round{
		RoundNumber: prev.RoundNumber + 1,
		Supply:      prev.Supply * SupplyMultiplier,
		Price:       NextPrice(prev.Price),
		SoldTokens:  0,
		CreatedAt:   now,
	}
}

// NextPrice returns the projected price of the round after one priced at p.
func NextPrice(p decimal.Decimal) decimal.Decimal {
	return p.Mul(PriceIncrease).Round(PriceScale)
}

// QuoteBTC converts a USD total into the BTC amount to request on-chain at
// the given BTC/USD rate, enforcing the MinOrderUSD floor and rounding to
// eight decimal places.
func QuoteBTC(totalUSD, rate decimal.Decimal) decimal.Decimal {
	amount := totalUSD.Div(rate)
	floor := MinOrderUSD.Div(rate)
	if amount.LessThan(floor) {
		amount = floor
	}
	return amount.Round(BTCScale)
}

// RequiredBTC is the amount an observed payment must reach for an order to
// count as paid. It is recomputed from the live rate at confirmation time —
// not the rate quoted at purchase — and carries no minimum floor, matching
// the quote-time/confirm-time drift the product currently accepts.
func RequiredBTC(totalUSD, rate decimal.Decimal) decimal.Decimal {
	return totalUSD.Div(rate).Round(BTCScale)
}
