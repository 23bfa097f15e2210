// Package payment builds and parses bitcoin: payment URIs for the single
// receiving address, and renders them as QR PNGs for the checkout page.
package payment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
)

// addressRegex accepts mainnet legacy (1…), script-hash (3…) and bech32
// (bc1…) addresses. Checksum validation is left to the wallet that pays.
var addressRegex = regexp.MustCompile(`^(bc1[02-9ac-hj-np-z]{11,87}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`)

var (
	ErrInvalidAddress = errors.New("payment: invalid bitcoin address")
	ErrInvalidURI     = errors.New("payment: invalid payment URI")
)

// QRSize is the pixel width/height of rendered QR codes.
const QRSize = 256

// Request is a parsed bitcoin: payment URI.
type Request struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"` // BTC
}

// ValidateAddress checks the shape of a receiving address.
func ValidateAddress(address string) error {
	if !addressRegex.MatchString(address) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	return nil
}

// BuildURI renders a BIP-21 payment URI: bitcoin:<address>?amount=<btc>.
func BuildURI(address string, amount decimal.Decimal) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidURI, amount)
	}
	return fmt.Sprintf("bitcoin:%s?amount=%s", address, amount.String()), nil
}

// ParseURI parses a URI produced by BuildURI back into its parts.
func ParseURI(uri string) (*Request, error) {
	rest, ok := strings.CutPrefix(uri, "bitcoin:")
	if !ok {
		return nil, fmt.Errorf("%w: missing bitcoin: scheme in %q", ErrInvalidURI, uri)
	}

	address, query, _ := strings.Cut(rest, "?")
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	for _, param := range strings.Split(query, "&") {
		key, value, _ := strings.Cut(param, "=")
		if key != "amount" {
			continue
		}
		parsed, err := decimal.NewFromString(value)
		if err != nil || parsed.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidURI, value)
		}
		amount = parsed
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: missing amount in %q", ErrInvalidURI, uri)
	}

	return &Request{Address: address, Amount: amount}, nil
}

// QRCode renders the URI as a PNG. Low error correction keeps the code
// small enough to scan comfortably from a phone screen.
func QRCode(uri string) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Low, QRSize)
	if err != nil {
		return nil, fmt.Errorf("payment: render QR: %w", err)
	}
	return png, nil
}
