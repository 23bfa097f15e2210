package payment_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/payment"
)

const testAddress = "bc1qduwye5myj34yc6xs7nazjzxegs6lgy2tc07jfg"

func TestBuildURI(t *testing.T) {
	amount := decimal.RequireFromString("0.002")

	uri, err := payment.BuildURI(testAddress, amount)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	want := "bitcoin:" + testAddress + "?amount=0.002"
	if uri != want {
		t.Errorf("expected %q, got %q", want, uri)
	}
}

func TestBuildURI_RejectsBadInput(t *testing.T) {
	if _, err := payment.BuildURI("not-an-address", decimal.NewFromInt(1)); !errors.Is(err, payment.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := payment.BuildURI(testAddress, decimal.Zero); !errors.Is(err, payment.ErrInvalidURI) {
		t.Errorf("expected ErrInvalidURI for zero amount, got %v", err)
	}
}

func TestParseURI_RoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("0.00006")
	uri, err := payment.BuildURI(testAddress, amount)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	req, err := payment.ParseURI(uri)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Address != testAddress {
		t.Errorf("expected address %s, got %s", testAddress, req.Address)
	}
	if !req.Amount.Equal(amount) {
		t.Errorf("expected amount %s, got %s", amount, req.Amount)
	}
}

func TestParseURI_Invalid(t *testing.T) {
	cases := []string{
		"http://example.com",
		"bitcoin:" + testAddress,              // no amount
		"bitcoin:" + testAddress + "?amount=", // empty amount
		"bitcoin:" + testAddress + "?amount=-1",
		"bitcoin:bogus?amount=0.002",
	}
	for _, uri := range cases {
		if _, err := payment.ParseURI(uri); err == nil {
			t.Errorf("expected error for %q", uri)
		}
	}
}

func TestQRCode(t *testing.T) {
	uri, _ := payment.BuildURI(testAddress, decimal.RequireFromString("0.002"))

	png, err := payment.QRCode(uri)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected non-empty PNG")
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("expected PNG magic bytes")
	}
}
