package signer

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testFrom  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTo    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

func TestNewAuthorization_ValidityWindow(t *testing.T) {
	before := time.Now().Unix()
	auth, err := NewAuthorization(testFrom, testTo, big.NewInt(500000), time.Hour)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}
	after := time.Now().Unix()

	if auth.ValidAfter.Int64() > before {
		t.Errorf("validAfter %d should be at or before now (clock drift allowance)", auth.ValidAfter.Int64())
	}
	if got := auth.ValidBefore.Int64(); got < before+3600 || got > after+3600 {
		t.Errorf("validBefore %d not within expected one-hour window", got)
	}
}

func TestNewAuthorization_DefaultValidity(t *testing.T) {
	auth, err := NewAuthorization(testFrom, testTo, big.NewInt(1), 0)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}
	window := auth.ValidBefore.Int64() - auth.ValidAfter.Int64()
	wantMin := int64(DefaultValidity/time.Second) - 1
	if window < wantMin {
		t.Errorf("validity window %ds, want at least %ds", window, wantMin)
	}
}

// Nonces must be pairwise distinct across authorizations: reuse is a
// protocol violation.
func TestNewAuthorization_NonceUniqueness(t *testing.T) {
	const n = 256
	seen := make(map[common.Hash]bool, n)
	for i := 0; i < n; i++ {
		auth, err := NewAuthorization(testFrom, testTo, big.NewInt(1), time.Hour)
		if err != nil {
			t.Fatalf("NewAuthorization failed: %v", err)
		}
		if seen[auth.Nonce] {
			t.Fatalf("duplicate nonce %s after %d authorizations", auth.Nonce.Hex(), i)
		}
		seen[auth.Nonce] = true
	}
}

func TestAuthorization_TypedData(t *testing.T) {
	auth, err := NewAuthorization(testFrom, testTo, big.NewInt(500000), time.Hour)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}

	td := auth.TypedData(testToken, big.NewInt(84532), "USDC", "2")

	if td.PrimaryType != "TransferWithAuthorization" {
		t.Errorf("PrimaryType = %q", td.PrimaryType)
	}
	if td.Domain.Name != "USDC" || td.Domain.Version != "2" {
		t.Errorf("domain = %q/%q, want USDC/2", td.Domain.Name, td.Domain.Version)
	}
	if td.Domain.VerifyingContract != testToken.Hex() {
		t.Errorf("verifyingContract = %q", td.Domain.VerifyingContract)
	}
	if td.Message["from"] != testFrom.Hex() || td.Message["to"] != testTo.Hex() {
		t.Errorf("message from/to mismatch: %v", td.Message)
	}

	// The digest must be computable for a well-formed message.
	digest, err := Digest(td)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if len(digest) != 32 {
		t.Errorf("digest length = %d, want 32", len(digest))
	}
}

func TestAuthorization_Wire(t *testing.T) {
	auth, err := NewAuthorization(testFrom, testTo, big.NewInt(500000), time.Hour)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}

	wire := auth.Wire()
	if wire.Value != "500000" {
		t.Errorf("Value = %q, want decimal string 500000", wire.Value)
	}
	if wire.From != testFrom.Hex() || wire.To != testTo.Hex() {
		t.Errorf("from/to mismatch: %+v", wire)
	}
	if len(wire.Nonce) != 66 || wire.Nonce[:2] != "0x" {
		t.Errorf("Nonce = %q, want 0x-prefixed 32-byte hex", wire.Nonce)
	}
	if wire.ValidAfter == "" || wire.ValidBefore == "" {
		t.Errorf("validity fields must be decimal strings: %+v", wire)
	}
}

func TestDigest_Deterministic(t *testing.T) {
	auth := &Authorization{
		From:        testFrom,
		To:          testTo,
		Value:       big.NewInt(1),
		ValidAfter:  big.NewInt(1700000000),
		ValidBefore: big.NewInt(1700003600),
		Nonce:       common.HexToHash("0x01"),
	}
	td := auth.TypedData(testToken, big.NewInt(8453), "USD Coin", "2")

	d1, err := Digest(td)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	d2, err := Digest(td)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if string(d1) != string(d2) {
		t.Error("digest is not deterministic for identical typed data")
	}
}
