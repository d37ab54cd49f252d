package signer

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	uniagent "github.com/toryoto/uniagent-go"
)

// DefaultValidity is the authorization validity window when the challenge
// does not specify a timeout.
const DefaultValidity = time.Hour

// clockDriftAllowance is subtracted from validAfter so a counterparty whose
// clock runs slightly behind does not reject a just-created authorization.
const clockDriftAllowance = 10 * time.Second

// Authorization holds the EIP-3009 transferWithAuthorization parameters for
// one payment attempt. Each Authorization carries a fresh random nonce and
// must be used at most once.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// NewAuthorization creates an authorization valid from now (minus a small
// clock-drift allowance) for the given validity window, with a
// cryptographically random 32-byte nonce. A non-positive validity falls back
// to DefaultValidity.
func NewAuthorization(from, to common.Address, value *big.Int, validity time.Duration) (*Authorization, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now - int64(clockDriftAllowance/time.Second)),
		ValidBefore: big.NewInt(now + int64(validity/time.Second)),
		Nonce:       common.BytesToHash(nonce[:]),
	}, nil
}

// TypedData builds the canonical EIP-712 message for this authorization
// against the given token contract and chain.
func (a *Authorization) TypedData(token common.Address, chainID *big.Int, name, version string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       (*math.HexOrDecimal256)(a.Value),
			"validAfter":  (*math.HexOrDecimal256)(a.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(a.ValidBefore),
			"nonce":       a.Nonce.Hex(),
		},
	}
}

// Wire converts the authorization to its JSON wire form: all 256-bit integer
// fields as decimal strings, nonce as 0x-prefixed hex.
func (a *Authorization) Wire() uniagent.PaymentAuthorization {
	return uniagent.PaymentAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       a.Nonce.Hex(),
	}
}

// Digest computes the EIP-712 signing hash:
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func Digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}
