// Package signer defines the typed-data signing capability used to authorize
// stablecoin micropayments, and the construction of EIP-3009
// transferWithAuthorization messages. Concrete backends live in the
// subpackages: delegated (remote custodial wallet service) and local
// (in-process secp256k1 key).
package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataSigner produces EIP-712 typed-data signatures for a single payer
// address. Implementations must not be shared across payer identities.
type TypedDataSigner interface {
	// Address returns the payer's 0x-prefixed address.
	Address() string

	// SignTypedData signs the EIP-712 typed data and returns the
	// 0x-prefixed 65-byte signature with Ethereum v (27/28).
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) (string, error)
}
