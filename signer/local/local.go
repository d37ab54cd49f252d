// Package local implements the typed-data signing capability with an
// in-process secp256k1 key, loaded from a hex-encoded private key or derived
// from a BIP-39 mnemonic. Intended for development and tests; production
// deployments use the delegated backend.
package local

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/toryoto/uniagent-go/signer"
)

// Signer signs EIP-712 typed data with a locally held private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// New creates a Signer from a hex-encoded private key (with or without the
// 0x prefix).
func New(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return fromKey(privateKey), nil
}

// NewFromMnemonic derives a Signer from a BIP-39 mnemonic phrase using the
// standard Ethereum path m/44'/60'/0'/0/{index}.
func NewFromMnemonic(mnemonic string, index uint32) (*Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic phrase")
	}

	seed := bip39.NewSeed(mnemonic, "")
	privateKey, err := deriveKey(seed, index)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return fromKey(privateKey), nil
}

func fromKey(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address implements signer.TypedDataSigner.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignTypedData implements signer.TypedDataSigner.
func (s *Signer) SignTypedData(_ context.Context, typedData apitypes.TypedData) (string, error) {
	digest, err := signer.Digest(typedData)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}

	// Ethereum expects v in {27, 28}.
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// deriveKey walks the BIP-44 path m/44'/60'/0'/0/{index}.
func deriveKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	key, err := masterKey.NewChildKey(bip32.FirstHardenedChild + 44)
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(bip32.FirstHardenedChild + 60)
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(bip32.FirstHardenedChild + 0)
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(0)
	if err != nil {
		return nil, err
	}
	key, err = key.NewChildKey(index)
	if err != nil {
		return nil, err
	}

	return crypto.ToECDSA(key.Key)
}
