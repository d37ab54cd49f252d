// Package validation checks decoded payment requirements and outgoing
// payment payloads before they reach the signer or the wire.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	uniagent "github.com/toryoto/uniagent-go"
)

// evmAddressRegex matches 0x followed by 40 hex characters.
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// signatureRegex matches a 65-byte 0x-prefixed hex signature.
var signatureRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)

// ValidateAddress checks an EVM address string.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s", address)
	}
	return nil
}

// ValidateAmount checks an atomic-unit amount string. Zero is a valid
// amount; a zero-priced challenge still goes through the signing flow.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative: %s", amount)
	}
	return nil
}

// ValidateRequirement checks a decoded 402 challenge for structural
// soundness. Network support is decided later against the configured
// network table; only shape is checked here.
func ValidateRequirement(req *uniagent.PaymentRequirement) error {
	if req == nil {
		return fmt.Errorf("requirement cannot be nil")
	}

	if req.Scheme != "exact" {
		if req.Scheme == "" {
			return fmt.Errorf("invalid requirement: scheme cannot be empty")
		}
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}

	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	// Asset is optional; an empty asset falls back to the network's USDC
	// deployment.
	if req.Asset != "" {
		if err := ValidateAddress(req.Asset); err != nil {
			return fmt.Errorf("invalid requirement: asset %w", err)
		}
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	if req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: EIP-712 domain name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: EIP-712 domain version cannot be empty")
		}
	}

	return nil
}

// ValidatePayload checks an outgoing signed payment before it is encoded
// onto the wire.
func ValidatePayload(payload uniagent.PaymentPayload) error {
	if payload.X402Version != uniagent.X402Version {
		return fmt.Errorf("unsupported x402 version: %d", payload.X402Version)
	}
	if payload.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if payload.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if !signatureRegex.MatchString(payload.Payload.Signature) {
		return fmt.Errorf("malformed signature: %s", payload.Payload.Signature)
	}

	auth := payload.Payload.Authorization
	if err := ValidateAddress(auth.From); err != nil {
		return fmt.Errorf("authorization from %w", err)
	}
	if err := ValidateAddress(auth.To); err != nil {
		return fmt.Errorf("authorization to %w", err)
	}
	if err := ValidateAmount(auth.Value); err != nil {
		return fmt.Errorf("authorization %w", err)
	}
	return nil
}
