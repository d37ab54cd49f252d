// Package encoding handles the wire encoding of x402 payment headers:
// base64-wrapped JSON for payment payloads and settlement responses, and a
// tolerant decoder for payment challenges.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	uniagent "github.com/toryoto/uniagent-go"
)

// DecodeRequirement parses a payment challenge header into a single
// PaymentRequirement. It accepts base64-wrapped JSON as well as raw JSON
// (header-encoding variance between counterparties), and both the bare
// requirement object and the accepts-wrapper form. Decode failures yield nil;
// this function never returns an error.
func DecodeRequirement(header string) *uniagent.PaymentRequirement {
	if header == "" {
		return nil
	}

	raw := []byte(header)
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		raw = decoded
	}

	// Wrapper form first: {"x402Version":1,"accepts":[...]}.
	var wrapper uniagent.RequirementsResponse
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Accepts) > 0 {
		req := wrapper.Accepts[0]
		if req.Scheme != "" {
			return &req
		}
	}

	var req uniagent.PaymentRequirement
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	if req.Scheme == "" || req.PayTo == "" {
		return nil
	}
	return &req
}

// EncodePayment converts a PaymentPayload to base64-encoded JSON for the
// X-PAYMENT header. The field structure is the wire contract the
// counterparty's verifier parses.
func EncodePayment(payment uniagent.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string back to a
// PaymentPayload. Used by tests and by counterparty-side verification.
func DecodePayment(encoded string) (uniagent.PaymentPayload, error) {
	var payment uniagent.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("failed to unmarshal payment: %w", err)
	}

	return payment, nil
}

// EncodeRequirements converts a RequirementsResponse to base64-encoded JSON,
// the form counterparties put in a 402 challenge header.
func EncodeRequirements(requirements uniagent.RequirementsResponse) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeSettlement converts the X-PAYMENT-RESPONSE header to a
// SettlementResponse. Like DecodeRequirement it tolerates raw JSON.
func DecodeSettlement(encoded string) (*uniagent.SettlementResponse, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty settlement header")
	}

	raw := []byte(encoded)
	if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		raw = decoded
	}

	var settlement uniagent.SettlementResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return &settlement, nil
}

// EncodeSettlement converts a SettlementResponse to base64-encoded JSON.
func EncodeSettlement(settlement uniagent.SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}
