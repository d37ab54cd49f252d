// Package uniagent contains the shared data model for the UniAgent payment
// orchestration core: capability descriptors produced by discovery, the x402
// payment requirement/payload wire types, the per-run budget ledger, and the
// execution log entries emitted by the orchestrator.
package uniagent

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// StablecoinDecimals is the number of decimal places of the settlement asset
// (USDC uses 6 on every supported network).
const StablecoinDecimals = 6

// X402Version is the protocol version this module speaks.
const X402Version = 1

// CapabilityDescriptor is an immutable snapshot of one discoverable capability
// agent. It merges the on-chain registry record with the agent's own
// off-chain service descriptor. A descriptor is never mutated after discovery;
// the next discovery call supersedes it.
type CapabilityDescriptor struct {
	// ID is the on-chain registry identifier, rendered in decimal.
	ID string `json:"id"`

	// Name is the agent's display name.
	Name string `json:"name"`

	// Description is a human-readable summary of what the agent does.
	Description string `json:"description"`

	// ServiceURL is the agent's base URL as registered on-chain.
	ServiceURL string `json:"serviceUrl"`

	// InvocationEndpoint is the resolved endpoint to POST task messages to.
	// It comes from the agent's service descriptor, or the conventional
	// fallback path when the descriptor is unreachable or malformed.
	InvocationEndpoint string `json:"invocationEndpoint"`

	// PricePerCall is the advertised price in stablecoin units (e.g. USD).
	PricePerCall decimal.Decimal `json:"pricePerCall"`

	// RatingAverage is the mean of submitted ratings, 0 when unrated.
	RatingAverage float64 `json:"ratingAverage"`

	// RatingCount is the number of submitted ratings.
	RatingCount int `json:"ratingCount"`

	// Category is the registry category the agent is filed under.
	Category string `json:"category"`

	// SkillTags are free-form skill keywords from the registry record.
	SkillTags []string `json:"skillTags"`

	// Owner is the registrant's address.
	Owner string `json:"owner"`

	// Active reports whether the agent is accepting invocations.
	Active bool `json:"active"`
}

// DiscoveryQuery is a pure filter over registered capability agents.
// Nil pointer fields mean "no constraint"; in particular the absence of
// MinRating applies no rating floor.
type DiscoveryQuery struct {
	// Category restricts the registry lookup to one category.
	Category string `json:"category,omitempty"`

	// Skill is matched case-insensitively against name and description.
	Skill string `json:"skill,omitempty"`

	// MaxPrice keeps only agents with PricePerCall <= MaxPrice.
	MaxPrice *decimal.Decimal `json:"maxPrice,omitempty"`

	// MinRating keeps only agents with RatingAverage >= MinRating.
	MinRating *float64 `json:"minRating,omitempty"`
}

// DiscoveryResult is the outcome of one discovery call.
type DiscoveryResult struct {
	Candidates []CapabilityDescriptor `json:"candidates"`
	Total      int                    `json:"total"`
}

// PaymentRequirement represents the payment terms decoded from a 402
// challenge. One instance is created per challenge and used exactly once.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g. "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g. "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the stablecoin contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// ErrorCode optionally carries a facilitator error from a prior attempt.
	ErrorCode string `json:"errorCode,omitempty"`

	// Extra contains scheme-specific additional data, e.g. the EIP-712
	// domain "name" and "version" of the asset contract.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// RequirementsResponse is the body/header wrapper form of a 402 challenge:
// the server lists every payment option it accepts.
type RequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentAuthorization is a signed, time-bounded, single-use value transfer
// instruction (EIP-3009 transferWithAuthorization parameters). All integer
// fields are decimal strings; Nonce is a 0x-prefixed 32-byte hex string that
// must be fresh per authorization.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload carries the signature and authorization for the "exact"
// scheme on EVM networks.
type ExactEVMPayload struct {
	Signature     string               `json:"signature"`
	Authorization PaymentAuthorization `json:"authorization"`
}

// PaymentPayload is the signed payment attached to the paid retry. Its JSON
// structure is the wire contract the counterparty's verifier parses.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// SettlementResponse is the facilitator's verdict reported by the
// counterparty after a paid retry.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// LogKind classifies an ExecutionLogEntry.
type LogKind string

const (
	LogKindPlan       LogKind = "plan"
	LogKindDiscovery  LogKind = "discovery"
	LogKindInvocation LogKind = "invocation"
	LogKindPayment    LogKind = "payment"
	LogKindError      LogKind = "error"
	LogKindCompletion LogKind = "completion"
)

// ExecutionLogEntry is one step of the auditable execution trace. Entries are
// append-only and ordered by Step; ordering is the only guarantee.
type ExecutionLogEntry struct {
	Step        int                    `json:"step"`
	Kind        LogKind                `json:"kind"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AtomicToDecimal converts an atomic-unit amount to stablecoin units.
// For example, 1500000 becomes 1.5.
func AtomicToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -StablecoinDecimals)
}

// DecimalToAtomic converts a stablecoin-unit amount to atomic units,
// truncating any precision beyond the asset's decimals.
func DecimalToAtomic(d decimal.Decimal) *big.Int {
	return d.Shift(StablecoinDecimals).Truncate(0).BigInt()
}

// ParseAtomicAmount parses a base-10 atomic-unit amount string.
func ParseAtomicAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
