package uniagent

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrValidation indicates malformed caller input. Fatal, no ledger effect.
	ErrValidation = errors.New("uniagent: invalid input")

	// ErrBudgetExceeded indicates a required amount over the allowed ceiling.
	ErrBudgetExceeded = errors.New("uniagent: budget exceeded")

	// ErrMissingChallenge indicates a 402 response with no decodable payment
	// requirement in either the challenge header or the body.
	ErrMissingChallenge = errors.New("uniagent: missing payment challenge")

	// ErrMalformedChallenge indicates a decoded payment requirement with
	// invalid or unusable fields.
	ErrMalformedChallenge = errors.New("uniagent: malformed payment challenge")

	// ErrSigningFailed indicates the signing backend could not produce a
	// typed-data signature.
	ErrSigningFailed = errors.New("uniagent: payment signing failed")

	// ErrSettlementFailed indicates the counterparty reported a failed
	// settlement after the paid retry.
	ErrSettlementFailed = errors.New("uniagent: payment settlement failed")

	// ErrPaymentRetryExhausted indicates the counterparty challenged again
	// after the single paid retry.
	ErrPaymentRetryExhausted = errors.New("uniagent: payment required after paid retry")

	// ErrDiscoveryUnavailable indicates the registry or a descriptor fetch
	// failed in a way that could not be degraded around.
	ErrDiscoveryUnavailable = errors.New("uniagent: discovery unavailable")

	// ErrPlannerFailed indicates the completion service returned an error.
	ErrPlannerFailed = errors.New("uniagent: planner failed")

	// ErrStepLimit indicates the orchestration loop hit its iteration cap.
	ErrStepLimit = errors.New("uniagent: planning step limit reached")

	// ErrInvalidAmount indicates an unparseable or negative amount.
	ErrInvalidAmount = errors.New("uniagent: invalid amount")
)

// ErrorCode is the structured taxonomy surfaced to callers. Codes map 1:1 to
// the remediation table below.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation"
	CodeDiscovery          ErrorCode = "discovery_unavailable"
	CodeChallengeMalformed ErrorCode = "payment_challenge_malformed"
	CodeBudgetExceeded     ErrorCode = "budget_exceeded"
	CodeInsufficientFunds  ErrorCode = "insufficient_funds"
	CodeInvalidSignature   ErrorCode = "invalid_signature"
	CodeExpiredAuth        ErrorCode = "expired_authorization"
	CodeNetworkMismatch    ErrorCode = "network_mismatch"
	CodeUnknown            ErrorCode = "unknown"
)

// AgentError is a classified error with user-facing remediation text. It
// wraps the underlying cause and carries optional structured details for the
// execution log.
type AgentError struct {
	Code        ErrorCode
	Message     string
	Remediation string
	Err         error
	Details     map[string]interface{}
}

// NewAgentError creates a classified error. The remediation text is filled in
// from the code's default; override it with WithRemediation if needed.
func NewAgentError(code ErrorCode, message string, err error) *AgentError {
	return &AgentError{
		Code:        code,
		Message:     message,
		Remediation: defaultRemediation[code],
		Err:         err,
	}
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail and returns the error for chaining.
func (e *AgentError) WithDetails(key string, value interface{}) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRemediation overrides the default remediation text.
func (e *AgentError) WithRemediation(text string) *AgentError {
	e.Remediation = text
	return e
}

// AsAgentError extracts an *AgentError from err's chain, classifying the raw
// error text as a fallback so callers never see a bare transport error.
func AsAgentError(err error) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	return Classify(err.Error())
}

var defaultRemediation = map[ErrorCode]string{
	CodeValidation:         "check the request fields and resubmit",
	CodeDiscovery:          "the registry or agent was unreachable; retry discovery later",
	CodeChallengeMalformed: "the agent sent an invalid payment challenge; report it to the agent operator",
	CodeBudgetExceeded:     "raise the task budget or pick a cheaper agent",
	CodeInsufficientFunds:  "top up the wallet's stablecoin balance (testnets: use a faucet)",
	CodeInvalidSignature:   "retry; a fresh authorization will be created automatically",
	CodeExpiredAuth:        "retry; a fresh authorization will be created automatically",
	CodeNetworkMismatch:    "the agent settles on a different network; check the configured network",
	CodeUnknown:            "",
}
